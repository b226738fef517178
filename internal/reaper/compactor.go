package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"taskfarm/internal/config"
	"taskfarm/internal/metrics"
	"taskfarm/internal/store"
)

// Compactor bounds how much task history is kept
type Compactor struct {
	store   store.Store
	metrics *metrics.Metrics
	conf    config.CompactorConfig
	now     func() time.Time
}

func NewCompactor(st store.Store, m *metrics.Metrics, conf config.CompactorConfig) *Compactor {
	return &Compactor{
		store:   st,
		metrics: m,
		conf:    conf,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CompactHistoryOnce keeps the most recent tasks of every template and, when enabled, drops
// tasks past the maximum age. Only finished tasks are ever deleted.
func (c *Compactor) CompactHistoryOnce(ctx context.Context) error {
	var errs []error

	if c.conf.KeepPerTemplate > 0 {
		templates, err := c.store.ListTemplates(ctx)
		if err != nil {
			return fmt.Errorf("could not list templates. %w", err)
		}

		var total int64
		for _, template := range templates {
			deleted, err := c.store.DeleteTasksBeyondRetention(ctx, template.ID, c.conf.KeepPerTemplate)
			if err != nil {
				log.Error().Err(err).Int64("template_id", template.ID).Msg("Could not compact template history")
				errs = append(errs, fmt.Errorf("template %d: %w", template.ID, err))
				continue
			}
			total += deleted
		}
		c.record("retention", total)
	}

	if c.conf.MaxAgeEnabled && c.conf.MaxAge > 0 {
		deleted, err := c.store.DeleteTasksOlderThan(ctx, c.now().Add(-c.conf.MaxAge))
		if err != nil {
			log.Error().Err(err).Msg("Could not delete old tasks")
			errs = append(errs, fmt.Errorf("max age: %w", err))
		}
		c.record("age", deleted)
	}

	return errors.Join(errs...)
}

func (c *Compactor) record(policy string, deleted int64) {
	if deleted == 0 {
		return
	}
	c.metrics.Compacted.WithLabelValues(policy).Add(float64(deleted))
	log.Info().Str("policy", policy).Int64("deleted", deleted).Msg("Compacted task history")
}
