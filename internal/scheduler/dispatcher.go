package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"taskfarm/internal/ledger"
	"taskfarm/internal/metrics"
	"taskfarm/internal/models"
	"taskfarm/internal/registry"
	"taskfarm/internal/store"
)

// Dispatcher answers worker polls by matching and claiming a pending task
type Dispatcher struct {
	store         store.Store
	registry      *registry.Registry
	matcher       *Matcher
	ledger        *ledger.Ledger
	metrics       *metrics.Metrics
	claimAttempts int
	now           func() time.Time
}

func NewDispatcher(st store.Store, reg *registry.Registry, matcher *Matcher, l *ledger.Ledger, m *metrics.Metrics, claimAttempts int) *Dispatcher {
	return &Dispatcher{
		store:         st,
		registry:      reg,
		matcher:       matcher,
		ledger:        l,
		metrics:       m,
		claimAttempts: max(claimAttempts, 1),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// PollForTask assigns the best pending task to the worker and returns it, or returns nil when
// the worker should stay idle until its next poll.
func (d *Dispatcher) PollForTask(ctx context.Context, workerName string, free models.Resources) (*models.Task, error) {
	if err := free.Validate(); err != nil {
		return nil, err
	}

	worker, err := d.registry.Get(ctx, workerName)
	if err != nil {
		d.metrics.Polls.WithLabelValues("error").Inc()
		return nil, err
	}
	if !d.registry.IsEligible(worker) {
		log.Debug().Str("worker", workerName).Msg("Worker not eligible for tasks")
		d.metrics.Polls.WithLabelValues("ineligible").Inc()
		return nil, nil
	}

	for attempt := 1; attempt <= d.claimAttempts; attempt++ {
		start := time.Now()
		rt, err := d.matcher.FindBestTask(ctx, worker, free)
		d.metrics.MatchDuration.Observe(time.Since(start).Seconds())

		switch {
		case errors.Is(err, models.ErrInconsistent):
			d.metrics.Polls.WithLabelValues("inconsistent").Inc()
			return nil, nil
		case err != nil:
			d.metrics.Polls.WithLabelValues("error").Inc()
			return nil, err
		case rt == nil:
			d.metrics.Polls.WithLabelValues("empty").Inc()
			return nil, nil
		}

		if !rt.Resources.FitsIn(free) || !rt.Resources.FitsIn(worker.Resources) {
			log.Error().
				Str("worker", workerName).
				Str("task_id", rt.ID).
				Str("required", rt.Resources.String()).
				Str("free", free.String()).
				Msg("Refusing to assign a task larger than the worker's room")
			d.metrics.Polls.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("task %s on worker %s: %w", rt.ID, workerName, models.ErrResourceExceeded)
		}

		task, err := d.store.ClaimRequestedTask(ctx, rt.ID, worker.Name, d.now())
		if store.IsNotFound(err) {
			log.Debug().
				Str("worker", workerName).
				Str("task_id", rt.ID).
				Int("attempt", attempt).
				Msg("Task claimed by another worker, matching again")
			continue
		} else if err != nil {
			d.metrics.Polls.WithLabelValues("error").Inc()
			return nil, err
		}

		d.metrics.Polls.WithLabelValues("assigned").Inc()
		d.ledger.RecordClaim(ctx, task)
		return task, nil
	}

	d.metrics.Polls.WithLabelValues("empty").Inc()
	return nil, nil
}
