package estimator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"taskfarm/internal/metrics"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

// Estimator measures how long templates take and serves those measurements to the matcher
type Estimator struct {
	store    store.Store
	fallback time.Duration
	metrics  *metrics.Metrics
}

// NewEstimator creates an Estimator. fallback is used for templates that never completed.
func NewEstimator(st store.Store, fallback time.Duration, m *metrics.Metrics) *Estimator {
	return &Estimator{store: st, fallback: fallback, metrics: m}
}

// RecordCompletion stores the run length of a task that just reached scraper_completed, both
// for its worker and as the template default.
func (e *Estimator) RecordCompletion(ctx context.Context, task *models.Task) error {
	completed, ok := task.TimestampOf(models.StatusScraperCompleted)
	if !ok {
		return fmt.Errorf("task %s has not completed", task.ID)
	}
	started := task.StartedAt()
	if started.IsZero() {
		return fmt.Errorf("task %s has no start time", task.ID)
	}

	seconds := int64(completed.Sub(started).Seconds())
	if seconds < 0 {
		seconds = 0
	}

	estimate := models.DurationEstimate{
		TemplateID: task.TemplateID,
		WorkerName: null.StringFrom(task.WorkerName),
		Seconds:    seconds,
		MeasuredOn: completed,
	}
	var errs []error
	if err := e.store.UpsertEstimate(ctx, estimate); err != nil {
		errs = append(errs, err)
	}

	estimate.WorkerName = null.String{}
	if err := e.store.UpsertEstimate(ctx, estimate); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	e.metrics.EstimateWrites.Add(2)
	log.Debug().
		Str("task_id", task.ID).
		Int64("template_id", task.TemplateID).
		Str("worker", task.WorkerName).
		Int64("seconds", seconds).
		Msg("Recorded task duration")
	return nil
}

// Snapshot loads every estimate into a Table for the duration of one match
func (e *Estimator) Snapshot(ctx context.Context) (*Table, error) {
	estimates, err := e.store.ListEstimates(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not load duration estimates. %w", err)
	}
	return NewTable(estimates, e.fallback), nil
}

type workerKey struct {
	templateID int64
	worker     string
}

// Table answers estimate lookups in constant time
type Table struct {
	perWorker map[workerKey]time.Duration
	defaults  map[int64]time.Duration
	fallback  time.Duration
}

func NewTable(estimates []models.DurationEstimate, fallback time.Duration) *Table {
	t := &Table{
		perWorker: make(map[workerKey]time.Duration),
		defaults:  make(map[int64]time.Duration),
		fallback:  fallback,
	}
	for _, est := range estimates {
		if est.WorkerName.Valid {
			t.perWorker[workerKey{est.TemplateID, est.WorkerName.String}] = est.Duration()
		} else {
			t.defaults[est.TemplateID] = est.Duration()
		}
	}
	return t
}

// Estimate returns the worker specific duration, else the template default, else the fallback
func (t *Table) Estimate(templateID int64, worker string) time.Duration {
	if d, ok := t.perWorker[workerKey{templateID, worker}]; ok {
		return d
	}
	if d, ok := t.defaults[templateID]; ok {
		return d
	}
	return t.fallback
}
