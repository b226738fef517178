package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"taskfarm/internal/config"
	"taskfarm/internal/ledger"
	"taskfarm/internal/metrics"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

// Reaper closes tasks whose worker stopped reporting on them
type Reaper struct {
	store        store.Store
	ledger       *ledger.Ledger
	metrics      *metrics.Metrics
	conf         config.ReaperConfig
	offlineAfter time.Duration
	now          func() time.Time
}

// NewReaper creates a Reaper. offlineAfter decides when a worker's heartbeat counts as stale.
func NewReaper(st store.Store, l *ledger.Ledger, m *metrics.Metrics, conf config.ReaperConfig, offlineAfter time.Duration) *Reaper {
	return &Reaper{
		store:        st,
		ledger:       l,
		metrics:      m,
		conf:         conf,
		offlineAfter: offlineAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type bucket struct {
	name string
	run  func(ctx context.Context, now time.Time) (int, error)
}

// ReapOnce sweeps every bucket once. A failing bucket does not stop the others; their errors
// are joined in the result.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	now := r.now()
	buckets := []bucket{
		{"reserved", r.cancelStuck(models.StatusReserved, r.conf.ReservedTimeout)},
		{"started", r.cancelStuck(models.StatusStarted, r.conf.StartedTimeout)},
		{"cancel_requested", r.cancelStuck(models.StatusCancelRequested, r.conf.CancelRequestedTimeout)},
		{"canceling", r.cancelStuck(models.StatusCanceling, r.conf.CancelingTimeout)},
		{"scraper_completed", r.closeCompleted},
		{"vanished", r.cancelVanished},
	}

	var errs []error
	for _, b := range buckets {
		count, err := r.runBucket(ctx, now, b)
		if count > 0 {
			r.metrics.Reaped.WithLabelValues(b.name).Add(float64(count))
			log.Info().Str("bucket", b.name).Int("count", count).Msg("Reaped tasks")
		}
		if err != nil {
			r.metrics.ReapFailures.WithLabelValues(b.name).Inc()
			log.Error().Err(err).Str("bucket", b.name).Msg("Reaper bucket failed")
			errs = append(errs, fmt.Errorf("bucket %s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reaper) runBucket(ctx context.Context, now time.Time, b bucket) (count int, err error) {
	if r.conf.BucketTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.conf.BucketTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in bucket: %v", p)
		}
	}()
	return b.run(ctx, now)
}

// cancelStuck cancels tasks that entered status longer than timeout ago
func (r *Reaper) cancelStuck(status models.Status, timeout time.Duration) func(ctx context.Context, now time.Time) (int, error) {
	return func(ctx context.Context, now time.Time) (int, error) {
		if timeout <= 0 {
			return 0, nil
		}

		tasks, err := r.store.ListTasksInStatusSince(ctx, status, now.Add(-timeout))
		if err != nil {
			return 0, err
		}
		return r.forEach(ctx, tasks, func(task *models.Task) (models.Status, map[string]any) {
			return models.StatusCanceled, map[string]any{ledger.MetaCanceledBy: ledger.ActorReaper}
		})
	}
}

// closeCompleted settles tasks whose job completed but whose worker never confirmed the outcome.
// The container exit code decides.
func (r *Reaper) closeCompleted(ctx context.Context, now time.Time) (int, error) {
	if r.conf.CompletedTimeout <= 0 {
		return 0, nil
	}

	tasks, err := r.store.ListTasksInStatusSince(ctx, models.StatusScraperCompleted, now.Add(-r.conf.CompletedTimeout))
	if err != nil {
		return 0, err
	}
	return r.forEach(ctx, tasks, func(task *models.Task) (models.Status, map[string]any) {
		if task.Container.ExitCode.Valid && task.Container.ExitCode.Int64 == 0 {
			return models.StatusSucceeded, nil
		}
		return models.StatusFailed, nil
	})
}

// cancelVanished cancels tasks that have not moved for a long while on workers that are
// themselves no longer checking in
func (r *Reaper) cancelVanished(ctx context.Context, now time.Time) (int, error) {
	if r.conf.VanishedTimeout <= 0 {
		return 0, nil
	}

	tasks, err := r.store.ListRunningTasksUpdatedBefore(ctx, now.Add(-r.conf.VanishedTimeout))
	if err != nil {
		return 0, err
	}

	online := make(map[string]bool)
	var stale []models.Task
	for _, task := range tasks {
		isOnline, seen := online[task.WorkerName]
		if !seen {
			worker, err := r.store.GetWorker(ctx, task.WorkerName)
			switch {
			case store.IsNotFound(err):
				isOnline = false
			case err != nil:
				return 0, err
			default:
				isOnline = worker.IsOnline(now, r.offlineAfter)
			}
			online[task.WorkerName] = isOnline
		}
		if !isOnline {
			stale = append(stale, task)
		}
	}

	return r.forEach(ctx, stale, func(task *models.Task) (models.Status, map[string]any) {
		return models.StatusCanceled, map[string]any{ledger.MetaCanceledBy: ledger.ActorReaper}
	})
}

// forEach force-moves each task out of the status it was selected in. One failing task does
// not stop the rest.
func (r *Reaper) forEach(ctx context.Context, tasks []models.Task, target func(task *models.Task) (models.Status, map[string]any)) (int, error) {
	var (
		count int
		errs  []error
	)
	for i := range tasks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		task := &tasks[i]
		to, metadata := target(task)
		_, moved, err := r.ledger.ForceTransition(ctx, task.ID, task.Status, to, metadata)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Str("to", string(to)).Msg("Could not reap task")
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		if moved {
			log.Info().
				Str("task_id", task.ID).
				Str("worker", task.WorkerName).
				Str("from", string(task.Status)).
				Str("to", string(to)).
				Msg("Reaped task")
			count++
		}
	}
	return count, errors.Join(errs...)
}
