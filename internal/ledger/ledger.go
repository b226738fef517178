package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"taskfarm/internal/metrics"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

// ActorReaper is recorded as canceled_by when the reaper closes a task
const ActorReaper = "reaper"

// Notifier receives every primary status change after it is stored
type Notifier interface {
	NotifyStatusChange(ctx context.Context, task *models.Task, status models.Status) error
}

// CompletionRecorder is told about tasks that completed their job successfully
type CompletionRecorder interface {
	RecordCompletion(ctx context.Context, task *models.Task) error
}

// errUnchanged aborts a mutation that would not change anything
var errUnchanged = errors.New("unchanged")

type Ledger struct {
	store    store.Store
	notifier Notifier
	recorder CompletionRecorder
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewLedger(st store.Store, notifier Notifier, recorder CompletionRecorder, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:    st,
		notifier: notifier,
		recorder: recorder,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ApplyEvent applies one worker or operator event to the task. A zero ts means now.
func (l *Ledger) ApplyEvent(ctx context.Context, taskID string, code models.Status, ts time.Time, metadata map[string]any) (*models.Task, error) {
	if ts.IsZero() {
		ts = l.now()
	}
	return l.mutate(ctx, taskID, code, func(task *models.Task) (Outcome, error) {
		return Apply(task, code, ts, metadata)
	})
}

// ForceTransition moves a task that is still in from to the status to, stamped now. It is a
// no-op when the task has moved on since it was selected.
func (l *Ledger) ForceTransition(ctx context.Context, taskID string, from, to models.Status, metadata map[string]any) (*models.Task, bool, error) {
	var moved bool
	task, err := l.mutate(ctx, taskID, to, func(task *models.Task) (Outcome, error) {
		if task.Status != from {
			return Unchanged, nil
		}
		outcome, err := Apply(task, to, l.now(), metadata)
		moved = outcome == Transitioned
		return outcome, err
	})
	return task, moved, err
}

// CancelTask asks the worker running the task to stop it
func (l *Ledger) CancelTask(ctx context.Context, taskID string, actor string) (*models.Task, error) {
	return l.mutate(ctx, taskID, models.StatusCancelRequested, func(task *models.Task) (Outcome, error) {
		switch {
		case task.IsTerminal():
			return Unchanged, fmt.Errorf("task %s is %s: %w", task.ID, task.Status, models.ErrAlreadyTerminal)
		case task.Status.Rank() >= models.StatusCancelRequested.Rank():
			return Unchanged, nil
		}
		return Apply(task, models.StatusCancelRequested, l.now(), map[string]any{MetaCanceledBy: actor})
	})
}

func (l *Ledger) mutate(ctx context.Context, taskID string, code models.Status, fn func(task *models.Task) (Outcome, error)) (*models.Task, error) {
	var outcome Outcome
	task, err := l.store.MutateTask(ctx, taskID, func(task *models.Task) error {
		var err error
		if outcome, err = fn(task); err != nil {
			return err
		}
		if outcome == Unchanged {
			return errUnchanged
		}
		return nil
	})

	switch {
	case errors.Is(err, errUnchanged):
		l.metrics.Events.WithLabelValues(string(code), "noop").Inc()
		return task, nil
	case errors.Is(err, models.ErrRegression):
		log.Warn().
			Err(err).
			Str("task_id", taskID).
			Str("code", string(code)).
			Msg("Dropped out of order task event")
		l.metrics.Events.WithLabelValues(string(code), "rejected").Inc()
		return task, err
	case err != nil:
		l.metrics.Events.WithLabelValues(string(code), "rejected").Inc()
		return nil, err
	}

	l.metrics.Events.WithLabelValues(string(code), "applied").Inc()
	if outcome == Transitioned {
		l.afterTransition(ctx, task)
	}
	return task, nil
}

// RecordClaim runs the status change side effects for a task that was just claimed and is
// therefore reserved.
func (l *Ledger) RecordClaim(ctx context.Context, task *models.Task) {
	l.metrics.Events.WithLabelValues(string(models.StatusReserved), "applied").Inc()
	l.afterTransition(ctx, task)
}

// afterTransition runs the side effects of a stored status change. None of them can undo it.
func (l *Ledger) afterTransition(ctx context.Context, task *models.Task) {
	logger := log.With().
		Str("task_id", task.ID).
		Str("status", string(task.Status)).
		Logger()

	if l.notifier != nil {
		if err := l.notifier.NotifyStatusChange(ctx, task, task.Status); err != nil {
			logger.Error().Err(err).Msg("Could not notify status change")
			l.metrics.Notifications.WithLabelValues("failed").Inc()
		} else {
			l.metrics.Notifications.WithLabelValues("sent").Inc()
		}
	}

	if err := l.store.TouchTemplateMostRecent(ctx, task.TemplateID, task.ID, task.UpdatedAt); err != nil {
		logger.Error().Err(err).Int64("template_id", task.TemplateID).Msg("Could not update most recent task of template")
	}

	if l.recorder != nil && task.Status == models.StatusScraperCompleted &&
		task.Container.ExitCode.Valid && task.Container.ExitCode.Int64 == 0 {
		if err := l.recorder.RecordCompletion(ctx, task); err != nil {
			logger.Error().Err(err).Msg("Could not record task duration")
		}
	}

	logger.Info().Str("worker", task.WorkerName).Msg("Task status changed")
}
