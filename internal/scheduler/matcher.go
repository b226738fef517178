package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"taskfarm/internal/config"
	"taskfarm/internal/estimator"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

// Matcher picks the pending task a polling worker should run next. It does conservative
// backfill: when the most urgent task cannot start yet, a smaller one may go first only if it
// is expected to finish before the room for the urgent one opens up.
type Matcher struct {
	store     store.Store
	estimates *estimator.Estimator
	etaFloor  time.Duration
	etaMargin float64
	now       func() time.Time
}

func NewMatcher(st store.Store, estimates *estimator.Estimator, conf config.SchedulerConfig) *Matcher {
	return &Matcher{
		store:     st,
		estimates: estimates,
		etaFloor:  conf.MinEtaFloor,
		etaMargin: conf.EtaMargin,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type candidate struct {
	task     models.RequestedTask
	duration time.Duration
}

type runningEta struct {
	task models.Task
	eta  time.Time
}

// FindBestTask returns the task worker should claim given its free resources, or nil when
// nothing suits. The worker is expected to be eligible. models.ErrInconsistent is returned when
// the worker reports less free room than its running tasks can explain.
func (m *Matcher) FindBestTask(ctx context.Context, worker *models.Worker, free models.Resources) (*models.RequestedTask, error) {
	pending, err := m.store.ListRequestedTasks(ctx)
	if err != nil {
		return nil, err
	}
	table, err := m.estimates.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()

	candidates := m.candidates(worker, pending, table)
	if len(candidates) == 0 {
		return nil, nil
	}

	top := candidates[0]
	if top.task.Resources.FitsIn(free) {
		return &top.task, nil
	}

	missing := top.task.Resources.Missing(free)
	running, err := m.store.ListRunningTasksByWorker(ctx, worker.Name)
	if err != nil {
		return nil, err
	}

	openingTime, ok := m.openingTime(now, worker.Name, running, missing, table)
	if !ok {
		log.Warn().
			Str("worker", worker.Name).
			Str("free", free.String()).
			Str("missing", missing.String()).
			Int("running", len(running)).
			Str("top_task", top.task.ID).
			Msg("Running tasks do not account for the resources the worker lacks")
		return nil, fmt.Errorf("worker %s: %w", worker.Name, models.ErrInconsistent)
	}
	available := openingTime.Sub(now)

	for _, c := range candidates[1:] {
		if c.task.Resources.FitsIn(free) && c.duration <= available {
			log.Debug().
				Str("worker", worker.Name).
				Str("task_id", c.task.ID).
				Str("blocked_task", top.task.ID).
				Dur("available", available).
				Msg("Backfilling task")
			return &c.task, nil
		}
	}
	return nil, nil
}

// candidates keeps the pending tasks the worker is sized and able to run, most urgent first.
// Equal priorities go longest first so long tasks are not starved by a stream of short ones.
func (m *Matcher) candidates(worker *models.Worker, pending []models.RequestedTask, table *estimator.Table) []candidate {
	var candidates []candidate
	for _, rt := range pending {
		if !rt.Resources.FitsIn(worker.Resources) || !worker.CanRun(rt.Offliner) {
			continue
		}
		candidates = append(candidates, candidate{
			task:     rt,
			duration: table.Estimate(rt.TemplateID, worker.Name),
		})
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(b.task.Priority, a.task.Priority),
			cmp.Compare(b.duration, a.duration),
			a.task.CreatedAt.Compare(b.task.CreatedAt),
			cmp.Compare(a.task.ID, b.task.ID),
		)
	})
	return candidates
}

// openingTime is the predicted moment enough running tasks have finished to release missing.
// ok is false when all of them together would not release it.
func (m *Matcher) openingTime(now time.Time, worker string, running []models.Task, missing models.Resources, table *estimator.Table) (time.Time, bool) {
	etas := make([]runningEta, 0, len(running))
	for _, task := range running {
		etas = append(etas, runningEta{task: task, eta: m.eta(now, worker, &task, table)})
	}
	slices.SortFunc(etas, func(a, b runningEta) int {
		return cmp.Or(a.eta.Compare(b.eta), cmp.Compare(a.task.ID, b.task.ID))
	})

	var released models.Resources
	for _, r := range etas {
		released = released.Add(r.task.Resources)
		if missing.FitsIn(released) {
			return r.eta, true
		}
	}
	return time.Time{}, false
}

// eta predicts when a running task completes, never sooner than the floor from now
func (m *Matcher) eta(now time.Time, worker string, task *models.Task, table *estimator.Table) time.Time {
	remaining := table.Estimate(task.TemplateID, worker) - now.Sub(task.StartedAt())
	remaining = max(remaining, m.etaFloor)
	return now.Add(time.Duration(float64(remaining) * m.etaMargin))
}
