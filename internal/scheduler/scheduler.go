package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

// cronParser accepts an optional seconds field and the @every/@daily descriptors
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidatePeriodicity checks that p is either manually or a cron expression the scheduler accepts
func ValidatePeriodicity(p string) error {
	if p == models.PeriodicityManually {
		return nil
	}
	if _, err := cronParser.Parse(p); err != nil {
		return fmt.Errorf("%w: periodicity %q: %v", models.ErrBadRequest, p, err)
	}
	return nil
}

type ScheduledTemplate struct {
	EntryID  cron.EntryID
	Template models.JobTemplate
}

// TaskScheduler fires periodic templates and the maintenance sweeps on their cron specs
type TaskScheduler struct {
	store            store.Store
	requester        *Requester
	cron             *cron.Cron
	refreshInterval  time.Duration
	templateIDMap    map[int64]ScheduledTemplate // the key is the template ID
	templateMapMutex sync.RWMutex

	// Used for refresh operations
	isRunning  bool // checks if start has been called
	ticker     *time.Ticker
	context    context.Context
	cancelFunc context.CancelFunc
}

// NewTaskScheduler creates a new scheduler service. Templates are re-read every refreshInterval.
func NewTaskScheduler(st store.Store, requester *Requester, refreshInterval time.Duration) *TaskScheduler {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{}),
	)

	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}

	return &TaskScheduler{
		store:           st,
		requester:       requester,
		cron:            c,
		refreshInterval: refreshInterval,
		templateIDMap:   make(map[int64]ScheduledTemplate),
		context:         context.Background(),
	}
}

// AddSweep runs fn on spec until the scheduler stops. A sweep still running when its next turn
// comes is skipped.
func (s *TaskScheduler) AddSweep(name string, spec string, fn func(ctx context.Context) error) error {
	job := cron.NewChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})).
		Then(cron.FuncJob(func() {
			ctx := s.context
			if ctx.Err() != nil {
				return
			}
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("sweep", name).Msg("Sweep finished with errors")
			}
		}))

	if _, err := s.cron.AddJob(spec, job); err != nil {
		log.Error().Err(err).Str("sweep", name).Str("cron", spec).Msg("Failed to schedule sweep")
		return err
	}
	log.Info().Str("sweep", name).Str("cron", spec).Msg("Sweep scheduled")
	return nil
}

// Start begins the scheduler service
func (s *TaskScheduler) Start(ctx context.Context) error {
	if s.isRunning {
		return nil
	}

	s.isRunning = true
	s.context, s.cancelFunc = context.WithCancel(ctx)

	// Load all templates
	if err := s.RefreshTemplates(s.context); err != nil {
		s.cancelFunc()
		s.isRunning = false
		return err
	}

	s.startTemplateRefresh(s.context)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler service and waits for running jobs
func (s *TaskScheduler) Stop() {
	if !s.isRunning {
		return
	}

	s.cancelFunc()
	if s.ticker != nil {
		s.ticker.Stop()
	}

	<-s.cron.Stop().Done()
	s.isRunning = false
}

func (s *TaskScheduler) startTemplateRefresh(ctx context.Context) {
	s.ticker = time.NewTicker(s.refreshInterval)

	go func() {
		var isRunning atomic.Bool
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ticker.C:
				if !isRunning.CompareAndSwap(false, true) {
					continue
				}

				go func() {
					defer isRunning.Store(false)
					if err := s.RefreshTemplates(ctx); err != nil {
						log.Error().Err(err).Msg("Failed to refresh templates")
					}
				}()
			}
		}
	}()
}

// RefreshTemplates syncs cron entries with the periodic templates in the store
func (s *TaskScheduler) RefreshTemplates(ctx context.Context) error {
	log.Debug().Msg("Refreshing template schedules...")

	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return err
	}

	seen := make(map[int64]bool, len(templates))
	var errs []error
	for _, template := range templates {
		seen[template.ID] = true

		s.templateMapMutex.RLock()
		sc, exists := s.templateIDMap[template.ID]
		s.templateMapMutex.RUnlock()

		active := template.Enabled && template.IsPeriodic()
		switch {
		case !active:
			s.RemoveTemplate(template.ID)
		case !exists:
			errs = append(errs, s.AddTemplate(ctx, template))
		case sc.Template.Periodicity != template.Periodicity:
			// periodicity was edited
			s.RemoveTemplate(template.ID)
			errs = append(errs, s.AddTemplate(ctx, template))
		}
	}

	// templates removed from the store
	s.templateMapMutex.RLock()
	var gone []int64
	for id := range s.templateIDMap {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	s.templateMapMutex.RUnlock()
	for _, id := range gone {
		s.RemoveTemplate(id)
	}

	log.Debug().Int("scheduled", s.ScheduledCount()).Msg("Template refresh complete")
	return errors.Join(errs...)
}

// AddTemplate adds a periodic template into the cron scheduler
func (s *TaskScheduler) AddTemplate(ctx context.Context, template models.JobTemplate) error {
	entryID, err := s.cron.AddFunc(template.Periodicity, func() {
		if ctx.Err() != nil {
			return // Context cancelled
		}
		s.requestPeriodic(ctx, template)
	})

	if err != nil {
		log.Error().
			Err(err).
			Int64("template_id", template.ID).
			Str("cron", template.Periodicity).
			Msg("Failed to schedule template")
		return err
	}

	s.templateMapMutex.Lock()
	s.templateIDMap[template.ID] = ScheduledTemplate{entryID, template}
	s.templateMapMutex.Unlock()

	log.Info().
		Int64("template_id", template.ID).
		Str("template", template.Name).
		Str("cron", template.Periodicity).
		Msg("Scheduled template")
	return nil
}

// RemoveTemplate removes a template from the cron scheduler
func (s *TaskScheduler) RemoveTemplate(templateID int64) {
	s.templateMapMutex.Lock()
	defer s.templateMapMutex.Unlock()

	if sc, exists := s.templateIDMap[templateID]; exists {
		s.cron.Remove(sc.EntryID)
		delete(s.templateIDMap, templateID)
		log.Info().
			Int64("template_id", templateID).
			Msg("Removed template schedule")
	}
}

// ScheduledCount is the number of templates with a cron entry
func (s *TaskScheduler) ScheduledCount() int {
	s.templateMapMutex.RLock()
	defer s.templateMapMutex.RUnlock()
	return len(s.templateIDMap)
}

// requestPeriodic queues a task for the template unless one is still pending or running
func (s *TaskScheduler) requestPeriodic(ctx context.Context, template models.JobTemplate) {
	_, err := s.requester.Request(ctx, template.ID, ActorScheduler, 0)
	switch {
	case errors.Is(err, models.ErrAlreadyRequested):
		log.Debug().
			Int64("template_id", template.ID).
			Msg("Template still has an active task, skipping this run")
	case err != nil:
		log.Error().
			Err(err).
			Int64("template_id", template.ID).
			Msg("Failed to request periodic task")
	}
}

// cronLogger routes cron's own logging to zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
