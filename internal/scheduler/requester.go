package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"taskfarm/internal/metrics"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

// ActorScheduler is the requested_by identity of periodic requests
const ActorScheduler = "scheduler"

// Requester turns templates into pending tasks
type Requester struct {
	store   store.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRequester(st store.Store, m *metrics.Metrics) *Requester {
	return &Requester{
		store:   st,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Request queues a task for the template. Resources and offliner are copied from the template
// so later edits do not change what was asked for.
func (r *Requester) Request(ctx context.Context, templateID int64, requestedBy string, priority int) (*models.RequestedTask, error) {
	template, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !template.Enabled {
		return nil, fmt.Errorf("template %s: %w", template.Name, models.ErrTemplateDisabled)
	}
	if err := template.Resources.Validate(); err != nil {
		return nil, err
	}

	active, err := r.store.HasActiveTask(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("template %s: %w", template.Name, models.ErrAlreadyRequested)
	}

	rt := &models.RequestedTask{
		ID:           uuid.NewString(),
		TemplateID:   template.ID,
		TemplateName: template.Name,
		Offliner:     template.Offliner,
		Resources:    template.Resources,
		Priority:     priority,
		RequestedBy:  requestedBy,
		CreatedAt:    r.now(),
	}
	if err := r.store.CreateRequestedTask(ctx, rt); err != nil {
		return nil, err
	}

	source := "manual"
	if requestedBy == ActorScheduler {
		source = "periodic"
	}
	r.metrics.Requests.WithLabelValues(source).Inc()

	log.Info().
		Str("task_id", rt.ID).
		Str("template", template.Name).
		Str("requested_by", requestedBy).
		Int("priority", priority).
		Msg("Task requested")
	return rt, nil
}

// List returns the pending tasks in matching order with their rank filled in
func (r *Requester) List(ctx context.Context) ([]models.RequestedTask, error) {
	tasks, err := r.store.ListRequestedTasks(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Rank = i
	}
	return tasks, nil
}

// Delete drops a pending task before any worker claims it
func (r *Requester) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteRequestedTask(ctx, id); err != nil {
		return err
	}
	log.Info().Str("task_id", id).Msg("Requested task deleted")
	return nil
}
