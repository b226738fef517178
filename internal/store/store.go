package store

import (
	"context"
	"errors"
	"time"

	"taskfarm/internal/models"
)

// Store holds every piece of shared state. Implementations must make ClaimRequestedTask
// atomic and serialize MutateTask calls for the same task id.
type Store interface {
	CreateTemplate(ctx context.Context, template *models.JobTemplate) error
	GetTemplate(ctx context.Context, id int64) (*models.JobTemplate, error)
	ListTemplates(ctx context.Context) ([]models.JobTemplate, error)
	// TouchTemplateMostRecent points the template at taskID unless it already points at a
	// task touched after at.
	TouchTemplateMostRecent(ctx context.Context, templateID int64, taskID string, at time.Time) error

	CreateRequestedTask(ctx context.Context, task *models.RequestedTask) error
	GetRequestedTask(ctx context.Context, id string) (*models.RequestedTask, error)
	// ListRequestedTasks returns pending tasks ordered by priority desc, created_at asc, id asc
	ListRequestedTasks(ctx context.Context) ([]models.RequestedTask, error)
	DeleteRequestedTask(ctx context.Context, id string) error
	// ClaimRequestedTask deletes the pending task and creates its Task bound to worker in one
	// step. Returns models.ErrNotFound when another caller claimed it first.
	ClaimRequestedTask(ctx context.Context, id string, worker string, now time.Time) (*models.Task, error)
	// HasActiveTask reports whether the template has a pending or a non-terminal task
	HasActiveTask(ctx context.Context, templateID int64) (bool, error)

	GetTask(ctx context.Context, id string) (*models.Task, error)
	// MutateTask loads the task, hands it to fn and persists it if fn returns nil. Nothing
	// is written when fn fails.
	MutateTask(ctx context.Context, id string, fn func(task *models.Task) error) (*models.Task, error)
	ListRunningTasksByWorker(ctx context.Context, worker string) ([]models.Task, error)
	// ListTasksInStatusSince returns tasks currently in status that entered it before cutoff
	ListTasksInStatusSince(ctx context.Context, status models.Status, cutoff time.Time) ([]models.Task, error)
	// ListRunningTasksUpdatedBefore returns non-terminal tasks last updated before cutoff
	ListRunningTasksUpdatedBefore(ctx context.Context, cutoff time.Time) ([]models.Task, error)
	// DeleteTasksBeyondRetention keeps the keep most recently updated tasks of the template
	// and deletes older terminal ones.
	DeleteTasksBeyondRetention(ctx context.Context, templateID int64, keep int) (int64, error)
	// DeleteTasksOlderThan deletes terminal tasks last updated before cutoff
	DeleteTasksOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	GetWorker(ctx context.Context, name string) (*models.Worker, error)
	SaveWorker(ctx context.Context, worker *models.Worker) error
	ListWorkers(ctx context.Context) ([]models.Worker, error)

	ListEstimates(ctx context.Context) ([]models.DurationEstimate, error)
	UpsertEstimate(ctx context.Context, estimate models.DurationEstimate) error
}

// IsNotFound reports whether err says the looked up record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
