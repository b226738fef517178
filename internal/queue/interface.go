package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"taskfarm/internal/models"
)

// StatusMessage announces that a task moved to a new status
type StatusMessage struct {
	TaskID       string        `json:"task_id"`
	TemplateID   int64         `json:"template_id"`
	TemplateName string        `json:"template_name"`
	Worker       string        `json:"worker"`
	Status       models.Status `json:"status"`
	CanceledBy   null.String   `json:"canceled_by"`
	ExitCode     null.Int      `json:"exit_code"`
	ChangedAt    time.Time     `json:"changed_at"`
}

func NewStatusMessage(task *models.Task, status models.Status) StatusMessage {
	changedAt, ok := task.TimestampOf(status)
	if !ok {
		changedAt = task.UpdatedAt
	}
	return StatusMessage{
		TaskID:       task.ID,
		TemplateID:   task.TemplateID,
		TemplateName: task.TemplateName,
		Worker:       task.WorkerName,
		Status:       status,
		CanceledBy:   task.CanceledBy,
		ExitCode:     task.Container.ExitCode,
		ChangedAt:    changedAt,
	}
}

// Client defines the interface for status notification transports
type Client interface {
	Publish(ctx context.Context, message StatusMessage) error
	Subscribe(ctx context.Context, handler func(StatusMessage) error) error
	Close() error
}

// Notifier publishes ledger status changes on a Client. Each publish is bounded by timeout so
// a slow broker never holds up the ledger.
type Notifier struct {
	client  Client
	timeout time.Duration
}

func NewNotifier(client Client, timeout time.Duration) *Notifier {
	return &Notifier{client: client, timeout: timeout}
}

func (n *Notifier) NotifyStatusChange(ctx context.Context, task *models.Task, status models.Status) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	if err := n.client.Publish(ctx, NewStatusMessage(task, status)); err != nil {
		return fmt.Errorf("could not publish status of task %s. %w", task.ID, err)
	}
	return nil
}

// processMessage runs handler and turns a panic into an error
func processMessage(handler func(StatusMessage) error, message StatusMessage) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	return handler(message)
}
