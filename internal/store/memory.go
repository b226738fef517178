package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"taskfarm/internal/models"
)

// MemoryStore keeps everything in process memory behind a single mutex. It backs the unit
// tests and single-node development setups.
type MemoryStore struct {
	mu             sync.Mutex
	nextTemplateID int64
	templates      map[int64]*models.JobTemplate
	requested      map[string]*models.RequestedTask
	tasks          map[string]*models.Task
	workers        map[string]*models.Worker
	estimates      map[estimateKey]models.DurationEstimate
}

type estimateKey struct {
	templateID int64
	worker     string
	isDefault  bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[int64]*models.JobTemplate),
		requested: make(map[string]*models.RequestedTask),
		tasks:     make(map[string]*models.Task),
		workers:   make(map[string]*models.Worker),
		estimates: make(map[estimateKey]models.DurationEstimate),
	}
}

func (m *MemoryStore) CreateTemplate(_ context.Context, template *models.JobTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.templates {
		if t.Name == template.Name {
			return fmt.Errorf("template %q: %w", template.Name, models.ErrAlreadyExists)
		}
	}

	m.nextTemplateID++
	template.ID = m.nextTemplateID
	now := time.Now().UTC()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.UpdatedAt = now

	c := *template
	m.templates[c.ID] = &c
	return nil
}

func (m *MemoryStore) GetTemplate(_ context.Context, id int64) (*models.JobTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %d: %w", id, models.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (m *MemoryStore) ListTemplates(_ context.Context) ([]models.JobTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	templates := make([]models.JobTemplate, 0, len(m.templates))
	for _, t := range m.templates {
		templates = append(templates, *t)
	}
	slices.SortFunc(templates, func(a, b models.JobTemplate) int { return cmp.Compare(a.ID, b.ID) })
	return templates, nil
}

func (m *MemoryStore) TouchTemplateMostRecent(_ context.Context, templateID int64, taskID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[templateID]
	if !ok {
		return fmt.Errorf("template %d: %w", templateID, models.ErrNotFound)
	}
	if t.MostRecentTaskAt.Valid && t.MostRecentTaskAt.Time.After(at) {
		return nil
	}
	t.MostRecentTaskID = null.StringFrom(taskID)
	t.MostRecentTaskAt = null.TimeFrom(at)
	return nil
}

func (m *MemoryStore) CreateRequestedTask(_ context.Context, task *models.RequestedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requested[task.ID]; exists {
		return fmt.Errorf("requested task %s: %w", task.ID, models.ErrAlreadyExists)
	}
	c := *task
	m.requested[c.ID] = &c
	return nil
}

func (m *MemoryStore) GetRequestedTask(_ context.Context, id string) (*models.RequestedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.requested[id]
	if !ok {
		return nil, fmt.Errorf("requested task %s: %w", id, models.ErrNotFound)
	}
	c := *rt
	return &c, nil
}

func (m *MemoryStore) ListRequestedTasks(_ context.Context) ([]models.RequestedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]models.RequestedTask, 0, len(m.requested))
	for _, rt := range m.requested {
		tasks = append(tasks, *rt)
	}
	slices.SortFunc(tasks, func(a, b models.RequestedTask) int {
		return cmp.Or(
			cmp.Compare(b.Priority, a.Priority),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return tasks, nil
}

func (m *MemoryStore) DeleteRequestedTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requested[id]; !ok {
		return fmt.Errorf("requested task %s: %w", id, models.ErrNotFound)
	}
	delete(m.requested, id)
	return nil
}

func (m *MemoryStore) ClaimRequestedTask(_ context.Context, id string, worker string, now time.Time) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.requested[id]
	if !ok {
		return nil, fmt.Errorf("requested task %s: %w", id, models.ErrNotFound)
	}
	delete(m.requested, id)

	task := models.NewTaskFromRequest(rt, worker, now)
	m.tasks[task.ID] = task
	return task.Clone(), nil
}

func (m *MemoryStore) HasActiveTask(_ context.Context, templateID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rt := range m.requested {
		if rt.TemplateID == templateID {
			return true, nil
		}
	}
	for _, t := range m.tasks {
		if t.TemplateID == templateID && !t.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return t.Clone(), nil
}

// PutTask stores task as is. Used to seed fixtures.
func (m *MemoryStore) PutTask(task *models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
}

func (m *MemoryStore) MutateTask(_ context.Context, id string, fn func(task *models.Task) error) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return current.Clone(), err
	}
	m.tasks[id] = working
	return working.Clone(), nil
}

func (m *MemoryStore) ListRunningTasksByWorker(_ context.Context, worker string) ([]models.Task, error) {
	return m.filterTasks(func(t *models.Task) bool {
		return t.WorkerName == worker && !t.IsTerminal()
	}), nil
}

func (m *MemoryStore) ListTasksInStatusSince(_ context.Context, status models.Status, cutoff time.Time) ([]models.Task, error) {
	return m.filterTasks(func(t *models.Task) bool {
		if t.Status != status {
			return false
		}
		ts, ok := t.TimestampOf(status)
		return ok && ts.Before(cutoff)
	}), nil
}

func (m *MemoryStore) ListRunningTasksUpdatedBefore(_ context.Context, cutoff time.Time) ([]models.Task, error) {
	return m.filterTasks(func(t *models.Task) bool {
		return !t.IsTerminal() && t.UpdatedAt.Before(cutoff)
	}), nil
}

func (m *MemoryStore) filterTasks(keep func(t *models.Task) bool) []models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []models.Task
	for _, t := range m.tasks {
		if keep(t) {
			tasks = append(tasks, *t.Clone())
		}
	}
	slices.SortFunc(tasks, func(a, b models.Task) int { return cmp.Compare(a.ID, b.ID) })
	return tasks
}

func (m *MemoryStore) DeleteTasksBeyondRetention(_ context.Context, templateID int64, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []*models.Task
	for _, t := range m.tasks {
		if t.TemplateID == templateID {
			tasks = append(tasks, t)
		}
	}
	slices.SortFunc(tasks, func(a, b *models.Task) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(a.ID, b.ID))
	})

	var deleted int64
	for i, t := range tasks {
		if i < keep || !t.IsTerminal() {
			continue
		}
		delete(m.tasks, t.ID)
		deleted++
	}
	return deleted, nil
}

func (m *MemoryStore) DeleteTasksOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, t := range m.tasks {
		if t.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) GetWorker(_ context.Context, name string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[name]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", name, models.ErrNotFound)
	}
	c := *w
	c.Offliners = slices.Clone(w.Offliners)
	return &c, nil
}

func (m *MemoryStore) SaveWorker(_ context.Context, worker *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *worker
	c.Offliners = slices.Clone(worker.Offliners)
	m.workers[c.Name] = &c
	return nil
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	workers := make([]models.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		c := *w
		c.Offliners = slices.Clone(w.Offliners)
		workers = append(workers, c)
	}
	slices.SortFunc(workers, func(a, b models.Worker) int { return cmp.Compare(a.Name, b.Name) })
	return workers, nil
}

func (m *MemoryStore) ListEstimates(_ context.Context) ([]models.DurationEstimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	estimates := make([]models.DurationEstimate, 0, len(m.estimates))
	for _, e := range m.estimates {
		estimates = append(estimates, e)
	}
	return estimates, nil
}

func (m *MemoryStore) UpsertEstimate(_ context.Context, estimate models.DurationEstimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := estimateKey{templateID: estimate.TemplateID, isDefault: !estimate.WorkerName.Valid}
	if estimate.WorkerName.Valid {
		key.worker = estimate.WorkerName.String
	}
	m.estimates[key] = estimate
	return nil
}
