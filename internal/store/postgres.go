package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"taskfarm/internal/models"
)

// PostgresStore persists state in the farm schema. Per-task serialization relies on
// SELECT ... FOR UPDATE and claims on DELETE ... RETURNING.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var terminalStatuses = []string{
	string(models.StatusSucceeded),
	string(models.StatusFailed),
	string(models.StatusCanceled),
}

type templateRow struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Category    string `db:"category"`
	Periodicity string `db:"periodicity"`
	Enabled     bool   `db:"enabled"`
	Offliner    string `db:"offliner"`
	models.Resources
	MostRecentTaskID null.String `db:"most_recent_task_id"`
	MostRecentTaskAt null.Time   `db:"most_recent_task_at"`
	CreatedAt        time.Time   `db:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"`
}

func (r *templateRow) model() models.JobTemplate {
	return models.JobTemplate{
		ID:               r.ID,
		Name:             r.Name,
		Category:         r.Category,
		Periodicity:      r.Periodicity,
		Enabled:          r.Enabled,
		Offliner:         r.Offliner,
		Resources:        r.Resources,
		MostRecentTaskID: r.MostRecentTaskID,
		MostRecentTaskAt: r.MostRecentTaskAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type requestedRow struct {
	ID           string `db:"id"`
	TemplateID   int64  `db:"template_id"`
	TemplateName string `db:"template_name"`
	Offliner     string `db:"offliner"`
	models.Resources
	Priority    int       `db:"priority"`
	RequestedBy string    `db:"requested_by"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *requestedRow) model() models.RequestedTask {
	return models.RequestedTask{
		ID:           r.ID,
		TemplateID:   r.TemplateID,
		TemplateName: r.TemplateName,
		Offliner:     r.Offliner,
		Resources:    r.Resources,
		Priority:     r.Priority,
		RequestedBy:  r.RequestedBy,
		CreatedAt:    r.CreatedAt,
	}
}

// taskRow mirrors farm.task. The ledger lists are kept as JSONB and decoded after scanning.
type taskRow struct {
	ID           string        `db:"id"`
	TemplateID   int64         `db:"template_id"`
	TemplateName string        `db:"template_name"`
	Offliner     string        `db:"offliner"`
	WorkerName   string        `db:"worker_name"`
	Status       models.Status `db:"status"`
	StatusAt     time.Time     `db:"status_at"`
	models.Resources
	Priority       int         `db:"priority"`
	RequestedBy    string      `db:"requested_by"`
	CanceledBy     null.String `db:"canceled_by"`
	UpdatedAt      time.Time   `db:"updated_at"`
	TimestampsJSON []byte      `db:"timestamps"`
	EventsJSON     []byte      `db:"events"`
	ContainerJSON  []byte      `db:"container"`
	FilesJSON      []byte      `db:"files"`
}

func newTaskRow(t *models.Task) (*taskRow, error) {
	statusAt, ok := t.TimestampOf(t.Status)
	if !ok {
		statusAt = t.UpdatedAt
	}

	row := &taskRow{
		ID:           t.ID,
		TemplateID:   t.TemplateID,
		TemplateName: t.TemplateName,
		Offliner:     t.Offliner,
		WorkerName:   t.WorkerName,
		Status:       t.Status,
		StatusAt:     statusAt,
		Resources:    t.Resources,
		Priority:     t.Priority,
		RequestedBy:  t.RequestedBy,
		CanceledBy:   t.CanceledBy,
		UpdatedAt:    t.UpdatedAt,
	}

	var err error
	if row.TimestampsJSON, err = json.Marshal(t.Timestamps); err != nil {
		return nil, err
	}
	if row.EventsJSON, err = json.Marshal(t.Events); err != nil {
		return nil, err
	}
	if row.ContainerJSON, err = json.Marshal(t.Container); err != nil {
		return nil, err
	}
	if row.FilesJSON, err = json.Marshal(t.Files); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *taskRow) model() (*models.Task, error) {
	t := &models.Task{
		ID:           r.ID,
		TemplateID:   r.TemplateID,
		TemplateName: r.TemplateName,
		Offliner:     r.Offliner,
		WorkerName:   r.WorkerName,
		Status:       r.Status,
		Resources:    r.Resources,
		Priority:     r.Priority,
		RequestedBy:  r.RequestedBy,
		CanceledBy:   r.CanceledBy,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := json.Unmarshal(r.TimestampsJSON, &t.Timestamps); err != nil {
		return nil, fmt.Errorf("could not parse timestamps of task %s. %w", r.ID, err)
	}
	if err := json.Unmarshal(r.EventsJSON, &t.Events); err != nil {
		return nil, fmt.Errorf("could not parse events of task %s. %w", r.ID, err)
	}
	if err := json.Unmarshal(r.ContainerJSON, &t.Container); err != nil {
		return nil, fmt.Errorf("could not parse container of task %s. %w", r.ID, err)
	}
	if err := json.Unmarshal(r.FilesJSON, &t.Files); err != nil {
		return nil, fmt.Errorf("could not parse files of task %s. %w", r.ID, err)
	}
	if t.Files == nil {
		t.Files = map[string]models.FileInfo{}
	}
	return t, nil
}

type workerRow struct {
	Name    string `db:"name"`
	Account string `db:"account"`
	models.Resources
	OfflinersJSON []byte      `db:"offliners"`
	LastSeen      null.Time   `db:"last_seen"`
	LastIP        null.String `db:"last_ip"`
	Cordoned      bool        `db:"cordoned"`
	AdminDisabled bool        `db:"admin_disabled"`
	Deleted       bool        `db:"deleted"`
}

func (r *workerRow) model() (*models.Worker, error) {
	w := &models.Worker{
		Name:          r.Name,
		Account:       r.Account,
		Resources:     r.Resources,
		LastSeen:      r.LastSeen,
		LastIP:        r.LastIP,
		Cordoned:      r.Cordoned,
		AdminDisabled: r.AdminDisabled,
		Deleted:       r.Deleted,
	}
	if err := json.Unmarshal(r.OfflinersJSON, &w.Offliners); err != nil {
		return nil, fmt.Errorf("could not parse offliners of worker %s. %w", r.Name, err)
	}
	return w, nil
}

// withTx runs fn in a transaction, committing when fn returns nil
func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction. %w", err)
	}

	if err := fn(tx); err != nil {
		rollbackTx(tx)
		return err
	}
	return tx.Commit()
}

func rollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Msg("Could not rollback transaction")
	}
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, models.ErrNotFound)
	}
	return err
}

func (p *PostgresStore) CreateTemplate(ctx context.Context, template *models.JobTemplate) error {
	err := p.db.QueryRowxContext(ctx, `
INSERT INTO farm.template (name, category, periodicity, enabled, offliner, cpu, memory, disk)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at, updated_at`,
		template.Name, template.Category, template.Periodicity, template.Enabled, template.Offliner,
		template.Resources.CPU, template.Resources.Memory, template.Resources.Disk,
	).Scan(&template.ID, &template.CreatedAt, &template.UpdatedAt)
	return uniqueViolation(err, "template", template.Name)
}

func (p *PostgresStore) GetTemplate(ctx context.Context, id int64) (*models.JobTemplate, error) {
	var row templateRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM farm.template WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "template", id)
	}
	t := row.model()
	return &t, nil
}

func (p *PostgresStore) ListTemplates(ctx context.Context) ([]models.JobTemplate, error) {
	var rows []templateRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT * FROM farm.template ORDER BY id`); err != nil {
		return nil, err
	}

	templates := make([]models.JobTemplate, 0, len(rows))
	for i := range rows {
		templates = append(templates, rows[i].model())
	}
	return templates, nil
}

func (p *PostgresStore) TouchTemplateMostRecent(ctx context.Context, templateID int64, taskID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
UPDATE farm.template
SET most_recent_task_id = $2,
    most_recent_task_at = $3
WHERE id = $1
  AND (most_recent_task_at IS NULL OR most_recent_task_at <= $3)`,
		templateID, taskID, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// either the template is gone or a more recent task already points at it
		if _, err := p.GetTemplate(ctx, templateID); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) CreateRequestedTask(ctx context.Context, task *models.RequestedTask) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO farm.requested_task (id, template_id, template_name, offliner, cpu, memory, disk, priority, requested_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.TemplateID, task.TemplateName, task.Offliner,
		task.Resources.CPU, task.Resources.Memory, task.Resources.Disk,
		task.Priority, task.RequestedBy, task.CreatedAt)
	return uniqueViolation(err, "requested task", task.ID)
}

func (p *PostgresStore) GetRequestedTask(ctx context.Context, id string) (*models.RequestedTask, error) {
	var row requestedRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM farm.requested_task WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "requested task", id)
	}
	rt := row.model()
	return &rt, nil
}

func (p *PostgresStore) ListRequestedTasks(ctx context.Context) ([]models.RequestedTask, error) {
	var rows []requestedRow
	if err := p.db.SelectContext(ctx, &rows, `
SELECT * FROM farm.requested_task
ORDER BY priority DESC, created_at, id`); err != nil {
		return nil, err
	}

	tasks := make([]models.RequestedTask, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].model())
	}
	return tasks, nil
}

func (p *PostgresStore) DeleteRequestedTask(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM farm.requested_task WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("requested task %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) ClaimRequestedTask(ctx context.Context, id string, worker string, now time.Time) (*models.Task, error) {
	var task *models.Task
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		var row requestedRow
		// concurrent claimers block on the row lock, the loser sees no row
		if err := tx.GetContext(ctx, &row, `DELETE FROM farm.requested_task WHERE id = $1 RETURNING *`, id); err != nil {
			return notFound(err, "requested task", id)
		}

		rt := row.model()
		task = models.NewTaskFromRequest(&rt, worker, now)
		return insertTask(ctx, tx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func insertTask(ctx context.Context, tx *sqlx.Tx, task *models.Task) error {
	row, err := newTaskRow(task)
	if err != nil {
		return err
	}
	_, err = tx.NamedExecContext(ctx, `
INSERT INTO farm.task (id, template_id, template_name, offliner, worker_name, status, status_at, timestamps, events,
                       container, files, cpu, memory, disk, priority, requested_by, canceled_by, updated_at)
VALUES (:id, :template_id, :template_name, :offliner, :worker_name, :status, :status_at, :timestamps, :events,
        :container, :files, :cpu, :memory, :disk, :priority, :requested_by, :canceled_by, :updated_at)`, row)
	return err
}

func (p *PostgresStore) HasActiveTask(ctx context.Context, templateID int64) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists, `
SELECT EXISTS(SELECT 1 FROM farm.requested_task WHERE template_id = $1)
    OR EXISTS(SELECT 1 FROM farm.task WHERE template_id = $1 AND NOT (status = ANY ($2)))`,
		templateID, terminalStatuses)
	return exists, err
}

func (p *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM farm.task WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "task", id)
	}
	return row.model()
}

func (p *PostgresStore) MutateTask(ctx context.Context, id string, fn func(task *models.Task) error) (*models.Task, error) {
	var current *models.Task
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		var row taskRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM farm.task WHERE id = $1 FOR UPDATE`, id); err != nil {
			return notFound(err, "task", id)
		}

		task, err := row.model()
		if err != nil {
			return err
		}
		current = task.Clone()
		if err := fn(task); err != nil {
			return err
		}

		updated, err := newTaskRow(task)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `
UPDATE farm.task
SET worker_name = :worker_name,
    status      = :status,
    status_at   = :status_at,
    timestamps  = :timestamps,
    events      = :events,
    container   = :container,
    files       = :files,
    canceled_by = :canceled_by,
    updated_at  = :updated_at
WHERE id = :id`, updated); err != nil {
			return err
		}
		current = task
		return nil
	})
	return current, err
}

func (p *PostgresStore) selectTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	var rows []taskRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	tasks := make([]models.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].model()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

func (p *PostgresStore) ListRunningTasksByWorker(ctx context.Context, worker string) ([]models.Task, error) {
	return p.selectTasks(ctx, `
SELECT * FROM farm.task
WHERE worker_name = $1 AND NOT (status = ANY ($2))
ORDER BY id`, worker, terminalStatuses)
}

func (p *PostgresStore) ListTasksInStatusSince(ctx context.Context, status models.Status, cutoff time.Time) ([]models.Task, error) {
	return p.selectTasks(ctx, `
SELECT * FROM farm.task
WHERE status = $1 AND status_at < $2
ORDER BY id`, status, cutoff)
}

func (p *PostgresStore) ListRunningTasksUpdatedBefore(ctx context.Context, cutoff time.Time) ([]models.Task, error) {
	return p.selectTasks(ctx, `
SELECT * FROM farm.task
WHERE NOT (status = ANY ($1)) AND updated_at < $2
ORDER BY id`, terminalStatuses, cutoff)
}

func (p *PostgresStore) DeleteTasksBeyondRetention(ctx context.Context, templateID int64, keep int) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
DELETE FROM farm.task
WHERE id IN (SELECT id
             FROM (SELECT id, status, ROW_NUMBER() OVER (ORDER BY updated_at DESC, id) AS rn
                   FROM farm.task
                   WHERE template_id = $1) ranked
             WHERE rn > $2
               AND status = ANY ($3))`,
		templateID, keep, terminalStatuses)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) DeleteTasksOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
DELETE FROM farm.task
WHERE updated_at < $1 AND status = ANY ($2)`, cutoff, terminalStatuses)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) GetWorker(ctx context.Context, name string) (*models.Worker, error) {
	var row workerRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM farm.worker WHERE name = $1`, name); err != nil {
		return nil, notFound(err, "worker", name)
	}
	return row.model()
}

func (p *PostgresStore) SaveWorker(ctx context.Context, worker *models.Worker) error {
	offliners, err := json.Marshal(worker.Offliners)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
INSERT INTO farm.worker (name, account, cpu, memory, disk, offliners, last_seen, last_ip, cordoned, admin_disabled, deleted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (name) DO UPDATE
    SET account        = EXCLUDED.account,
        cpu            = EXCLUDED.cpu,
        memory         = EXCLUDED.memory,
        disk           = EXCLUDED.disk,
        offliners      = EXCLUDED.offliners,
        last_seen      = EXCLUDED.last_seen,
        last_ip        = EXCLUDED.last_ip,
        cordoned       = EXCLUDED.cordoned,
        admin_disabled = EXCLUDED.admin_disabled,
        deleted        = EXCLUDED.deleted`,
		worker.Name, worker.Account, worker.Resources.CPU, worker.Resources.Memory, worker.Resources.Disk,
		offliners, worker.LastSeen, worker.LastIP, worker.Cordoned, worker.AdminDisabled, worker.Deleted)
	return err
}

func (p *PostgresStore) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	var rows []workerRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT * FROM farm.worker ORDER BY name`); err != nil {
		return nil, err
	}

	workers := make([]models.Worker, 0, len(rows))
	for i := range rows {
		w, err := rows[i].model()
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, nil
}

func (p *PostgresStore) ListEstimates(ctx context.Context) ([]models.DurationEstimate, error) {
	var estimates []models.DurationEstimate
	err := p.db.SelectContext(ctx, &estimates, `
SELECT template_id, worker_name, value, measured_on
FROM farm.duration_estimate`)
	return estimates, err
}

func (p *PostgresStore) UpsertEstimate(ctx context.Context, estimate models.DurationEstimate) error {
	query := `
INSERT INTO farm.duration_estimate (template_id, worker_name, value, measured_on)
VALUES ($1, $2, $3, $4)
ON CONFLICT (template_id, worker_name) WHERE worker_name IS NOT NULL
    DO UPDATE SET value = EXCLUDED.value, measured_on = EXCLUDED.measured_on`
	if !estimate.WorkerName.Valid {
		query = `
INSERT INTO farm.duration_estimate (template_id, worker_name, value, measured_on)
VALUES ($1, $2, $3, $4)
ON CONFLICT (template_id) WHERE worker_name IS NULL
    DO UPDATE SET value = EXCLUDED.value, measured_on = EXCLUDED.measured_on`
	}

	_, err := p.db.ExecContext(ctx, query, estimate.TemplateID, estimate.WorkerName, estimate.Seconds, estimate.MeasuredOn)
	return err
}

// uniqueViolation turns a unique constraint failure into models.ErrAlreadyExists
func uniqueViolation(err error, kind string, key any) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s %v: %w", kind, key, models.ErrAlreadyExists)
	}
	return err
}
