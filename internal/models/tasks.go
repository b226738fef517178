package models

import (
	"maps"
	"slices"
	"time"

	"github.com/guregu/null/v6"
)

// Periodicity value for templates that only run when requested by hand
const PeriodicityManually = "manually"

// JobTemplate is a named recurring unit of work. Periodicity is either PeriodicityManually
// or a cron expression.
type JobTemplate struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	Category         string      `json:"category"`
	Periodicity      string      `json:"periodicity"`
	Enabled          bool        `json:"enabled"`
	Offliner         string      `json:"offliner"`
	Resources        Resources   `json:"resources"`
	MostRecentTaskID null.String `json:"mostRecentTaskId"`
	MostRecentTaskAt null.Time   `json:"mostRecentTaskAt"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// IsPeriodic is true when the template fires on its own
func (t *JobTemplate) IsPeriodic() bool {
	return t.Periodicity != "" && t.Periodicity != PeriodicityManually
}

// RequestedTask is a task waiting for a worker. Resources and Offliner are snapshots taken
// from the template at request time.
type RequestedTask struct {
	ID           string    `json:"id"`
	TemplateID   int64     `json:"templateId"`
	TemplateName string    `json:"templateName"`
	Offliner     string    `json:"offliner"`
	Resources    Resources `json:"resources"`
	Priority     int       `json:"priority"`
	RequestedBy  string    `json:"requestedBy"`
	CreatedAt    time.Time `json:"createdAt"`
	Rank         int       `json:"rank"`
}

// StatusTimestamp is one entry of a task's timestamp map
type StatusTimestamp struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskEvent is one entry of a task's event log
type TaskEvent struct {
	Code      Status         `json:"code"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ContainerInfo holds what the worker reported about the job's container
type ContainerInfo struct {
	ExitCode null.Int    `json:"exitCode"`
	Stdout   null.String `json:"stdout"`
	Stderr   null.String `json:"stderr"`
	Log      null.String `json:"log"`
}

// FileInfo tracks one output file produced by a task
type FileInfo struct {
	Name      string    `json:"name"`
	Size      null.Int  `json:"size"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Task is a claimed unit of work, from reservation until it is compacted away
type Task struct {
	ID           string              `json:"id"`
	TemplateID   int64               `json:"templateId"`
	TemplateName string              `json:"templateName"`
	Offliner     string              `json:"offliner"`
	WorkerName   string              `json:"worker"`
	Status       Status              `json:"status"`
	Timestamps   []StatusTimestamp   `json:"timestamps"`
	Events       []TaskEvent         `json:"events"`
	Resources    Resources           `json:"resources"`
	Priority     int                 `json:"priority"`
	RequestedBy  string              `json:"requestedBy"`
	Container    ContainerInfo       `json:"container"`
	Files        map[string]FileInfo `json:"files"`
	CanceledBy   null.String         `json:"canceledBy"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// TimestampOf returns when the task first entered status
func (t *Task) TimestampOf(status Status) (time.Time, bool) {
	for _, ts := range t.Timestamps {
		if ts.Status == status {
			return ts.Timestamp, true
		}
	}
	return time.Time{}, false
}

// StartedAt returns the start of the task's run, falling back to its reservation
func (t *Task) StartedAt() time.Time {
	if ts, ok := t.TimestampOf(StatusStarted); ok {
		return ts
	}
	ts, _ := t.TimestampOf(StatusReserved)
	return ts
}

// IsTerminal reports whether the task has finished
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Clone returns a deep copy so that callers can mutate it freely
func (t *Task) Clone() *Task {
	c := *t
	c.Timestamps = slices.Clone(t.Timestamps)
	c.Events = make([]TaskEvent, len(t.Events))
	for i, ev := range t.Events {
		ev.Metadata = maps.Clone(ev.Metadata)
		c.Events[i] = ev
	}
	c.Files = maps.Clone(t.Files)
	return &c
}

// NewTaskFromRequest builds the claimed task for rt on worker. The requested and reserved
// statuses are both recorded at now.
func NewTaskFromRequest(rt *RequestedTask, worker string, now time.Time) *Task {
	return &Task{
		ID:           rt.ID,
		TemplateID:   rt.TemplateID,
		TemplateName: rt.TemplateName,
		Offliner:     rt.Offliner,
		WorkerName:   worker,
		Status:       StatusReserved,
		Timestamps: []StatusTimestamp{
			{Status: StatusRequested, Timestamp: now},
			{Status: StatusReserved, Timestamp: now},
		},
		Events: []TaskEvent{
			{Code: StatusRequested, Timestamp: now},
			{Code: StatusReserved, Timestamp: now},
		},
		Resources:   rt.Resources,
		Priority:    rt.Priority,
		RequestedBy: rt.RequestedBy,
		Files:       map[string]FileInfo{},
		UpdatedAt:   now,
	}
}

// DurationEstimate is the expected run length of a template. WorkerName is null for the
// template-wide default row.
type DurationEstimate struct {
	TemplateID int64       `db:"template_id" json:"templateId"`
	WorkerName null.String `db:"worker_name" json:"worker"`
	Seconds    int64       `db:"value" json:"value"`
	MeasuredOn time.Time   `db:"measured_on" json:"measuredOn"`
}

// Duration returns the estimate as a time.Duration
func (d DurationEstimate) Duration() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}
