package ledger

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/guregu/null/v6"
	"taskfarm/internal/models"
)

// Outcome describes what Apply did to the task
type Outcome int

const (
	Unchanged    Outcome = iota // re-delivery, nothing written
	Recorded                    // silent event appended to the log
	Transitioned                // status moved forward
)

// metadata keys projected into the structured parts of a task
const (
	MetaExitCode   = "exit_code"
	MetaStdout     = "stdout"
	MetaStderr     = "stderr"
	MetaLog        = "log"
	MetaCanceledBy = "canceled_by"
	MetaFilename   = "filename"
	MetaFileSize   = "size"
)

// Apply records event code at ts on task. The task is only modified when no error is
// returned, so callers can hand it a working copy and discard it on failure.
func Apply(task *models.Task, code models.Status, ts time.Time, metadata map[string]any) (Outcome, error) {
	switch {
	case !code.IsKnown():
		return Unchanged, fmt.Errorf("%w: unknown code %q", models.ErrInvalidEvent, code)
	case code.IsInitiating():
		return Unchanged, fmt.Errorf("%w: %s is only set when a task is claimed", models.ErrInvalidEvent, code)
	case ts.IsZero():
		return Unchanged, fmt.Errorf("%w: missing timestamp", models.ErrInvalidEvent)
	}

	if hasEvent(task, code, ts) {
		return Unchanged, nil
	}

	if code.IsPrimary() {
		if code == task.Status {
			return Unchanged, nil
		}
		if code.Rank() <= task.Status.Rank() {
			return Unchanged, fmt.Errorf("%w: %s after %s", models.ErrRegression, code, task.Status)
		}
	} else if code == models.EventScraperRunning && task.IsTerminal() {
		return Unchanged, fmt.Errorf("%w: %s after %s", models.ErrRegression, code, task.Status)
	}

	var filename string
	if code.IsFileEvent() {
		filename, _ = metadata[MetaFilename].(string)
		if filename == "" {
			return Unchanged, fmt.Errorf("%w: %s without %s", models.ErrInvalidEvent, code, MetaFilename)
		}
	}

	insertEvent(task, models.TaskEvent{Code: code, Timestamp: ts, Metadata: maps.Clone(metadata)})
	projectContainer(task, metadata)
	if by, ok := metadata[MetaCanceledBy].(string); ok && by != "" {
		task.CanceledBy = null.StringFrom(by)
	}
	if filename != "" {
		projectFile(task, code, filename, ts, metadata)
	}
	if ts.After(task.UpdatedAt) {
		task.UpdatedAt = ts
	}

	if !code.IsPrimary() {
		return Recorded, nil
	}

	task.Status = code
	if _, exists := task.TimestampOf(code); !exists {
		at := ts
		// keep the map chronological when worker and server clocks disagree
		if n := len(task.Timestamps); n > 0 && at.Before(task.Timestamps[n-1].Timestamp) {
			at = task.Timestamps[n-1].Timestamp
		}
		task.Timestamps = append(task.Timestamps, models.StatusTimestamp{Status: code, Timestamp: at})
	}
	return Transitioned, nil
}

func hasEvent(task *models.Task, code models.Status, ts time.Time) bool {
	return slices.ContainsFunc(task.Events, func(ev models.TaskEvent) bool {
		return ev.Code == code && ev.Timestamp.Equal(ts)
	})
}

// insertEvent keeps the log sorted by timestamp. Events sharing a timestamp stay in
// arrival order.
func insertEvent(task *models.Task, ev models.TaskEvent) {
	idx := slices.IndexFunc(task.Events, func(e models.TaskEvent) bool {
		return e.Timestamp.After(ev.Timestamp)
	})
	if idx < 0 {
		task.Events = append(task.Events, ev)
		return
	}
	task.Events = slices.Insert(task.Events, idx, ev)
}

func projectContainer(task *models.Task, metadata map[string]any) {
	if code, ok := intField(metadata, MetaExitCode); ok {
		task.Container.ExitCode = null.IntFrom(code)
	}
	if s, ok := metadata[MetaStdout].(string); ok {
		task.Container.Stdout = null.StringFrom(s)
	}
	if s, ok := metadata[MetaStderr].(string); ok {
		task.Container.Stderr = null.StringFrom(s)
	}
	if s, ok := metadata[MetaLog].(string); ok {
		task.Container.Log = null.StringFrom(s)
	}
}

func projectFile(task *models.Task, code models.Status, name string, ts time.Time, metadata map[string]any) {
	file, exists := task.Files[name]
	if exists && file.UpdatedAt.After(ts) {
		// a later file event already landed
		return
	}

	file.Name = name
	file.Status = code
	file.UpdatedAt = ts
	if size, ok := intField(metadata, MetaFileSize); ok {
		file.Size = null.IntFrom(size)
	}

	if task.Files == nil {
		task.Files = make(map[string]models.FileInfo)
	}
	task.Files[name] = file
}

// intField reads an integer out of decoded JSON, which hands numbers over as float64
func intField(metadata map[string]any, key string) (int64, bool) {
	switch v := metadata[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
