package reaper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskfarm/internal/config"
	"taskfarm/internal/ledger"
	"taskfarm/internal/metrics"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

var reaperConf = config.ReaperConfig{
	ReservedTimeout:        30 * time.Minute,
	StartedTimeout:         30 * time.Minute,
	CancelRequestedTimeout: 30 * time.Minute,
	CancelingTimeout:       30 * time.Minute,
	CompletedTimeout:       24 * time.Hour,
	VanishedTimeout:        48 * time.Hour,
	BucketTimeout:          time.Minute,
}

func newTestReaper(t *testing.T) (*Reaper, *store.MemoryStore, time.Time) {
	t.Helper()

	st := store.NewMemoryStore()
	require.NoError(t, st.CreateTemplate(context.Background(), &models.JobTemplate{Name: "wiki", Offliner: "mwoffliner", Enabled: true}))
	m := metrics.NewNop()
	r := NewReaper(st, ledger.NewLedger(st, nil, nil, m), m, reaperConf, 20*time.Minute)

	now := time.Now().UTC()
	r.now = func() time.Time { return now }
	return r, st, now
}

// putTask stores a task on worker that entered status at enteredAt
func putTask(st *store.MemoryStore, id string, worker string, status models.Status, enteredAt time.Time) *models.Task {
	task := models.NewTaskFromRequest(&models.RequestedTask{ID: id, TemplateID: 1, TemplateName: "wiki"}, worker, enteredAt.Add(-time.Minute))
	if status != models.StatusReserved {
		task.Status = status
		task.Timestamps = append(task.Timestamps, models.StatusTimestamp{Status: status, Timestamp: enteredAt})
		task.Events = append(task.Events, models.TaskEvent{Code: status, Timestamp: enteredAt})
	}
	task.UpdatedAt = enteredAt
	st.PutTask(task)
	return task
}

func onlineWorker(t *testing.T, st *store.MemoryStore, name string, now time.Time) {
	require.NoError(t, st.SaveWorker(context.Background(), &models.Worker{
		Name:     name,
		Account:  "farm",
		LastSeen: null.TimeFrom(now),
	}))
}

func TestReapOnce_StuckStarted(t *testing.T) {
	ctx := context.Background()
	r, st, now := newTestReaper(t)
	onlineWorker(t, st, "w1", now)

	putTask(st, "stuck", "w1", models.StatusStarted, now.Add(-31*time.Minute))
	putTask(st, "fresh", "w1", models.StatusStarted, now.Add(-29*time.Minute))

	require.NoError(t, r.ReapOnce(ctx))

	stuck, err := st.GetTask(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, stuck.Status)
	assert.Equal(t, ledger.ActorReaper, stuck.CanceledBy.String)

	fresh, err := st.GetTask(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, fresh.Status)
}

func TestReapOnce_GenericBuckets(t *testing.T) {
	for _, status := range []models.Status{
		models.StatusReserved,
		models.StatusCancelRequested,
		models.StatusCanceling,
	} {
		t.Run(string(status), func(t *testing.T) {
			ctx := context.Background()
			r, st, now := newTestReaper(t)
			onlineWorker(t, st, "w1", now)

			putTask(st, "t", "w1", status, now.Add(-time.Hour))

			require.NoError(t, r.ReapOnce(ctx))

			task, err := st.GetTask(ctx, "t")
			require.NoError(t, err)
			assert.Equal(t, models.StatusCanceled, task.Status)
		})
	}
}

func TestReapOnce_CompletedUsesExitCode(t *testing.T) {
	tests := []struct {
		name     string
		exitCode null.Int
		expected models.Status
	}{
		{"exit code zero", null.IntFrom(0), models.StatusSucceeded},
		{"exit code one", null.IntFrom(1), models.StatusFailed},
		{"missing exit code", null.Int{}, models.StatusFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			r, st, now := newTestReaper(t)
			onlineWorker(t, st, "w1", now)

			task := putTask(st, "t", "w1", models.StatusScraperCompleted, now.Add(-25*time.Hour))
			task.Container.ExitCode = tc.exitCode
			st.PutTask(task)

			require.NoError(t, r.ReapOnce(ctx))

			stored, err := st.GetTask(ctx, "t")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, stored.Status)
			assert.False(t, stored.CanceledBy.Valid)
		})
	}
}

func TestReapOnce_Vanished(t *testing.T) {
	ctx := context.Background()
	r, st, now := newTestReaper(t)
	onlineWorker(t, st, "alive", now)
	require.NoError(t, st.SaveWorker(ctx, &models.Worker{Name: "gone", Account: "farm", LastSeen: null.TimeFrom(now.Add(-72 * time.Hour))}))

	// scraper_started has no timeout of its own
	putTask(st, "on-gone", "gone", models.StatusScraperStarted, now.Add(-50*time.Hour))
	putTask(st, "on-alive", "alive", models.StatusScraperStarted, now.Add(-50*time.Hour))
	putTask(st, "on-unknown", "unknown", models.StatusScraperStarted, now.Add(-50*time.Hour))

	require.NoError(t, r.ReapOnce(ctx))

	for id, expected := range map[string]models.Status{
		"on-gone":    models.StatusCanceled,
		"on-alive":   models.StatusScraperStarted,
		"on-unknown": models.StatusCanceled,
	} {
		task, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, expected, task.Status, id)
	}
}

func TestReapOnce_Idempotent(t *testing.T) {
	ctx := context.Background()
	r, st, now := newTestReaper(t)
	onlineWorker(t, st, "w1", now)

	for i, status := range []models.Status{models.StatusStarted, models.StatusScraperCompleted, models.StatusCanceling} {
		putTask(st, fmt.Sprintf("t%d", i), "w1", status, now.Add(-48*time.Hour))
	}

	require.NoError(t, r.ReapOnce(ctx))
	first := make(map[string]*models.Task)
	for i := 0; i < 3; i++ {
		task, err := st.GetTask(ctx, fmt.Sprintf("t%d", i))
		require.NoError(t, err)
		assert.True(t, task.IsTerminal())
		first[task.ID] = task
	}

	require.NoError(t, r.ReapOnce(ctx))
	for id, before := range first {
		after, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	}
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) ListTasksInStatusSince(context.Context, models.Status, time.Time) ([]models.Task, error) {
	return nil, fmt.Errorf("connection reset")
}

func TestReapOnce_BucketFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	st := failingStore{mem}
	m := metrics.NewNop()
	r := NewReaper(st, ledger.NewLedger(st, nil, nil, m), m, reaperConf, 20*time.Minute)
	now := time.Now().UTC()

	// only the vanished bucket can still list tasks
	putTask(mem, "t", "gone", models.StatusStarted, now.Add(-50*time.Hour))

	err := r.ReapOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket started")

	task, err := mem.GetTask(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, task.Status)
}
