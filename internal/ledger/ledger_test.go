package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"taskfarm/internal/ledger"
	"taskfarm/internal/metrics"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyStatusChange(ctx context.Context, task *models.Task, status models.Status) error {
	args := m.Called(ctx, task, status)
	return args.Error(0)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordCompletion(ctx context.Context, task *models.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func setupLedger(t *testing.T) (*ledger.Ledger, *store.MemoryStore, *MockNotifier, *MockRecorder) {
	t.Helper()

	st := store.NewMemoryStore()
	template := &models.JobTemplate{Name: "wikipedia_en", Offliner: "mwoffliner", Enabled: true}
	require.NoError(t, st.CreateTemplate(context.Background(), template))

	task := reservedTask()
	task.TemplateID = template.ID
	st.PutTask(task)

	notifier := &MockNotifier{}
	recorder := &MockRecorder{}
	return ledger.NewLedger(st, notifier, recorder, metrics.NewNop()), st, notifier, recorder
}

func TestLedger_ApplyEvent(t *testing.T) {
	ctx := context.Background()
	l, st, notifier, recorder := setupLedger(t)

	notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, models.StatusStarted).Return(nil).Once()

	task, err := l.ApplyEvent(ctx, "task-1", models.StatusStarted, t0.Add(time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, task.Status)

	stored, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task, stored)

	template, err := st.GetTemplate(ctx, stored.TemplateID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", template.MostRecentTaskID.String)

	// silent events are stored without notification
	_, err = l.ApplyEvent(ctx, "task-1", models.EventScraperRunning, t0.Add(2*time.Minute), map[string]any{"progress": 10})
	require.NoError(t, err)

	notifier.AssertExpectations(t)
	recorder.AssertNotCalled(t, "RecordCompletion", mock.Anything, mock.Anything)
}

func TestLedger_RecordsSuccessfulCompletion(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]any
		record   bool
	}{
		{"exit code zero", map[string]any{"exit_code": 0}, true},
		{"exit code one", map[string]any{"exit_code": 1}, false},
		{"no exit code", nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			l, _, notifier, recorder := setupLedger(t)
			notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, mock.Anything).Return(nil)
			recorder.On("RecordCompletion", mock.Anything, mock.Anything).Return(nil)

			_, err := l.ApplyEvent(ctx, "task-1", models.StatusStarted, t0.Add(time.Minute), nil)
			require.NoError(t, err)
			_, err = l.ApplyEvent(ctx, "task-1", models.StatusScraperCompleted, t0.Add(20*time.Minute), tc.metadata)
			require.NoError(t, err)

			if tc.record {
				recorder.AssertNumberOfCalls(t, "RecordCompletion", 1)
			} else {
				recorder.AssertNotCalled(t, "RecordCompletion", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestLedger_RegressionLeavesTaskUnchanged(t *testing.T) {
	ctx := context.Background()
	l, st, notifier, _ := setupLedger(t)
	notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := l.ApplyEvent(ctx, "task-1", models.StatusSucceeded, t0.Add(time.Hour), nil)
	require.NoError(t, err)
	before, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)

	task, err := l.ApplyEvent(ctx, "task-1", models.StatusStarted, t0.Add(2*time.Hour), nil)
	require.ErrorIs(t, err, models.ErrRegression)
	assert.Equal(t, models.StatusSucceeded, task.Status)

	after, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLedger_NotifierFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	l, st, notifier, _ := setupLedger(t)
	notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	_, err := l.ApplyEvent(ctx, "task-1", models.StatusStarted, t0.Add(time.Minute), nil)
	require.NoError(t, err)

	stored, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, stored.Status)
}

func TestLedger_NotFound(t *testing.T) {
	l, _, _, _ := setupLedger(t)

	_, err := l.ApplyEvent(context.Background(), "missing", models.StatusStarted, t0, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = l.CancelTask(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLedger_CancelTask(t *testing.T) {
	ctx := context.Background()
	l, _, notifier, _ := setupLedger(t)
	notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	task, err := l.CancelTask(ctx, "task-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelRequested, task.Status)
	assert.Equal(t, "alice", task.CanceledBy.String)

	// asking twice is harmless
	task, err = l.CancelTask(ctx, "task-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", task.CanceledBy.String)

	_, err = l.ApplyEvent(ctx, "task-1", models.StatusCanceled, time.Time{}, nil)
	require.NoError(t, err)

	_, err = l.CancelTask(ctx, "task-1", "alice")
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
}

func TestLedger_ForceTransitionOnlyFromExpectedStatus(t *testing.T) {
	ctx := context.Background()
	l, _, notifier, _ := setupLedger(t)
	notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, moved, err := l.ForceTransition(ctx, "task-1", models.StatusStarted, models.StatusCanceled, nil)
	require.NoError(t, err)
	assert.False(t, moved, "task is still reserved")

	task, moved, err := l.ForceTransition(ctx, "task-1", models.StatusReserved, models.StatusCanceled,
		map[string]any{"canceled_by": ledger.ActorReaper})
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, models.StatusCanceled, task.Status)
	assert.Equal(t, ledger.ActorReaper, task.CanceledBy.String)
}

func TestLedger_ConcurrentEventsAreSerialized(t *testing.T) {
	ctx := context.Background()
	l, st, notifier, _ := setupLedger(t)
	notifier.On("NotifyStatusChange", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.ApplyEvent(ctx, "task-1", models.EventScraperRunning, t0.Add(time.Duration(i)*time.Second), nil)
		}(i)
	}
	wg.Wait()

	task, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, task.Events, 22)
}
