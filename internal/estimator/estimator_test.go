package estimator_test

import (
	"context"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskfarm/internal/estimator"
	"taskfarm/internal/metrics"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

func completedTask(templateID int64, worker string, started time.Time, took time.Duration) *models.Task {
	return &models.Task{
		ID:         "t",
		TemplateID: templateID,
		WorkerName: worker,
		Status:     models.StatusScraperCompleted,
		Timestamps: []models.StatusTimestamp{
			{Status: models.StatusRequested, Timestamp: started.Add(-time.Minute)},
			{Status: models.StatusReserved, Timestamp: started.Add(-time.Minute)},
			{Status: models.StatusStarted, Timestamp: started},
			{Status: models.StatusScraperCompleted, Timestamp: started.Add(took)},
		},
	}
}

func TestEstimator_RecordCompletionAndEstimate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	est := estimator.NewEstimator(st, 24*time.Hour, metrics.NewNop())
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, est.RecordCompletion(ctx, completedTask(1, "w1", start, 40*time.Minute)))
	require.NoError(t, est.RecordCompletion(ctx, completedTask(1, "w2", start, 10*time.Minute)))

	table, err := est.Snapshot(ctx)
	require.NoError(t, err)

	tests := []struct {
		name       string
		templateID int64
		worker     string
		expected   time.Duration
	}{
		{"worker specific", 1, "w1", 40 * time.Minute},
		{"other worker specific", 1, "w2", 10 * time.Minute},
		{"template default is the latest measure", 1, "w3", 10 * time.Minute},
		{"global fallback", 2, "w1", 24 * time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, table.Estimate(tc.templateID, tc.worker))
		})
	}

	estimates, err := st.ListEstimates(ctx)
	require.NoError(t, err)
	assert.Len(t, estimates, 3)
}

func TestEstimator_RecordCompletionRequiresCompletedTask(t *testing.T) {
	est := estimator.NewEstimator(store.NewMemoryStore(), time.Hour, metrics.NewNop())

	task := completedTask(1, "w1", time.Now(), time.Minute)
	task.Timestamps = task.Timestamps[:3]
	assert.Error(t, est.RecordCompletion(context.Background(), task))
}

func TestTable_Lookup(t *testing.T) {
	table := estimator.NewTable([]models.DurationEstimate{
		{TemplateID: 1, Seconds: 60},
		{TemplateID: 1, WorkerName: null.StringFrom("w1"), Seconds: 120},
	}, time.Hour)

	assert.Equal(t, 2*time.Minute, table.Estimate(1, "w1"))
	assert.Equal(t, time.Minute, table.Estimate(1, "w9"))
	assert.Equal(t, time.Hour, table.Estimate(7, "w1"))
}
