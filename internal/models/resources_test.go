package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"taskfarm/internal/models"
)

func TestResources_FitsIn(t *testing.T) {
	capacity := models.Resources{CPU: 4, Memory: 8, Disk: 100}

	tests := []struct {
		name string
		req  models.Resources
		want bool
	}{
		{"equal", capacity, true},
		{"smaller", models.Resources{CPU: 1, Memory: 1, Disk: 1}, true},
		{"too much cpu", models.Resources{CPU: 5, Memory: 1, Disk: 1}, false},
		{"too much memory", models.Resources{CPU: 1, Memory: 9, Disk: 1}, false},
		{"too much disk", models.Resources{CPU: 1, Memory: 1, Disk: 101}, false},
		{"zero", models.Resources{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.FitsIn(capacity))
		})
	}
}

func TestResources_Missing(t *testing.T) {
	req := models.Resources{CPU: 4, Memory: 8, Disk: 50}
	free := models.Resources{CPU: 2, Memory: 4, Disk: 100}

	assert.Equal(t, models.Resources{CPU: 2, Memory: 4, Disk: 0}, req.Missing(free))
	assert.True(t, free.Missing(free).IsZero())
	assert.Equal(t, models.Resources{CPU: 3, Memory: 5, Disk: 6},
		models.Resources{CPU: 1, Memory: 1, Disk: 1}.Add(models.Resources{CPU: 2, Memory: 4, Disk: 5}))
}

func TestResources_Validate(t *testing.T) {
	assert.NoError(t, models.Resources{CPU: 1}.Validate())
	assert.Error(t, models.Resources{Memory: -1}.Validate())
}

func TestStatus_Rank(t *testing.T) {
	ordered := []models.Status{
		models.StatusRequested,
		models.StatusReserved,
		models.StatusStarted,
		models.StatusScraperStarted,
		models.StatusScraperCompleted,
		models.StatusCancelRequested,
		models.StatusCanceling,
		models.StatusSucceeded,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1].Rank(), ordered[i].Rank(), "%s should rank before %s", ordered[i-1], ordered[i])
	}

	assert.Equal(t, models.StatusFailed.Rank(), models.StatusCanceled.Rank())
	assert.Equal(t, -1, models.EventScraperRunning.Rank())
	assert.True(t, models.EventUploadedFile.IsFileEvent())
	assert.False(t, models.EventScraperRunning.IsFileEvent())
	assert.False(t, models.Status("bogus").IsKnown())
}
