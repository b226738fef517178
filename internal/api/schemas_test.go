package api

import (
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"taskfarm/internal/models"
)

func TestCreateTemplate_Validate(t *testing.T) {
	tests := []struct {
		name    string
		request CreateTemplate
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid request",
			request: CreateTemplate{Name: "wikipedia_en", Offliner: "zimit", Periodicity: "@daily"},
		},
		{
			name:    "empty name",
			request: CreateTemplate{Name: "  ", Offliner: "zimit"},
			wantErr: true,
			errMsg:  "name is empty",
		},
		{
			name:    "empty offliner",
			request: CreateTemplate{Name: "wikipedia_en"},
			wantErr: true,
			errMsg:  "offliner is empty",
		},
		{
			name:    "bad periodicity",
			request: CreateTemplate{Name: "wikipedia_en", Offliner: "zimit", Periodicity: "sometimes"},
			wantErr: true,
			errMsg:  "periodicity",
		},
		{
			name: "negative resources",
			request: CreateTemplate{
				Name:      "wikipedia_en",
				Offliner:  "zimit",
				Resources: models.Resources{CPU: -1},
			},
			wantErr: true,
			errMsg:  "resources must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrBadRequest)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateTemplate_Defaults(t *testing.T) {
	c := CreateTemplate{Name: " wikipedia_en ", Offliner: "zimit", Category: " wikipedia "}
	assert.NoError(t, c.validate())

	template := c.template()
	assert.Equal(t, "wikipedia_en", template.Name)
	assert.Equal(t, "wikipedia", template.Category)
	assert.Equal(t, models.PeriodicityManually, template.Periodicity)
	assert.True(t, template.Enabled)

	c.Enabled = null.BoolFrom(false)
	assert.False(t, c.template().Enabled)
}

func TestTaskEventRequest_Validate(t *testing.T) {
	e := TaskEventRequest{Code: " started "}
	assert.NoError(t, e.validate())
	assert.Equal(t, models.StatusStarted, e.Code)

	e = TaskEventRequest{}
	assert.ErrorIs(t, e.validate(), models.ErrInvalidEvent)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 400, statusOf(models.ErrInvalidEvent))
	assert.Equal(t, 400, statusOf(models.ErrImpersonation))
	assert.Equal(t, 403, statusOf(models.ErrInsufficientPermission))
	assert.Equal(t, 404, statusOf(models.ErrNotFound))
	assert.Equal(t, 409, statusOf(models.ErrRegression))
	assert.Equal(t, 409, statusOf(models.ErrAlreadyTerminal))
	assert.Equal(t, 500, statusOf(models.ErrInconsistent))
}
