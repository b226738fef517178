package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/guregu/null/v6"
	"taskfarm/internal/models"
	"taskfarm/internal/scheduler"
)

type CheckInRequest struct {
	Resources models.Resources `json:"resources"`
	Offliners []string         `json:"offliners"`
	Cordoned  bool             `json:"cordoned"`
}

func (c *CheckInRequest) validate() error {
	var errs []error

	if err := c.Resources.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, o := range c.Offliners {
		c.Offliners[i] = strings.TrimSpace(o)
		if c.Offliners[i] == "" {
			errs = append(errs, fmt.Errorf("%w: offliner %d is empty", models.ErrBadRequest, i+1))
		}
	}

	return errors.Join(errs...)
}

// TaskEventRequest is one status or file event reported about a task. A missing timestamp
// means now.
type TaskEventRequest struct {
	Code      models.Status  `json:"code"`
	Timestamp null.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

func (e *TaskEventRequest) validate() error {
	e.Code = models.Status(strings.TrimSpace(string(e.Code)))
	if e.Code == "" {
		return fmt.Errorf("%w: code is empty", models.ErrInvalidEvent)
	}
	return nil
}

type CreateRequestedTask struct {
	TemplateID int64 `json:"templateId"`
	Priority   int   `json:"priority"`
}

func (c *CreateRequestedTask) validate() error {
	var errs []error

	if c.TemplateID <= 0 {
		errs = append(errs, fmt.Errorf("%w: templateId must be > 0", models.ErrBadRequest))
	}
	if c.Priority < 0 {
		errs = append(errs, fmt.Errorf("%w: priority must be >= 0", models.ErrBadRequest))
	}

	return errors.Join(errs...)
}

type CreateTemplate struct {
	Name        string           `json:"name"`
	Category    string           `json:"category"`
	Periodicity string           `json:"periodicity"`
	Enabled     null.Bool        `json:"enabled"`
	Offliner    string           `json:"offliner"`
	Resources   models.Resources `json:"resources"`
}

func (c *CreateTemplate) validate() error {
	var errs []error

	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		errs = append(errs, fmt.Errorf("%w: name is empty", models.ErrBadRequest))
	}

	c.Offliner = strings.TrimSpace(c.Offliner)
	if c.Offliner == "" {
		errs = append(errs, fmt.Errorf("%w: offliner is empty", models.ErrBadRequest))
	}

	c.Periodicity = strings.TrimSpace(c.Periodicity)
	if c.Periodicity == "" {
		c.Periodicity = models.PeriodicityManually
	}
	if err := scheduler.ValidatePeriodicity(c.Periodicity); err != nil {
		errs = append(errs, err)
	}

	if err := c.Resources.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *CreateTemplate) template() *models.JobTemplate {
	return &models.JobTemplate{
		Name:        c.Name,
		Category:    strings.TrimSpace(c.Category),
		Periodicity: c.Periodicity,
		Enabled:     c.Enabled.ValueOrZero() || !c.Enabled.Valid,
		Offliner:    c.Offliner,
		Resources:   c.Resources,
	}
}

type WorkerAdminRequest struct {
	Disabled bool `json:"disabled"`
}
