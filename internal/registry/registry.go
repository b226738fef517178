package registry

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"taskfarm/internal/models"
	"taskfarm/internal/store"
)

// CheckIn is what a worker declares about itself on every heartbeat
type CheckIn struct {
	Name      string           `json:"name"`
	Account   string           `json:"account"`
	Resources models.Resources `json:"resources"`
	Offliners []string         `json:"offliners"`
	Cordoned  bool             `json:"cordoned"`
	IP        string           `json:"ip"`
}

// Registry keeps track of the workers of the farm
type Registry struct {
	store        store.Store
	offlineAfter time.Duration
	now          func() time.Time
}

func NewRegistry(st store.Store, offlineAfter time.Duration) *Registry {
	return &Registry{
		store:        st,
		offlineAfter: offlineAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CheckIn creates the worker or refreshes its declaration and heartbeat. Admin flags are kept.
func (r *Registry) CheckIn(ctx context.Context, req CheckIn) (*models.Worker, error) {
	if req.Name == "" || req.Account == "" {
		return nil, fmt.Errorf("%w: worker name and account are required", models.ErrBadRequest)
	}
	if err := req.Resources.Validate(); err != nil {
		return nil, err
	}

	worker, err := r.store.GetWorker(ctx, req.Name)
	switch {
	case store.IsNotFound(err):
		worker = &models.Worker{Name: req.Name, Account: req.Account}
		log.Info().Str("worker", req.Name).Str("account", req.Account).Msg("Registering new worker")
	case err != nil:
		return nil, err
	case worker.Deleted:
		return nil, fmt.Errorf("worker %s: %w", req.Name, models.ErrWorkerDeleted)
	case worker.Account != req.Account:
		log.Warn().
			Str("worker", req.Name).
			Str("account", req.Account).
			Str("owner", worker.Account).
			Msg("Rejected check-in for a worker owned by another account")
		return nil, fmt.Errorf("worker %s: %w", req.Name, models.ErrImpersonation)
	}

	worker.Resources = req.Resources
	worker.Offliners = slices.Clone(req.Offliners)
	worker.Cordoned = req.Cordoned
	worker.LastSeen = null.TimeFrom(r.now())
	if req.IP != "" {
		worker.LastIP = null.StringFrom(req.IP)
	}

	if err := r.store.SaveWorker(ctx, worker); err != nil {
		return nil, err
	}
	return worker, nil
}

// IsEligible reports whether the worker may be handed tasks right now
func (r *Registry) IsEligible(worker *models.Worker) bool {
	return !worker.Cordoned &&
		!worker.AdminDisabled &&
		!worker.Deleted &&
		worker.IsOnline(r.now(), r.offlineAfter)
}

func (r *Registry) Get(ctx context.Context, name string) (*models.Worker, error) {
	return r.store.GetWorker(ctx, name)
}

func (r *Registry) List(ctx context.Context) ([]models.Worker, error) {
	return r.store.ListWorkers(ctx)
}

// SetAdminDisabled flips the operator kill switch of a worker
func (r *Registry) SetAdminDisabled(ctx context.Context, name string, disabled bool) (*models.Worker, error) {
	worker, err := r.store.GetWorker(ctx, name)
	if err != nil {
		return nil, err
	}

	worker.AdminDisabled = disabled
	if err := r.store.SaveWorker(ctx, worker); err != nil {
		return nil, err
	}
	log.Info().Str("worker", name).Bool("disabled", disabled).Msg("Worker admin flag changed")
	return worker, nil
}

// Delete soft-deletes a worker. Its name stays taken and it can no longer check in.
func (r *Registry) Delete(ctx context.Context, name string) error {
	worker, err := r.store.GetWorker(ctx, name)
	if err != nil {
		return err
	}
	if worker.Deleted {
		return nil
	}

	worker.Deleted = true
	if err := r.store.SaveWorker(ctx, worker); err != nil {
		return err
	}
	log.Info().Str("worker", name).Msg("Worker deleted")
	return nil
}
