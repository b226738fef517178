package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"taskfarm/internal/models"
	"taskfarm/internal/registry"
)

type WorkerRouter struct {
	services Services
	router   chi.Router
}

func (wr *WorkerRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	wr.router.ServeHTTP(writer, request)
}

func NewWorkerRouter(services Services, router chi.Router) *WorkerRouter {
	wr := &WorkerRouter{
		services: services,
		router:   router,
	}
	wr.router.Get("/", wr.ListWorkers)
	wr.router.Put("/{name}/check-in", wr.CheckIn)
	wr.router.Get("/{name}/poll", wr.Poll)
	wr.router.Put("/{name}/admin", wr.SetAdmin)
	wr.router.Delete("/{name}", wr.DeleteWorker)

	return wr
}

func (wr *WorkerRouter) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := wr.services.Registry.List(r.Context())
	if err != nil {
		serveError(w, r, err)
		return
	}
	serveJson(w, http.StatusOK, workers)
}

func (wr *WorkerRouter) CheckIn(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, ScopeWorker)
	if !ok {
		return
	}

	var payload CheckInRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		serveError(w, r, err)
		return
	}

	worker, err := wr.services.Registry.CheckIn(r.Context(), registry.CheckIn{
		Name:      chi.URLParam(r, "name"),
		Account:   p.Account,
		Resources: payload.Resources,
		Offliners: payload.Offliners,
		Cordoned:  payload.Cordoned,
		IP:        remoteIP(r),
	})
	if err != nil {
		serveError(w, r, err)
		return
	}
	serveJson(w, http.StatusOK, worker)
}

// Poll hands the worker its next task. Free resources come as the cpu, memory and disk query
// parameters. No task means 204.
func (wr *WorkerRouter) Poll(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, ScopeWorker)
	if !ok {
		return
	}

	name := chi.URLParam(r, "name")
	if err := ownsWorker(r.Context(), wr.services.Registry, p, name); err != nil {
		serveError(w, r, err)
		return
	}

	free, err := freeResources(r)
	if err != nil {
		serveError(w, r, err)
		return
	}

	task, err := wr.services.Dispatcher.PollForTask(r.Context(), name, free)
	if err != nil {
		serveError(w, r, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	serveJson(w, http.StatusOK, task)
}

func (wr *WorkerRouter) SetAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, ScopeAdmin); !ok {
		return
	}

	var payload WorkerAdminRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}

	worker, err := wr.services.Registry.SetAdminDisabled(r.Context(), chi.URLParam(r, "name"), payload.Disabled)
	if err != nil {
		serveError(w, r, err)
		return
	}
	serveJson(w, http.StatusOK, worker)
}

func (wr *WorkerRouter) DeleteWorker(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, ScopeAdmin); !ok {
		return
	}

	if err := wr.services.Registry.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		serveError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownsWorker refuses callers acting for a worker of another account. Admins act for any worker.
func ownsWorker(ctx context.Context, reg *registry.Registry, p Principal, name string) error {
	if p.has(ScopeAdmin) {
		return nil
	}
	worker, err := reg.Get(ctx, name)
	if err != nil {
		return err
	}
	if worker.Account != p.Account {
		return fmt.Errorf("worker %s: %w", name, models.ErrInsufficientPermission)
	}
	return nil
}

func freeResources(r *http.Request) (models.Resources, error) {
	var free models.Resources
	for _, field := range []struct {
		name string
		dest *int64
	}{
		{"cpu", &free.CPU},
		{"memory", &free.Memory},
		{"disk", &free.Disk},
	} {
		raw := r.URL.Query().Get(field.name)
		if raw == "" {
			return free, fmt.Errorf("%w: query parameter %s is required", models.ErrBadRequest, field.name)
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return free, fmt.Errorf("%w: query parameter %s: %v", models.ErrBadRequest, field.name, err)
		}
		*field.dest = v
	}
	return free, free.Validate()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
