package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type TaskRouter struct {
	services Services
	router   chi.Router
}

func (t *TaskRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewTaskRouter(services Services, router chi.Router) *TaskRouter {
	t := &TaskRouter{
		services: services,
		router:   router,
	}
	t.router.Get("/{id}", t.GetTask)
	t.router.Patch("/{id}", t.ApplyEvent)
	t.router.Post("/{id}/cancel", t.CancelTask)

	return t
}

func (t *TaskRouter) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := t.services.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serveError(w, r, err)
		return
	}
	serveJson(w, http.StatusOK, task)
}

// ApplyEvent records a status or file event sent by the worker running the task
func (t *TaskRouter) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, ScopeWorker)
	if !ok {
		return
	}

	var payload TaskEventRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		serveError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	current, err := t.services.Store.GetTask(r.Context(), id)
	if err != nil {
		serveError(w, r, err)
		return
	}
	if err := ownsWorker(r.Context(), t.services.Registry, p, current.WorkerName); err != nil {
		serveError(w, r, err)
		return
	}

	task, err := t.services.Ledger.ApplyEvent(r.Context(), id, payload.Code, payload.Timestamp.ValueOrZero(), payload.Metadata)
	if err != nil {
		serveError(w, r, err)
		return
	}
	serveJson(w, http.StatusOK, task)
}

func (t *TaskRouter) CancelTask(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, ScopeAdmin)
	if !ok {
		return
	}

	task, err := t.services.Ledger.CancelTask(r.Context(), chi.URLParam(r, "id"), p.Account)
	if err != nil {
		serveError(w, r, err)
		return
	}
	serveJson(w, http.StatusOK, task)
}

type RequestedTaskRouter struct {
	services Services
	router   chi.Router
}

func (rt *RequestedTaskRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	rt.router.ServeHTTP(writer, request)
}

func NewRequestedTaskRouter(services Services, router chi.Router) *RequestedTaskRouter {
	rt := &RequestedTaskRouter{
		services: services,
		router:   router,
	}
	rt.router.Get("/", rt.ListRequestedTasks)
	rt.router.Post("/", rt.RequestTask)
	rt.router.Delete("/{id}", rt.DeleteRequestedTask)

	return rt
}

func (rt *RequestedTaskRouter) ListRequestedTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := rt.services.Requester.List(r.Context())
	if err != nil {
		serveError(w, r, err)
		return
	}
	serveJson(w, http.StatusOK, tasks)
}

func (rt *RequestedTaskRouter) RequestTask(w http.ResponseWriter, r *http.Request) {
	p, ok := requireScope(w, r, ScopeAdmin)
	if !ok {
		return
	}

	var payload CreateRequestedTask
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		serveError(w, r, err)
		return
	}

	task, err := rt.services.Requester.Request(r.Context(), payload.TemplateID, p.Account, payload.Priority)
	if err != nil {
		serveError(w, r, err)
		return
	}
	serveJson(w, http.StatusCreated, task)
}

func (rt *RequestedTaskRouter) DeleteRequestedTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, ScopeAdmin); !ok {
		return
	}

	if err := rt.services.Requester.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		serveError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type TemplateRouter struct {
	services Services
	router   chi.Router
}

func (tr *TemplateRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	tr.router.ServeHTTP(writer, request)
}

func NewTemplateRouter(services Services, router chi.Router) *TemplateRouter {
	tr := &TemplateRouter{
		services: services,
		router:   router,
	}
	tr.router.Get("/", tr.ListTemplates)
	tr.router.Post("/", tr.AddTemplate)

	return tr
}

func (tr *TemplateRouter) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := tr.services.Store.ListTemplates(r.Context())
	if err != nil {
		serveError(w, r, err)
		return
	}
	serveJson(w, http.StatusOK, templates)
}

// AddTemplate stores a new template. Periodic ones are picked up by the scheduler on its next
// template refresh.
func (tr *TemplateRouter) AddTemplate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, ScopeAdmin); !ok {
		return
	}

	var payload CreateTemplate
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		serveError(w, r, err)
		return
	}

	template := payload.template()
	if err := tr.services.Store.CreateTemplate(r.Context(), template); err != nil {
		serveError(w, r, err)
		return
	}

	log.Info().
		Int64("template_id", template.ID).
		Str("template", template.Name).
		Str("periodicity", template.Periodicity).
		Msg("Template created")
	serveJson(w, http.StatusCreated, template)
}
