package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"taskfarm/internal/ledger"
	"taskfarm/internal/models"
	"taskfarm/internal/registry"
	"taskfarm/internal/scheduler"
	"taskfarm/internal/store"
)

// Headers set by the authenticating proxy in front of the server
const (
	AccountHeader = "X-Taskfarm-Account"
	ScopesHeader  = "X-Taskfarm-Scopes"
)

// Scopes a principal can hold
const (
	ScopeWorker = "worker"
	ScopeAdmin  = "admin"
)

// Services groups what the handlers call into
type Services struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Registry   *registry.Registry
	Dispatcher *scheduler.Dispatcher
	Requester  *scheduler.Requester
	Gatherer   prometheus.Gatherer
}

type Server struct {
	services Services
	router   *chi.Mux
}

// New creates a new API server instance
func New(services Services) *Server {
	s := &Server{
		services: services,
		router:   chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(withPrincipal)
		r.Mount("/workers", NewWorkerRouter(services, chi.NewRouter()))
		r.Mount("/tasks", NewTaskRouter(services, chi.NewRouter()))
		r.Mount("/requested-tasks", NewRequestedTaskRouter(services, chi.NewRouter()))
		r.Mount("/templates", NewTemplateRouter(services, chi.NewRouter()))
	})

	if services.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(services.Gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Principal is the authenticated caller of a request
type Principal struct {
	Account string
	Scopes  []string
}

func (p Principal) has(scope string) bool {
	return slices.Contains(p.Scopes, scope) || slices.Contains(p.Scopes, ScopeAdmin)
}

type principalKey struct{}

func contextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}

func withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal{Account: strings.TrimSpace(r.Header.Get(AccountHeader))}
		for _, scope := range strings.Split(r.Header.Get(ScopesHeader), ",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				p.Scopes = append(p.Scopes, scope)
			}
		}
		next.ServeHTTP(w, r.WithContext(contextWithPrincipal(r.Context(), p)))
	})
}

// requireScope writes a 403 and returns false when the caller lacks scope
func requireScope(w http.ResponseWriter, r *http.Request, scope string) (Principal, bool) {
	p := principalFrom(r.Context())
	if p.Account == "" || !p.has(scope) {
		serveError(w, r, models.ErrInsufficientPermission)
		return p, false
	}
	return p, true
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

// statusOf maps an error from the services to an HTTP status code
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrBadRequest),
		errors.Is(err, models.ErrInvalidEvent),
		errors.Is(err, models.ErrWorkerDeleted),
		errors.Is(err, models.ErrImpersonation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientPermission):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRegression),
		errors.Is(err, models.ErrAlreadyTerminal),
		errors.Is(err, models.ErrAlreadyRequested),
		errors.Is(err, models.ErrAlreadyExists),
		errors.Is(err, models.ErrTemplateDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func serveError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		serveJson(w, status, errorResponse{Error: "internal error"})
		return
	}
	serveJson(w, status, errorResponse{Error: err.Error()})
}
