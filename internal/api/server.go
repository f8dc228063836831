package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/assign"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Deps are the backends the API serves from. Repo, Cache and Bus may be nil.
type Deps struct {
	Service *assign.Service
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus

	// AsyncTenants is the tenant list the async workers were started with
	AsyncTenants []string

	Version string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(TracingMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Channel catalog
		r.Get("/catalog", handler.GetCatalog)
		r.Put("/catalog", handler.PutCatalog)
		r.Post("/catalog/import", handler.ImportCatalog)
		r.Get("/catalog/{id}", handler.GetChannel)

		// Assignment runs
		r.Post("/assignments", handler.Assign)
		r.Post("/assignments/async", handler.AssignAsync)

		// Run retrieval
		r.Get("/runs", handler.ListRuns)
		r.Get("/runs/{id}", handler.GetRun)
		r.Get("/runs/{id}/summary", handler.GetRunSummary)

		// Exclusion rules
		r.Get("/exclusions", handler.ListExclusions)
		r.Post("/exclusions", handler.CreateExclusion)
		r.Delete("/exclusions/{id}", handler.DeleteExclusion)
		r.Post("/exclusions/reload", handler.ReloadExclusions)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
