package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"rmtree/internal/api/auth"
	"rmtree/internal/api/middleware"
	"rmtree/internal/config"
	"rmtree/internal/database"
	"rmtree/internal/metrics"
	"rmtree/internal/remover"
)

const (
	ReadTimeout     = 15 * time.Second
	WriteTimeout    = 5 * time.Minute // POST /remove runs synchronously
	IdleTimeout     = 60 * time.Second
	ShutdownTimeout = 10 * time.Second
)

// PathRemover removes a single authorized path.
type PathRemover interface {
	RemovePath(ctx context.Context, raw, trigger string) (remover.Result, error)
}

// History is the read side of the run history.
type History interface {
	RecentRuns(ctx context.Context, limit int) ([]database.RunRecord, error)
	FailedRuns(ctx context.Context, limit int) ([]database.RunRecord, error)
	Run(ctx context.Context, id int64) (database.RunRecord, error)
	FailuresForRun(ctx context.Context, runID int64) ([]database.FailureRecord, error)
	Stats(ctx context.Context, days int) (*database.Stats, error)
}

// Deps are the services the API exposes.
type Deps struct {
	Remover PathRemover
	Config  func() *config.Config
	JWT     *auth.JWTManager

	// History is optional; history routes answer 503 without it.
	History History
	// Trigger requests a sweep labeled source. Defaults to metrics.Trigger.
	Trigger func(source string) bool
}

// Server is the authenticated HTTP API.
type Server struct {
	deps   Deps
	log    zerolog.Logger
	router *mux.Router
	srv    *http.Server
}

// New builds the router. It does not listen until Start.
func New(cfg config.APICfg, deps Deps, log zerolog.Logger) (*Server, error) {
	if deps.Remover == nil || deps.Config == nil {
		return nil, errors.New("api: remover and config are required")
	}
	if deps.JWT == nil {
		return nil, errors.New("api: jwt manager is required")
	}
	if deps.Trigger == nil {
		deps.Trigger = metrics.Trigger
	}
	metrics.Init()

	s := &Server{deps: deps, log: log.With().Str("component", "api").Logger()}

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(s.log))
	router.Use(middleware.MetricsMiddleware)
	router.Use(middleware.SecurityHeadersMiddleware)
	router.Use(middleware.RequestBodySizeLimitMiddleware(cfg.MaxBodyBytes))
	router.Use(middleware.RateLimitMiddleware(rate.Limit(cfg.RateLimit), cfg.Burst))

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	protected := v1.NewRoute().Subrouter()
	protected.Use(middleware.AuthMiddleware(deps.JWT))

	read := protected.NewRoute().Subrouter()
	read.Use(middleware.RequirePermission(auth.PermissionViewHistory))
	read.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	read.HandleFunc("/runs/{id:[0-9]+}", s.handleRun).Methods(http.MethodGet)
	read.HandleFunc("/runs/{id:[0-9]+}/failures", s.handleRunFailures).Methods(http.MethodGet)
	read.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	cfgRoutes := protected.NewRoute().Subrouter()
	cfgRoutes.Use(middleware.RequirePermission(auth.PermissionViewConfig))
	cfgRoutes.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)

	sweep := protected.NewRoute().Subrouter()
	sweep.Use(middleware.RequirePermission(auth.PermissionTriggerSweep))
	sweep.HandleFunc("/sweep", s.handleSweep).Methods(http.MethodPost)

	remove := protected.NewRoute().Subrouter()
	remove.Use(middleware.RequirePermission(auth.PermissionRemovePath))
	remove.HandleFunc("/remove", s.handleRemove).Methods(http.MethodPost)

	s.router = router
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds addr and serves in the background. It returns once the listener is bound.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		IdleTimeout:  IdleTimeout,
	}

	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("api server listening")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("api server failed")
		}
	}()
	return nil
}

// Shutdown stops the server, waiting up to ShutdownTimeout for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.log.Info().Msg("api server stopped")
	return nil
}
