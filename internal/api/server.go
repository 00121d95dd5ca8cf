// Package api exposes the orchestrator over HTTP: run and intervention
// endpoints, learning and vault inspection, and the live event stream.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/bus"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
	"github.com/xkilldash9x/scalpel-hitl/internal/runstate"
)

const requestTimeout = 60 * time.Second

// RunService is the run lifecycle surface the API drives.
type RunService interface {
	Create(ctx context.Context, req runstate.CreateRequest) (*schemas.Run, error)
	Start(ctx context.Context, runID string) (*schemas.Run, error)
	Get(ctx context.Context, runID string) (*schemas.Run, error)
	List(ctx context.Context, filter schemas.RunFilter) ([]*schemas.Run, error)
	Abandon(ctx context.Context, runID, reason string) (*schemas.Run, error)
}

// InterventionService reads and resolves intervention tasks.
type InterventionService interface {
	Get(ctx context.Context, id string) (*schemas.InterventionTask, error)
	List(ctx context.Context, filter schemas.InterventionFilter) ([]*schemas.InterventionTask, error)
	Resolve(ctx context.Context, id string, body schemas.ResolutionBody) (*schemas.InterventionTask, error)
}

// DomainService exposes the learning store.
type DomainService interface {
	Get(ctx context.Context, domain string) (*schemas.DomainConfig, error)
	List(ctx context.Context) ([]*schemas.DomainConfig, error)
	Recommend(ctx context.Context, domain string) (*schemas.Recommendation, error)
	Override(ctx context.Context, domain string, o schemas.DomainOverride) (*schemas.DomainConfig, error)
}

// SessionService exposes vault state without replayable material.
type SessionService interface {
	Inspect(ctx context.Context, domain string) (*schemas.SessionVaultEntry, error)
	List(ctx context.Context) ([]*schemas.SessionVaultEntry, error)
}

// Services groups the backends behind the handlers.
type Services struct {
	Runs          RunService
	Interventions InterventionService
	Domains       DomainService
	Sessions      SessionService
	Bus           *bus.Bus
}

// Server is the HTTP front door.
type Server struct {
	cfg    config.ServerConfig
	svc    Services
	auth   *Authenticator
	logger *zap.Logger
	now    func() time.Time

	// streams ends long-lived SSE and websocket handlers on shutdown.
	streams      context.Context
	cancelStream context.CancelFunc
}

// NewServer validates dependencies and builds the server.
func NewServer(cfg config.ServerConfig, svc Services, logger *zap.Logger) (*Server, error) {
	if svc.Runs == nil || svc.Interventions == nil || svc.Domains == nil || svc.Sessions == nil || svc.Bus == nil {
		return nil, errors.New("api server requires run, intervention, domain, session and bus services")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	streams, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:          cfg,
		svc:          svc,
		auth:         NewAuthenticator(cfg.AuthSecret),
		logger:       observability.Component(logger, "api"),
		now:          time.Now,
		streams:      streams,
		cancelStream: cancel,
	}, nil
}

// Handler returns the routed handler tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		// Streams stay open, so they sit outside the request timeout.
		r.Get("/api/events", s.handleSSE)
		r.Get("/api/ws", s.handleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Use(s.requestLogger)

			r.Route("/api/runs", func(r chi.Router) {
				r.Post("/", s.handleCreateRun)
				r.Get("/", s.handleListRuns)
				r.Get("/{runID}", s.handleGetRun)
				r.Post("/{runID}/start", s.handleStartRun)
				r.Post("/{runID}/abandon", s.handleAbandonRun)
			})
			r.Route("/api/interventions", func(r chi.Router) {
				r.Get("/", s.handleListInterventions)
				r.Get("/{interventionID}", s.handleGetIntervention)
				r.Post("/{interventionID}/resolve", s.handleResolveIntervention)
			})
			r.Route("/api/domains", func(r chi.Router) {
				r.Get("/", s.handleListDomains)
				r.Get("/{domain}", s.handleGetDomain)
				r.Get("/{domain}/recommendation", s.handleRecommend)
				r.Post("/{domain}/override", s.handleOverride)
			})
			r.Route("/api/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Get("/{domain}", s.handleGetSession)
			})
		})
	})
	return r
}

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening.", zap.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.cancelStream()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server.")
	s.cancelStream()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("API server shutdown incomplete.", zap.Error(err))
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	published, dropped := s.svc.Bus.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"time":             s.now().UTC(),
		"subscribers":      s.svc.Bus.SubscriberCount(),
		"events_published": published,
		"events_dropped":   dropped,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
