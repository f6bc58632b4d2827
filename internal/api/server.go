// Package api is the HTTP control surface of the engine
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"stop_engine/internal/config"
	"stop_engine/internal/core"
	"stop_engine/internal/safety"
	"stop_engine/internal/trading/position"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PositionService is the position manager as seen by the handlers
type PositionService interface {
	Arm(ctx context.Context, req position.ArmRequest) (*core.Position, error)
	Disarm(ctx context.Context, id string) (*core.Position, error)
	Signal(ctx context.Context, id string, sig position.EntrySignal) error
	Acknowledge(ctx context.Context, id string) (*core.Position, error)
	Get(ctx context.Context, id string) (*core.Position, error)
	List(ctx context.Context, states ...core.PositionState) ([]*core.Position, error)
	Events(ctx context.Context, id string) ([]*core.Event, error)
	Panic(ctx context.Context, symbol string) ([]string, error)
	SetKillSwitch(enabled bool, reason string)
	KillSwitch() (bool, string)
	ActiveTasks() int
	RefreshMetrics(ctx context.Context) (map[core.PositionState]int64, error)
}

// SafetyService backs the scanner endpoints
type SafetyService interface {
	Status() safety.Status
	DryRun(ctx context.Context) (*safety.Report, error)
}

// BreakerSnapshot lists persisted circuit breakers
type BreakerSnapshot interface {
	Snapshot(ctx context.Context) ([]*core.CircuitBreakerState, error)
}

// OutboxCounter reports undelivered outbox rows
type OutboxCounter interface {
	CountUnpublished(ctx context.Context) (int64, error)
}

// HealthChecker aggregates component checks
type HealthChecker interface {
	GetStatus(ctx context.Context) (map[string]string, bool)
}

// Dependencies of the handlers. Positions is required; a nil optional
// dependency turns its endpoint into 503 or drops its status section.
type Dependencies struct {
	Positions PositionService
	Safety    SafetyService
	Breakers  BreakerSnapshot
	Outbox    OutboxCounter
	Health    HealthChecker
	// Events serves the websocket event stream when set
	Events http.Handler
}

// Server serves the control surface until its context ends
type Server struct {
	cfg    config.APIConfig
	deps   Dependencies
	router *mux.Router
	logger core.ILogger
}

func NewServer(cfg config.APIConfig, deps Dependencies, logger core.ILogger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithField("component", "api"),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the router, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(recovery(s.logger), requestLogging(s.logger))

	r.HandleFunc("/positions", s.handleArm).Methods(http.MethodPost)
	r.HandleFunc("/positions", s.handleListPositions).Methods(http.MethodGet)
	r.HandleFunc("/positions/{id}", s.handleGetPosition).Methods(http.MethodGet)
	r.HandleFunc("/positions/{id}", s.handleDisarm).Methods(http.MethodDelete)
	r.HandleFunc("/positions/{id}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/positions/{id}/signal", s.handleSignal).Methods(http.MethodPost)
	r.HandleFunc("/positions/{id}/ack", s.handleAcknowledge).Methods(http.MethodPost)

	r.HandleFunc("/panic", s.handlePanic).Methods(http.MethodPost)
	r.HandleFunc("/kill-switch", s.handleKillSwitch).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/safety/status", s.handleSafetyStatus).Methods(http.MethodGet)
	r.HandleFunc("/safety/test", s.handleSafetyTest).Methods(http.MethodGet)

	if s.deps.Events != nil {
		r.Handle("/ws/events", s.deps.Events).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Run listens on cfg.ListenAddr and shuts down gracefully when ctx ends
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Stopping API server")
	return srv.Shutdown(shutdownCtx)
}
