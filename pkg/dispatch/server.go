package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstack-archive/senlin-sub004/pkg/engine"
)

// Scheduler is the subset of the engine scheduler the server exposes over
// the wire.
type Scheduler interface {
	EngineID() string
	Wake()
	StartAction(ctx context.Context, actionID string) error
	Cancel(ctx context.Context, actionID string) error
	Suspend(ctx context.Context, actionID string) error
	Resume(ctx context.Context, actionID string) error
}

// HealthAdmin is the subset of the health registry exposed over the wire.
type HealthAdmin interface {
	RegisterCluster(ctx context.Context, clusterID, checkType string, interval time.Duration, params map[string]interface{}) error
	UnregisterCluster(ctx context.Context, clusterID string) error
	SetClusterEnabled(ctx context.Context, clusterID string, enabled bool) error
}

// ServerOptions configures the dispatch server.
type ServerOptions struct {
	// ListenAddress is the host:port the server binds.
	ListenAddress string

	// MetricsHandler, when non-nil, is mounted at /metrics.
	MetricsHandler http.Handler
}

// Server is one engine's dispatch endpoint. It fronts the local scheduler
// and health registry; peers and operators reach the engine only through it.
type Server struct {
	scheduler Scheduler
	health    HealthAdmin
	logger    zerolog.Logger
	srv       *http.Server
}

// NewServer creates a dispatch server for one engine. health may be nil when
// health monitoring is disabled; the registry endpoints then return 503.
func NewServer(scheduler Scheduler, health HealthAdmin, logger zerolog.Logger, opts ServerOptions) *Server {
	s := &Server{
		scheduler: scheduler,
		health:    health,
		logger:    logger.With().Str("component", "dispatch-server").Logger(),
	}
	s.srv = &http.Server{
		Addr:              opts.ListenAddress,
		Handler:           s.routes(opts.MetricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/actions/start", s.handleAction(MethodStartAction))
	mux.HandleFunc("POST /v1/actions/cancel", s.handleAction(MethodCancelAction))
	mux.HandleFunc("POST /v1/actions/suspend", s.handleAction(MethodSuspendAction))
	mux.HandleFunc("POST /v1/actions/resume", s.handleAction(MethodResumeAction))
	mux.HandleFunc("GET /v1/listening", s.handleListening)
	mux.HandleFunc("POST /v1/health/registry", s.handleRegisterCluster)
	mux.HandleFunc("DELETE /v1/health/registry", s.handleUnregisterCluster)
	mux.HandleFunc("POST /v1/health/enable", s.handleSetClusterEnabled(true))
	mux.HandleFunc("POST /v1/health/disable", s.handleSetClusterEnabled(false))
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start runs the server until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.srv.Addr).Msg("dispatch server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dispatch server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleAction(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ActionRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.ActionID == "" {
			// A bare start is a "work is available" nudge: let the pump
			// claim whatever is ready instead of chasing one ID.
			if method == MethodStartAction {
				s.scheduler.Wake()
				s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
				return
			}
			s.writeError(w, http.StatusBadRequest, errors.New("action_id is required"))
			return
		}

		var err error
		switch method {
		case MethodStartAction:
			err = s.scheduler.StartAction(r.Context(), req.ActionID)
		case MethodCancelAction:
			err = s.scheduler.Cancel(r.Context(), req.ActionID)
		case MethodSuspendAction:
			err = s.scheduler.Suspend(r.Context(), req.ActionID)
		case MethodResumeAction:
			err = s.scheduler.Resume(r.Context(), req.ActionID)
		}
		if err != nil {
			// A start that found nothing claimable is normal between peers.
			if method == MethodStartAction && engine.IsConflict(err) {
				s.writeJSON(w, http.StatusOK, map[string]bool{"claimed": false})
				return
			}
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleListening(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ListeningResponse{
		EngineID:  s.scheduler.EngineID(),
		Listening: true,
	})
}

func (s *Server) handleRegisterCluster(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("health monitoring disabled"))
		return
	}
	var req RegisterClusterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ClusterID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("cluster_id is required"))
		return
	}

	interval := time.Duration(req.IntervalSeconds) * time.Second
	if err := s.health.RegisterCluster(r.Context(), req.ClusterID, req.CheckType, interval, req.Params); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) handleUnregisterCluster(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("health monitoring disabled"))
		return
	}
	clusterID := r.URL.Query().Get("cluster_id")
	if clusterID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("cluster_id is required"))
		return
	}
	if err := s.health.UnregisterCluster(r.Context(), clusterID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSetClusterEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.health == nil {
			s.writeError(w, http.StatusServiceUnavailable, errors.New("health monitoring disabled"))
			return
		}
		var req ClusterRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.ClusterID == "" {
			s.writeError(w, http.StatusBadRequest, errors.New("cluster_id is required"))
			return
		}
		if err := s.health.SetClusterEnabled(r.Context(), req.ClusterID, enabled); err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, err)
	case engine.IsConflict(err):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
