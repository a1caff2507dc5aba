package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PeerStatus abstracts the reactor's peer table for the /readyz summary.
type PeerStatus interface {
	PeerStates() map[string]string
}

// DBChecker abstracts the telemetry store's health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// Server exposes health, readiness, and Prometheus metrics endpoints
// alongside the reactor's own event loop.
type Server struct {
	srv       *http.Server
	dbChecker DBChecker
	peers     PeerStatus
	logger    *zap.Logger
}

// NewServer builds the HTTP mux. pool may be nil when no telemetry
// snapshot store is configured, in which case /readyz simply omits the
// postgres check.
func NewServer(addr string, pool *pgxpool.Pool, peers PeerStatus, logger *zap.Logger) *Server {
	s := &Server{
		peers:  peers,
		logger: logger,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz reports the telemetry store's reachability (when
// configured) and a per-peer FSM-state summary. Peers sitting in Idle
// or Connect are normal operating states, not a readiness failure, so
// only the DB check can flip this to not_ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	if s.peers != nil {
		checks["peers"] = s.peers.PeerStates()
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
