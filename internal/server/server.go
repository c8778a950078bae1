package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"churn-analytics/feature-pipeline/internal/config"
)

// Status is the admin snapshot of the last committed batch.
type Status struct {
	LastBatchID string    `json:"last_batch_id"`
	LastRun     time.Time `json:"last_run"`
	Users       int       `json:"users"`
	Orders      int       `json:"orders"`
	Events      int       `json:"events"`
	Aggregates  int       `json:"aggregates"`
	ScoreFailed int       `json:"score_failed"`
}

// Server exposes /metrics, /healthz, and /status.
type Server struct {
	srv    *http.Server
	status func() Status
}

func New(cfg config.ServerConfig, status func() Status) *Server {
	r := mux.NewRouter()
	s := &Server{status: status}

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":9090"
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  defaultDur(cfg.ReadTimeout, 5*time.Second),
		WriteTimeout: defaultDur(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  defaultDur(cfg.IdleTimeout, 60*time.Second),
	}
	return s
}

func (s *Server) Addr() string { return s.srv.Addr }

func (s *Server) Serve() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status())
}

func defaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
