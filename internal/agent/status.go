package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bmagent/agent/internal/health"
	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/pkg/api"
)

const (
	defaultStatusLogs = 100
	maxStatusLogs     = 1000
)

// StatusSource is what the status endpoint reports on.
type StatusSource struct {
	Version  string
	Manager  *Manager
	Sessions Sessions
	Health   *health.Monitor
	Logs     func(n int) []string
}

// Snapshot assembles the current operator view.
func (s StatusSource) Snapshot(logLines int) api.Status {
	st := api.Status{
		Version:   s.Version,
		Running:   s.Manager.IsRunning(),
		State:     s.Manager.State().String(),
		Target:    s.Manager.Target(),
		Logs:      []string{},
		Connected: s.Manager.IsConnected(),
	}
	if s.Sessions != nil {
		st.Sessions = s.Sessions.Count()
	}
	if s.Health != nil {
		st.Health = s.Health.Summary()
	}
	if s.Logs != nil && logLines > 0 {
		if lines := s.Logs(logLines); lines != nil {
			st.Logs = lines
		}
	}
	return st
}

// StatusServer serves GET /status on a local address for the CLI and
// whatever UI sits next to the agent.
type StatusServer struct {
	source StatusSource
	srv    *http.Server
	ln     net.Listener
}

func NewStatusServer(addr string, source StatusSource) *StatusServer {
	s := &StatusServer{source: source}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+api.StatusPath, s.handleStatus)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Info("status endpoint listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status endpoint stopped", logging.KeyError, err)
		}
	}()
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *StatusServer) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	n := defaultStatusLogs
	if v := r.URL.Query().Get("logs"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, "logs must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = min(parsed, maxStatusLogs)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Snapshot(n)); err != nil {
		log.Debug("status response write failed", logging.KeyError, err)
	}
}
