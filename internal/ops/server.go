package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server exposes /health and /metrics. A zero listen address disables it.
type Server struct {
	addr    string
	log     zerolog.Logger
	started time.Time
	srv     *http.Server
}

// NewServer builds the ops endpoint for addr (e.g. ":9184").
func NewServer(addr string, log zerolog.Logger) *Server {
	return &Server{addr: addr, log: log.With().Str("component", "ops").Logger(), started: time.Now()}
}

// Start begins serving in the background; it returns immediately. No-op for
// an empty address.
func (s *Server) Start() {
	if s.addr == "" {
		return
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{Addr: s.addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("ops endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn().Err(err).Msg("ops endpoint stopped")
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	if s.srv != nil {
		_ = s.srv.Shutdown(ctx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
