package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/livegate/internal/config"
	"github.com/ent0n29/livegate/internal/observability"
	"github.com/ent0n29/livegate/internal/paths"
	"github.com/ent0n29/livegate/internal/ratelimit"
	"github.com/ent0n29/livegate/internal/session"
)

// Relay runs the per-connection relay protocol.
type Relay interface {
	Lookup(path string) (paths.Binding, bool)
	Bindings() []paths.Binding
	RunConnection(ctx context.Context, binding paths.Binding, remoteAddr string, inbound <-chan []byte, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	relay    Relay
	metrics  *observability.Metrics
	upgrades *ratelimit.Buckets
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, relay Relay, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		relay:    relay,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only open relay sockets from the same origin
				// unless any origin is allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if cfg.RelayUpgradeBurst > 0 {
		s.upgrades = ratelimit.NewBuckets(cfg.RelayUpgradeBurst, cfg.RelayUpgradeRatePerSecond)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/paths", s.handleListPaths)
	r.Get("/v1/connections", s.handleListConnections)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	// Every other path is a relay binding.
	r.Get("/*", s.handleRelayWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"upstream_provider": s.cfg.UpstreamProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	bindings := 0
	if s.relay != nil {
		bindings = len(s.relay.Bindings())
	}
	if bindings == 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "no_bindings",
			"bindings": 0,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"bindings":           bindings,
		"active_connections": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleListPaths(w http.ResponseWriter, _ *http.Request) {
	bindings := []paths.Binding{}
	if s.relay != nil {
		bindings = append(bindings, s.relay.Bindings()...)
	}
	respondJSON(w, http.StatusOK, map[string]any{"paths": bindings})
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"connections":       s.sessions.List(),
		"inactivity_ttl_ms": s.sessions.InactivityTimeout().Milliseconds(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// clientIP is the remote host without port. Forwarded headers are not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
