// Package httpapi is the daemon's HTTP surface: the WebSocket upgrade
// endpoint, the webhook subscription admin API, and the health probes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/auth"
	"github.com/fastband-ai/fastband/internal/health"
	"github.com/fastband-ai/fastband/internal/hub"
	"github.com/fastband-ai/fastband/internal/webhooks"
)

// Server wires the HTTP handlers to the hub, the webhook store, and the
// health manager. Construct it with NewServer and mount Routes.
type Server struct {
	hub        *hub.Hub
	store      *webhooks.Store
	dispatcher *webhooks.Dispatcher
	health     *health.Manager
	auth       *auth.Middleware
	logger     *zap.Logger
}

// NewServer builds the HTTP surface. auth guards the webhook admin
// endpoints and authenticates WebSocket clients.
func NewServer(h *hub.Hub, store *webhooks.Store, dispatcher *webhooks.Dispatcher, hm *health.Manager, mw *auth.Middleware, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:        h,
		store:      store,
		dispatcher: dispatcher,
		health:     hm,
		auth:       mw,
		logger:     logger,
	}
}

// Routes returns the handler tree. Webhook management requires the admin
// role; the WebSocket endpoint accepts any authenticated agent.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /ws", s.auth.Wrap(http.HandlerFunc(s.handleWS)))

	admin := func(fn http.HandlerFunc) http.Handler {
		return s.auth.Wrap(s.auth.RequireAdmin(fn))
	}
	mux.Handle("POST /webhooks", admin(s.handleWebhookCreate))
	mux.Handle("GET /webhooks", admin(s.handleWebhookList))
	mux.Handle("GET /webhooks/deliveries", admin(s.handleWebhookDeliveries))
	mux.Handle("GET /webhooks/{id}", admin(s.handleWebhookGet))
	mux.Handle("DELETE /webhooks/{id}", admin(s.handleWebhookDelete))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.health != nil {
		health.NewHTTPHandler(s.health, s.logger).RegisterRoutes(mux)
	}

	return mux
}

// handleHealthz reports overall liveness for load balancers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	live := s.health == nil || s.health.IsLive(r.Context())
	code := http.StatusOK
	if !live {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"live":      live,
		"timestamp": time.Now().Unix(),
	})
}

// handleReadyz reports whether critical dependencies are up.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := s.health == nil || s.health.IsReady(r.Context())
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"ready":     ready,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{"error": message})
}
