package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/events"
	"github.com/fastband-ai/fastband/internal/webhooks"
)

// createSubscriptionRequest is the POST /webhooks body. An omitted secret
// is generated server-side and returned once in the response.
type createSubscriptionRequest struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"secret,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	for _, e := range req.Events {
		if t := events.Type(e); t != events.Wildcard && !t.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown event type: "+e)
			return
		}
	}

	sub, err := s.store.Add(&webhooks.Subscription{
		URL:         req.URL,
		Events:      req.Events,
		Secret:      req.Secret,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("Webhook subscription created via API",
		zap.String("subscription_id", sub.ID),
		zap.String("url", sub.URL),
	)
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	subs := s.store.List()
	// Secrets are write-only after creation.
	for _, sub := range subs {
		sub.Secret = ""
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	sub.Secret = ""
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.store.Delete(id) {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	s.logger.Info("Webhook subscription deleted via API", zap.String("subscription_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	deliveries := s.dispatcher.RecentDeliveries(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}
