package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/auth"
	"github.com/fastband-ai/fastband/internal/events"
	"github.com/fastband-ai/fastband/internal/hub"
	"github.com/fastband-ai/fastband/internal/webhooks"
)

func newTestServer(t *testing.T, mw *auth.Middleware) (*Server, *hub.Hub) {
	t.Helper()
	dir := t.TempDir()
	store, err := webhooks.NewStore(filepath.Join(dir, "webhooks.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	dispatcher := webhooks.NewDispatcher(store, webhooks.Config{
		PendingPath: filepath.Join(dir, "pending.json"),
	}, zap.NewNop())
	h := hub.New(zap.NewNop(), hub.Options{MaxConnections: 8, MaxPerIP: 8})
	if mw == nil {
		mw = auth.NewMiddleware(nil, true)
	}
	return NewServer(h, store, dispatcher, nil, mw, zap.NewNop()), h
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookCRUD(t *testing.T) {
	s, _ := newTestServer(t, nil)
	routes := s.Routes()

	rec := postJSON(t, routes, "/webhooks", createSubscriptionRequest{
		URL:    "https://ops.example.com/hook",
		Events: []string{"ticket.created", "*"},
		Name:   "ops",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: code %d body %s", rec.Code, rec.Body.String())
	}
	var created webhooks.Subscription
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Secret == "" {
		t.Fatalf("creation must return id and generated secret: %+v", created)
	}

	// List blanks secrets.
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: code %d", rec.Code)
	}
	var listed struct {
		Subscriptions []*webhooks.Subscription `json:"subscriptions"`
		Count         int                      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Count != 1 || listed.Subscriptions[0].Secret != "" {
		t.Fatalf("list must hide secrets: %+v", listed)
	}

	// Get by id.
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: code %d", rec.Code)
	}

	// Delete, then the id is gone.
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/webhooks/"+created.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: code %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/"+created.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: code %d", rec.Code)
	}
}

func TestWebhookCreateValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)
	routes := s.Routes()

	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad JSON: code %d", rec.Code)
	}

	rec = postJSON(t, routes, "/webhooks", createSubscriptionRequest{Events: []string{"ticket.created"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing url: code %d", rec.Code)
	}

	rec = postJSON(t, routes, "/webhooks", createSubscriptionRequest{
		URL:    "https://x.example.com",
		Events: []string{"ticket.exploded"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown event: code %d", rec.Code)
	}
}

func TestWebhookAdminGuard(t *testing.T) {
	jwtManager := auth.NewJWTManager("test-key", time.Hour, "")
	s, _ := newTestServer(t, auth.NewMiddleware(jwtManager, false))
	routes := s.Routes()

	// No token.
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code %d", rec.Code)
	}

	// Agent role is not enough.
	agentToken, _ := jwtManager.Generate("builder", auth.RoleAgent)
	req := httptest.NewRequest(http.MethodGet, "/webhooks", nil)
	req.Header.Set("Authorization", "Bearer "+agentToken)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("agent token: code %d", rec.Code)
	}

	adminToken, _ := jwtManager.Generate("ops", auth.RoleAdmin)
	req = httptest.NewRequest(http.MethodGet, "/webhooks", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin token: code %d", rec.Code)
	}
}

func TestHealthEndpointsWithoutManager(t *testing.T) {
	s, _ := newTestServer(t, nil)
	routes := s.Routes()
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: code %d", path, rec.Code)
		}
	}
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) hub.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg hub.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketSession(t *testing.T) {
	s, h := newTestServer(t, nil)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws?subscriptions=TICKETS")
	defer conn.Close()

	welcome := readMessage(t, conn)
	if welcome.Type != hub.MsgConnected {
		t.Fatalf("first frame must be %s, got %s", hub.MsgConnected, welcome.Type)
	}

	// Ping round-trip.
	if err := conn.WriteJSON(hub.NewMessage(hub.MsgPing, nil)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != hub.MsgPong {
		t.Fatalf("expected pong, got %s", msg.Type)
	}

	// A ticket event reaches the TICKETS subscriber.
	waitForBroadcast(t, func() int {
		return h.Broadcast(events.TicketCreated, map[string]any{"id": "T-1"})
	})
	if msg := readMessage(t, conn); msg.Type != string(events.TicketCreated) {
		t.Fatalf("expected ticket.created, got %s", msg.Type)
	}

	// An agent event does not.
	h.Broadcast(events.AgentStarted, map[string]any{"agent": "builder"})
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg hub.Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("AGENTS event leaked to TICKETS subscriber: %+v", msg)
	}
}

// waitForBroadcast retries until the hub has registered the connection;
// the upgrade completes asynchronously from the test's perspective.
func waitForBroadcast(t *testing.T, broadcast func() int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if broadcast() > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("broadcast never reached the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketAuthToken(t *testing.T) {
	jwtManager := auth.NewJWTManager("test-key", time.Hour, "")
	s, _ := newTestServer(t, auth.NewMiddleware(jwtManager, false))
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	// No token is rejected before upgrade.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("unauthenticated dial must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake, got %+v", resp)
	}

	// Query token admits, since agents cannot set headers on upgrade.
	token, _ := jwtManager.Generate("builder", auth.RoleAgent)
	conn := dialWS(t, srv, "/ws?token="+token)
	defer conn.Close()
	if msg := readMessage(t, conn); msg.Type != hub.MsgConnected {
		t.Fatalf("expected welcome, got %s", msg.Type)
	}
}
