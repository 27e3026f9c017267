package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewJWTManager("test-key", time.Hour, "")

	token, err := m.Generate("builder", RoleAgent)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	agentCtx, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if agentCtx.AgentName != "builder" || agentCtx.Role != RoleAgent {
		t.Fatalf("unexpected identity: %+v", agentCtx)
	}
	if agentCtx.IsAdmin() {
		t.Fatal("agent role must not be admin")
	}
	if agentCtx.TokenID == "" {
		t.Fatal("token id missing")
	}
}

func TestValidateRejections(t *testing.T) {
	m := NewJWTManager("test-key", time.Hour, "")

	if _, err := m.Validate("not-a-token"); err == nil {
		t.Fatal("garbage must be rejected")
	}

	// Wrong key.
	other := NewJWTManager("other-key", time.Hour, "")
	token, _ := other.Generate("x", RoleAgent)
	if _, err := m.Validate(token); err == nil {
		t.Fatal("token from a different key must be rejected")
	}

	// Wrong issuer.
	foreign := NewJWTManager("test-key", time.Hour, "someone-else")
	token, _ = foreign.Generate("x", RoleAgent)
	if _, err := m.Validate(token); err == nil {
		t.Fatal("token from a different issuer must be rejected")
	}

	// Expired.
	short := NewJWTManager("test-key", time.Nanosecond, "")
	token, _ = short.Generate("x", RoleAgent)
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Validate(token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	m := NewJWTManager("test-key", time.Hour, "")
	mw := NewMiddleware(m, false)

	var gotAgent string
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if agentCtx, ok := FromContext(r.Context()); ok {
			gotAgent = agentCtx.AgentName
		}
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should 401, got %d", rec.Code)
	}

	// Bearer token.
	token, _ := m.Generate("builder", RoleAgent)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || gotAgent != "builder" {
		t.Fatalf("bearer auth failed: code=%d agent=%q", rec.Code, gotAgent)
	}

	// Query token (WebSocket path).
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query token auth failed: %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	m := NewJWTManager("test-key", time.Hour, "")
	mw := NewMiddleware(m, false)

	handler := mw.Wrap(mw.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	agentToken, _ := m.Generate("builder", RoleAgent)
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+agentToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("agent role should 403 on admin endpoint, got %d", rec.Code)
	}

	adminToken, _ := m.Generate("ops", RoleAdmin)
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin role should pass, got %d", rec.Code)
	}
}

func TestSkipAuth(t *testing.T) {
	mw := NewMiddleware(nil, true)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentCtx, ok := FromContext(r.Context())
		if !ok || !agentCtx.IsAdmin() {
			t.Fatal("skip_auth should inject a dev admin identity")
		}
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("skip_auth should admit, got %d", rec.Code)
	}
}
