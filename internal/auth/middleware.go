package auth

import (
	"context"
	"net/http"
)

// ContextKey is the key type for context values.
type ContextKey string

// AgentContextKey is the context key carrying the validated identity.
const AgentContextKey ContextKey = "agent"

// Middleware authenticates HTTP requests. WebSocket clients may pass
// the token as a ?token= query parameter since browsers cannot set
// headers on the upgrade request.
type Middleware struct {
	jwtManager *JWTManager
	skipAuth   bool // development only
}

// NewMiddleware creates the middleware. skipAuth admits every request
// with a synthetic admin identity.
func NewMiddleware(jwtManager *JWTManager, skipAuth bool) *Middleware {
	return &Middleware{jwtManager: jwtManager, skipAuth: skipAuth}
}

// Wrap authenticates the request before passing it on.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			ctx := context.WithValue(r.Context(), AgentContextKey, &AgentContext{
				AgentName: "dev",
				Role:      RoleAdmin,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := ""
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			token, err := ExtractBearerToken(authHeader)
			if err != nil {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}
			tokenString = token
		} else if qToken := r.URL.Query().Get("token"); qToken != "" {
			tokenString = qToken
		}
		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		agentCtx, err := m.jwtManager.Validate(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), AgentContextKey, agentCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects non-admin identities. It must run inside Wrap.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentCtx, ok := FromContext(r.Context())
		if !ok || !agentCtx.IsAdmin() {
			http.Error(w, "Admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FromContext returns the validated identity, if any.
func FromContext(ctx context.Context) (*AgentContext, bool) {
	agentCtx, ok := ctx.Value(AgentContextKey).(*AgentContext)
	return agentCtx, ok
}
