// Package auth issues and validates the HS256 agent tokens used by the
// admin HTTP endpoints and the WebSocket accept path.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultIssuer is the token issuer claim.
const DefaultIssuer = "fastband"

// Roles an agent token can carry.
const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

// ErrInvalidToken covers every validation failure the caller doesn't
// need to distinguish.
var ErrInvalidToken = errors.New("invalid token")

// JWTManager signs and validates agent tokens.
type JWTManager struct {
	signingKey []byte
	expiry     time.Duration
	issuer     string
}

// NewJWTManager creates a manager with the given signing key and token
// lifetime. An empty issuer defaults to "fastband".
func NewJWTManager(signingKey string, expiry time.Duration, issuer string) *JWTManager {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTManager{
		signingKey: []byte(signingKey),
		expiry:     expiry,
		issuer:     issuer,
	}
}

// Claims are the agent token claims.
type Claims struct {
	jwt.RegisteredClaims
	AgentName string `json:"agent_name"`
	Role      string `json:"role"`
}

// AgentContext is the validated identity attached to a request.
type AgentContext struct {
	AgentName string
	Role      string
	TokenID   string
}

// IsAdmin reports whether the identity may hit admin endpoints.
func (a *AgentContext) IsAdmin() bool { return a.Role == RoleAdmin }

// Generate signs a token for the agent.
func (j *JWTManager) Generate(agentName, role string) (string, error) {
	if role == "" {
		role = RoleAgent
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentName,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		AgentName: agentName,
		Role:      role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// Validate parses and checks a token, returning the agent identity.
func (j *JWTManager) Validate(tokenString string) (*AgentContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != j.issuer {
		return nil, fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	return &AgentContext{
		AgentName: claims.AgentName,
		Role:      claims.Role,
		TokenID:   claims.ID,
	}, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[7:], nil
}
