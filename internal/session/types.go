// Package session ties one agent's working state together: its token
// budget handle, its tiered memory store, and its persisted knowledge
// context.
package session

import (
	"errors"
	"time"

	"github.com/fastband-ai/fastband/internal/budget"
	"github.com/fastband-ai/fastband/internal/knowledge"
	"github.com/fastband-ai/fastband/internal/memory"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a duplicate session id.
	ErrSessionExists = errors.New("session already exists")
)

// Session is one live agent session. The memory store is owned by the
// session's goroutine; the budget handle and knowledge context are safe
// to share.
type Session struct {
	ID        string
	AgentName string
	StartedAt time.Time

	Budget  budget.Handle
	Memory  *memory.Store
	Context *knowledge.SessionContext
}

// Snapshot returns the session's current budget snapshot.
func (s *Session) Snapshot(budgets *budget.Manager) (budget.Snapshot, bool) {
	return budgets.Get(s.ID)
}

// CloseSummary reports what happened when a session closed.
type CloseSummary struct {
	SessionID string             `json:"session_id"`
	AgentName string             `json:"agent_name"`
	Duration  time.Duration      `json:"duration"`
	Budget    budget.Summary     `json:"budget"`
	Memory    memory.CloseStats  `json:"memory"`
}
