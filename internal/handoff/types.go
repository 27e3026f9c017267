package handoff

import (
	"time"

	"github.com/fastband-ai/fastband/internal/budget"
)

// Reason states why a handoff was initiated.
type Reason string

const (
	ReasonBudgetWarning  Reason = "budget_warning"
	ReasonBudgetCritical Reason = "budget_critical"
	ReasonTaskComplete   Reason = "task_complete"
	ReasonAgentRequest   Reason = "agent_request"
	ReasonErrorRecovery  Reason = "error_recovery"
	ReasonScheduled      Reason = "scheduled"
)

// Priority orders packets for pickup.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityHigh      Priority = "high"
	PriorityNormal    Priority = "normal"
	PriorityLow       Priority = "low"
)

// Packet carries everything a successor agent needs to resume a session.
// Packets hold values only, never live references into session state, and
// every packet is signed under its own AccessToken.
type Packet struct {
	PacketID      string    `json:"packet_id"`
	CreatedAt     time.Time `json:"created_at"`
	SourceAgent   string    `json:"source_agent"`
	SourceSession string    `json:"source_session"`
	Reason        Reason    `json:"reason"`
	Priority      Priority  `json:"priority"`
	TargetAgent   string    `json:"target_agent,omitempty"`
	AccessToken   string    `json:"access_token"`

	TicketID       string   `json:"ticket_id,omitempty"`
	TicketStatus   string   `json:"ticket_status,omitempty"`
	TicketSummary  string   `json:"ticket_summary,omitempty"`
	CompletedTasks []string `json:"completed_tasks,omitempty"`
	PendingTasks   []string `json:"pending_tasks,omitempty"`
	Blockers       []string `json:"blockers,omitempty"`
	Decisions      []string `json:"decisions,omitempty"`

	FilesModified []string `json:"files_modified,omitempty"`
	FilesReviewed []string `json:"files_reviewed,omitempty"`

	HotContext     string   `json:"hot_context,omitempty"`
	HotTokens      int      `json:"hot_tokens"`
	WarmReferences []string `json:"warm_references,omitempty"`

	Budget budget.Snapshot `json:"budget"`

	HandoffNotes string   `json:"handoff_notes,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// TicketContext is the ticket-side input to packet creation.
type TicketContext struct {
	TicketID       string
	Status         string
	Summary        string
	CompletedTasks []string
	PendingTasks   []string
	Blockers       []string
	Decisions      []string
	FilesModified  []string
	FilesReviewed  []string
}

// envelope is the on-disk wrapper. v2 files carry the sanitized packet plus
// its signature; encrypted files replace the packet with sealed content and
// a key hint. Acceptance metadata lives on the envelope so the signature
// over the packet stays valid after archiving. Legacy v1 files are a bare
// packet object.
type envelope struct {
	Packet    *Packet `json:"packet,omitempty"`
	Signature string  `json:"signature,omitempty"`
	Encrypted bool    `json:"encrypted"`
	Content   string  `json:"content,omitempty"`
	KeyHint   string  `json:"key_hint,omitempty"`

	AcceptedBy string     `json:"accepted_by,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}
