package events

import (
	"strings"
	"time"
)

// Type names one event in the closed vocabulary shared by the WebSocket and
// webhook paths. The wildcard "*" is valid only in webhook subscription
// lists, never on a published event.
type Type string

const (
	TicketCreated      Type = "ticket.created"
	TicketClaimed      Type = "ticket.claimed"
	TicketUpdated      Type = "ticket.updated"
	TicketCompleted    Type = "ticket.completed"
	TicketApproved     Type = "ticket.approved"
	TicketRejected     Type = "ticket.rejected"
	TicketClosed       Type = "ticket.closed"
	TicketCommentAdded Type = "ticket.comment_added"

	AgentStarted Type = "agent.started"
	AgentStopped Type = "agent.stopped"
	AgentError   Type = "agent.error"

	CodeReviewStarted Type = "code_review.started"
	CodeReviewPassed  Type = "code_review.passed"
	CodeReviewFailed  Type = "code_review.failed"

	BuildStarted   Type = "build.started"
	BuildCompleted Type = "build.completed"
	BuildFailed    Type = "build.failed"

	DirectiveHold      Type = "directive.hold"
	DirectiveClearance Type = "directive.clearance"

	OpsLogEntry Type = "ops_log.entry"

	SystemError Type = "system.error"

	// Wildcard matches every event in a webhook subscription's event list.
	Wildcard Type = "*"
)

// vocabulary is the full set of publishable event types.
var vocabulary = map[Type]struct{}{
	TicketCreated: {}, TicketClaimed: {}, TicketUpdated: {}, TicketCompleted: {},
	TicketApproved: {}, TicketRejected: {}, TicketClosed: {}, TicketCommentAdded: {},
	AgentStarted: {}, AgentStopped: {}, AgentError: {},
	CodeReviewStarted: {}, CodeReviewPassed: {}, CodeReviewFailed: {},
	BuildStarted: {}, BuildCompleted: {}, BuildFailed: {},
	DirectiveHold: {}, DirectiveClearance: {},
	OpsLogEntry: {}, SystemError: {},
}

// Valid reports whether t is a publishable event type.
func (t Type) Valid() bool {
	_, ok := vocabulary[t]
	return ok
}

// Family returns the dotted prefix of the type ("ticket", "agent", ...).
func (t Type) Family() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return s
}

// Types lists the publishable vocabulary in a stable order.
func Types() []Type {
	return []Type{
		TicketCreated, TicketClaimed, TicketUpdated, TicketCompleted,
		TicketApproved, TicketRejected, TicketClosed, TicketCommentAdded,
		AgentStarted, AgentStopped, AgentError,
		CodeReviewStarted, CodeReviewPassed, CodeReviewFailed,
		BuildStarted, BuildCompleted, BuildFailed,
		DirectiveHold, DirectiveClearance,
		OpsLogEntry, SystemError,
	}
}

// Event is one occurrence on the bus: a type from the closed vocabulary, a
// UTC timestamp, and a JSON-serializable payload.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with the current UTC time.
func New(t Type, payload map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload}
}
