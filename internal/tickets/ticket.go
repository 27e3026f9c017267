package tickets

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Status is a ticket lifecycle state. Closed is terminal.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Priority orders tickets for pickup. Critical sorts first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// SortOrder maps a priority to its position in list ordering; unknown
// priorities sort last.
func (p Priority) SortOrder() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.SortOrder() < 4
}

// Ticket is one unit of work. Ids are assigned by the store, strictly
// monotonic and never reused.
type Ticket struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	AssignedTo  string            `json:"assigned_to,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Sections    map[string]string `json:"sections,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so stored tickets never leak to callers.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Labels != nil {
		cp.Labels = append([]string(nil), t.Labels...)
	}
	if t.Sections != nil {
		cp.Sections = make(map[string]string, len(t.Sections))
		for k, v := range t.Sections {
			cp.Sections[k] = v
		}
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// HasLabel reports whether the ticket carries the label.
func (t *Ticket) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// transitions is the ticket state machine. The happy path is
// open -> in_progress -> resolved -> closed; in_progress may detour through
// blocked, and resolved may reopen to in_progress.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress},
	StatusInProgress: {StatusBlocked, StatusResolved},
	StatusBlocked:    {StatusInProgress},
	StatusResolved:   {StatusInProgress, StatusClosed},
	StatusClosed:     {},
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition marks a state-machine violation on update.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAssigneeRequired marks an in_progress ticket without an assignee.
var ErrAssigneeRequired = errors.New("in_progress ticket requires an assignee")

// ErrAssigneeForbidden marks an open ticket carrying an assignee.
var ErrAssigneeForbidden = errors.New("open ticket must not have an assignee")

// ValidateTransition checks the status move plus the assignee rules bound to
// the destination state.
func ValidateTransition(from, to Status, assignee string) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	switch to {
	case StatusInProgress:
		if assignee == "" {
			return ErrAssigneeRequired
		}
	case StatusOpen:
		if assignee != "" {
			return ErrAssigneeForbidden
		}
	}
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status     Status
	Priority   Priority
	Type       string
	AssignedTo string
	Labels     []string
	Limit      int
	Offset     int
}

func (f ListFilter) matches(t *Ticket) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	for _, label := range f.Labels {
		if !t.HasLabel(label) {
			return false
		}
	}
	return true
}

// DefaultSearchFields are searched when Search is called without an
// explicit field set.
var DefaultSearchFields = []string{"title", "description"}

func searchableValue(t *Ticket, field string) string {
	switch field {
	case "title":
		return t.Title
	case "description":
		return t.Description
	case "type":
		return t.Type
	case "assigned_to":
		return t.AssignedTo
	case "labels":
		return strings.Join(t.Labels, " ")
	}
	return ""
}

func matchesQuery(t *Ticket, query string, fields []string) bool {
	q := strings.ToLower(query)
	for _, field := range fields {
		if strings.Contains(strings.ToLower(searchableValue(t, field)), q) {
			return true
		}
	}
	return false
}

// sortTickets orders by (priority sort order, created_at) ascending.
func sortTickets(ts []*Ticket) {
	sort.SliceStable(ts, func(i, j int) bool {
		pi, pj := ts[i].Priority.SortOrder(), ts[j].Priority.SortOrder()
		if pi != pj {
			return pi < pj
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

// page applies limit/offset after sorting. Negative values mean "from the
// start" and "no limit" respectively.
func page(ts []*Ticket, limit, offset int) []*Ticket {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ts) {
		return nil
	}
	ts = ts[offset:]
	if limit > 0 && limit < len(ts) {
		ts = ts[:limit]
	}
	return ts
}
