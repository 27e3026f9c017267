package tickets

import (
	"errors"
	"time"
)

// ErrDuplicateID is returned by Create when the supplied id already exists.
var ErrDuplicateID = errors.New("ticket id already exists")

// Backup is a full-store snapshot, portable across backends.
type Backup struct {
	TakenAt time.Time `json:"taken_at"`
	NextID  int64     `json:"next_id"`
	Tickets []*Ticket `json:"tickets"`
}

// Store is the ticket persistence contract satisfied by both the document
// and the indexed backend. Boolean returns mean not-found / not-eligible
// per the error taxonomy; only infrastructure failures surface as errors.
type Store interface {
	// Create assigns an id when absent, initializes timestamps, and
	// returns the stored ticket. Supplying an existing id fails with
	// ErrDuplicateID.
	Create(t *Ticket) (*Ticket, error)

	// Get returns a copy of the ticket, ok=false when unknown.
	Get(id string) (*Ticket, bool)

	// Update replaces the stored ticket after validating the status
	// transition. It returns false for unknown ids or illegal moves.
	Update(t *Ticket) bool

	// Delete removes the ticket; false when unknown.
	Delete(id string) bool

	// List returns matching tickets sorted by (priority, created_at).
	List(f ListFilter) []*Ticket

	// Search does case-insensitive substring matching over fields
	// (DefaultSearchFields when empty).
	Search(query string, fields []string) []*Ticket

	// Count tallies tickets matching the optional status and priority.
	Count(status Status, priority Priority) int

	// NextID returns the next id the store would assign. Ids are strictly
	// monotonic across the store's lifetime and never reused.
	NextID() string

	// Claim atomically moves an open ticket to in_progress assigned to
	// agent. Exactly one of any set of racing claims succeeds.
	Claim(id, agent string) bool

	// Backup snapshots the full store; Restore replaces it.
	Backup() (*Backup, error)
	Restore(b *Backup) error

	// Close releases backend resources.
	Close() error
}
