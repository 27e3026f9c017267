package tickets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/metrics"
)

const documentBackend = "document"

// DocumentStore keeps the whole ticket set in memory and persists it as one
// JSON document with copy-on-write atomic replace. All mutations serialize
// under a single store-level lock. A corrupt file on load is preserved under
// a timestamped backup and the in-memory view starts empty.
type DocumentStore struct {
	mu     sync.Mutex
	path   string
	data   map[string]*Ticket
	nextID int64

	logger *zap.Logger
	now    func() time.Time
}

// document is the on-disk shape of the store file.
type document struct {
	NextID  int64              `json:"next_id"`
	Tickets map[string]*Ticket `json:"tickets"`
}

// NewDocumentStore loads (or initializes) the store file at path.
func NewDocumentStore(path string, logger *zap.Logger) (*DocumentStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DocumentStore{
		path:   path,
		data:   make(map[string]*Ticket),
		nextID: 1,
		logger: logger,
		now:    time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ticket dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DocumentStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ticket store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		backup := fmt.Sprintf("%s.corrupt.%d", s.path, s.now().Unix())
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			s.logger.Error("Failed to preserve corrupt ticket store",
				zap.String("path", s.path), zap.Error(renameErr))
		}
		s.logger.Warn("Corrupt ticket store preserved, starting empty",
			zap.String("path", s.path),
			zap.String("backup", backup),
			zap.Error(err),
		)
		return nil
	}

	if doc.Tickets != nil {
		s.data = doc.Tickets
	}
	if doc.NextID > 0 {
		s.nextID = doc.NextID
	}
	// Guard against a next_id that lags existing ids (hand-edited files).
	for id := range s.data {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n >= s.nextID {
			s.nextID = n + 1
		}
	}
	return nil
}

// save writes the document via temp file + rename. Callers hold s.mu.
func (s *DocumentStore) save() error {
	doc := document{NextID: s.nextID, Tickets: s.data}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ticket store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tickets-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Create stores a new ticket, assigning the next monotonic id when the
// ticket carries none.
func (s *DocumentStore) Create(t *Ticket) (*Ticket, error) {
	if t == nil {
		return nil, fmt.Errorf("nil ticket")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := t.Clone()
	if stored.ID == "" {
		stored.ID = strconv.FormatInt(s.nextID, 10)
		s.nextID++
	} else if _, exists := s.data[stored.ID]; exists {
		return nil, ErrDuplicateID
	} else if n, err := strconv.ParseInt(stored.ID, 10, 64); err == nil && n >= s.nextID {
		s.nextID = n + 1
	}

	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = StatusOpen
	}
	if stored.Priority == "" {
		stored.Priority = PriorityMedium
	}

	s.data[stored.ID] = stored
	if err := s.save(); err != nil {
		delete(s.data, stored.ID)
		return nil, err
	}
	metrics.RecordTicketOperation("create", documentBackend)
	s.logger.Info("Ticket created",
		zap.String("ticket_id", stored.ID),
		zap.String("priority", string(stored.Priority)),
	)
	return stored.Clone(), nil
}

// Get returns a copy of the ticket.
func (s *DocumentStore) Get(id string) (*Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Update replaces the stored ticket after validating the status transition
// and assignee rules. updated_at advances monotonically.
func (s *DocumentStore) Update(t *Ticket) bool {
	if t == nil || t.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data[t.ID]
	if !ok {
		return false
	}
	if err := ValidateTransition(prev.Status, t.Status, t.AssignedTo); err != nil {
		s.logger.Warn("Ticket update rejected",
			zap.String("ticket_id", t.ID),
			zap.String("from", string(prev.Status)),
			zap.String("to", string(t.Status)),
			zap.Error(err),
		)
		return false
	}

	stored := t.Clone()
	stored.CreatedAt = prev.CreatedAt
	stored.UpdatedAt = s.now().UTC()
	if stored.UpdatedAt.Before(prev.UpdatedAt) {
		stored.UpdatedAt = prev.UpdatedAt.Add(time.Nanosecond)
	}
	applyStatusTimestamps(prev, stored, stored.UpdatedAt)

	s.data[stored.ID] = stored
	if err := s.save(); err != nil {
		s.data[stored.ID] = prev
		s.logger.Error("Failed to persist ticket update", zap.String("ticket_id", t.ID), zap.Error(err))
		return false
	}
	metrics.RecordTicketOperation("update", documentBackend)
	return true
}

// Delete removes the ticket.
func (s *DocumentStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.data[id]
	if !ok {
		return false
	}
	delete(s.data, id)
	if err := s.save(); err != nil {
		s.data[id] = prev
		s.logger.Error("Failed to persist ticket delete", zap.String("ticket_id", id), zap.Error(err))
		return false
	}
	metrics.RecordTicketOperation("delete", documentBackend)
	return true
}

// List returns matching tickets sorted by (priority, created_at).
func (s *DocumentStore) List(f ListFilter) []*Ticket {
	s.mu.Lock()
	matched := make([]*Ticket, 0, len(s.data))
	for _, t := range s.data {
		if f.matches(t) {
			matched = append(matched, t.Clone())
		}
	}
	s.mu.Unlock()

	sortTickets(matched)
	return page(matched, f.Limit, f.Offset)
}

// Search does substring matching over the given fields.
func (s *DocumentStore) Search(query string, fields []string) []*Ticket {
	if query == "" {
		return nil
	}
	if len(fields) == 0 {
		fields = DefaultSearchFields
	}
	s.mu.Lock()
	var matched []*Ticket
	for _, t := range s.data {
		if matchesQuery(t, query, fields) {
			matched = append(matched, t.Clone())
		}
	}
	s.mu.Unlock()

	sortTickets(matched)
	return matched
}

// Count tallies tickets matching the optional status and priority.
func (s *DocumentStore) Count(status Status, priority Priority) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.data {
		if status != "" && t.Status != status {
			continue
		}
		if priority != "" && t.Priority != priority {
			continue
		}
		n++
	}
	return n
}

// NextID returns the id the next Create would assign.
func (s *DocumentStore) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.FormatInt(s.nextID, 10)
}

// Claim atomically transitions an open ticket to in_progress for agent.
// The store mutex is the serialization point: racing claims observe exactly
// one success.
func (s *DocumentStore) Claim(id, agent string) bool {
	if agent == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data[id]
	if !ok || t.Status != StatusOpen {
		if ok {
			metrics.TicketClaimConflicts.Inc()
		}
		return false
	}

	prev := t.Clone()
	now := s.now().UTC()
	t.Status = StatusInProgress
	t.AssignedTo = agent
	t.UpdatedAt = now
	t.StartedAt = &now
	if err := s.save(); err != nil {
		s.data[id] = prev
		s.logger.Error("Failed to persist ticket claim", zap.String("ticket_id", id), zap.Error(err))
		return false
	}
	metrics.RecordTicketOperation("claim", documentBackend)
	s.logger.Info("Ticket claimed",
		zap.String("ticket_id", id),
		zap.String("agent", agent),
	)
	return true
}

// Backup snapshots the full store.
func (s *DocumentStore) Backup() (*Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &Backup{TakenAt: s.now().UTC(), NextID: s.nextID}
	for _, t := range s.data {
		b.Tickets = append(b.Tickets, t.Clone())
	}
	return b, nil
}

// Restore replaces the store contents with the snapshot.
func (s *DocumentStore) Restore(b *Backup) error {
	if b == nil {
		return fmt.Errorf("nil backup")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make(map[string]*Ticket, len(b.Tickets))
	nextID := b.NextID
	if nextID < 1 {
		nextID = 1
	}
	for _, t := range b.Tickets {
		data[t.ID] = t.Clone()
		if n, err := strconv.ParseInt(t.ID, 10, 64); err == nil && n >= nextID {
			nextID = n + 1
		}
	}
	prevData, prevNext := s.data, s.nextID
	s.data, s.nextID = data, nextID
	if err := s.save(); err != nil {
		s.data, s.nextID = prevData, prevNext
		return err
	}
	return nil
}

// Close persists the final state.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// applyStatusTimestamps fills started_at / completed_at on status changes.
func applyStatusTimestamps(prev, next *Ticket, now time.Time) {
	if prev.Status != next.Status {
		switch next.Status {
		case StatusInProgress:
			if next.StartedAt == nil {
				next.StartedAt = &now
			}
		case StatusResolved, StatusClosed:
			if next.CompletedAt == nil {
				next.CompletedAt = &now
			}
		}
	}
}
