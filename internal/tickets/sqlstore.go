package tickets

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fastband-ai/fastband/internal/metrics"
)

const sqlBackend = "sql"

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL DEFAULT '',
	priority     TEXT NOT NULL,
	status       TEXT NOT NULL,
	assigned_to  TEXT NOT NULL DEFAULT '',
	labels       TEXT NOT NULL DEFAULT '[]',
	sections     TEXT NOT NULL DEFAULT '{}',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	started_at   TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
CREATE INDEX IF NOT EXISTS idx_tickets_priority ON tickets(priority);
CREATE INDEX IF NOT EXISTS idx_tickets_assigned_to ON tickets(assigned_to);
CREATE TABLE IF NOT EXISTS ticket_meta (
	name    TEXT PRIMARY KEY,
	next_id INTEGER NOT NULL
);
`

// ticketRow is the sqlx-scanned shape of a ticket.
type ticketRow struct {
	ID          string       `db:"id"`
	Title       string       `db:"title"`
	Description string       `db:"description"`
	Type        string       `db:"type"`
	Priority    string       `db:"priority"`
	Status      string       `db:"status"`
	AssignedTo  string       `db:"assigned_to"`
	Labels      string       `db:"labels"`
	Sections    string       `db:"sections"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	StartedAt   sql.NullTime `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (r *ticketRow) ticket() *Ticket {
	t := &Ticket{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Type:        r.Type,
		Priority:    Priority(r.Priority),
		Status:      Status(r.Status),
		AssignedTo:  r.AssignedTo,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(r.Labels), &t.Labels)
	_ = json.Unmarshal([]byte(r.Sections), &t.Sections)
	if r.StartedAt.Valid {
		v := r.StartedAt.Time
		t.StartedAt = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		t.CompletedAt = &v
	}
	return t
}

func rowArgs(t *Ticket) (labels, sections string) {
	lb, _ := json.Marshal(t.Labels)
	if t.Labels == nil {
		lb = []byte("[]")
	}
	sc, _ := json.Marshal(t.Sections)
	if t.Sections == nil {
		sc = []byte("{}")
	}
	return string(lb), string(sc)
}

// SQLStore is the indexed ticket backend: one row per ticket, secondary
// indexes on status/priority/assigned_to, a meta row carrying the monotonic
// next_id, and every mutation wrapped in a transaction. The default driver
// is sqlite3 (tickets.db on disk, ":memory:" in tests); postgres works
// through the same queries via sqlx rebinding.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLStore opens the database, applies the schema, and seeds the next_id
// row when missing.
func NewSQLStore(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if driver == "" {
		driver = "sqlite3"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ticket db: %w", err)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers on a single connection; this keeps
		// racing claims on one native lock instead of SQLITE_BUSY errors.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ticket db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ticket schema: %w", err)
	}

	s := &SQLStore{db: db, logger: logger, now: time.Now}
	if err := s.seedNextID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) seedNextID() error {
	return s.withTx(func(tx *sqlx.Tx) error {
		var n int64
		err := tx.Get(&n, tx.Rebind(`SELECT next_id FROM ticket_meta WHERE name = ?`), "tickets")
		if err == sql.ErrNoRows {
			_, err = tx.Exec(tx.Rebind(`INSERT INTO ticket_meta (name, next_id) VALUES (?, ?)`), "tickets", 1)
		}
		return err
	})
}

// withTx runs fn inside a transaction with rollback on error or panic.
func (s *SQLStore) withTx(fn func(*sqlx.Tx) error) (err error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// Create stores a new ticket, allocating the next monotonic id when absent.
func (s *SQLStore) Create(t *Ticket) (*Ticket, error) {
	if t == nil {
		return nil, fmt.Errorf("nil ticket")
	}
	stored := t.Clone()
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = StatusOpen
	}
	if stored.Priority == "" {
		stored.Priority = PriorityMedium
	}

	err := s.withTx(func(tx *sqlx.Tx) error {
		if stored.ID == "" {
			var n int64
			if err := tx.Get(&n, tx.Rebind(`SELECT next_id FROM ticket_meta WHERE name = ?`), "tickets"); err != nil {
				return err
			}
			stored.ID = strconv.FormatInt(n, 10)
			if _, err := tx.Exec(tx.Rebind(`UPDATE ticket_meta SET next_id = ? WHERE name = ?`), n+1, "tickets"); err != nil {
				return err
			}
		} else {
			var exists int
			if err := tx.Get(&exists, tx.Rebind(`SELECT COUNT(1) FROM tickets WHERE id = ?`), stored.ID); err != nil {
				return err
			}
			if exists > 0 {
				return ErrDuplicateID
			}
			if n, perr := strconv.ParseInt(stored.ID, 10, 64); perr == nil {
				if _, err := tx.Exec(tx.Rebind(
					`UPDATE ticket_meta SET next_id = ? WHERE name = ? AND next_id <= ?`), n+1, "tickets", n); err != nil {
					return err
				}
			}
		}
		labels, sections := rowArgs(stored)
		_, err := tx.Exec(tx.Rebind(`
			INSERT INTO tickets (id, title, description, type, priority, status,
				assigned_to, labels, sections, created_at, updated_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			stored.ID, stored.Title, stored.Description, stored.Type,
			string(stored.Priority), string(stored.Status), stored.AssignedTo,
			labels, sections, stored.CreatedAt, stored.UpdatedAt,
			nullTime(stored.StartedAt), nullTime(stored.CompletedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTicketOperation("create", sqlBackend)
	s.logger.Info("Ticket created",
		zap.String("ticket_id", stored.ID),
		zap.String("priority", string(stored.Priority)),
	)
	return stored, nil
}

// Get returns the ticket, ok=false when unknown.
func (s *SQLStore) Get(id string) (*Ticket, bool) {
	var row ticketRow
	err := s.db.Get(&row, s.db.Rebind(`SELECT * FROM tickets WHERE id = ?`), id)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Warn("Ticket get failed", zap.String("ticket_id", id), zap.Error(err))
		}
		return nil, false
	}
	return row.ticket(), true
}

// Update replaces the stored ticket after validating the transition.
func (s *SQLStore) Update(t *Ticket) bool {
	if t == nil || t.ID == "" {
		return false
	}
	ok := false
	err := s.withTx(func(tx *sqlx.Tx) error {
		var row ticketRow
		if err := tx.Get(&row, tx.Rebind(`SELECT * FROM tickets WHERE id = ?`), t.ID); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		prev := row.ticket()
		if err := ValidateTransition(prev.Status, t.Status, t.AssignedTo); err != nil {
			s.logger.Warn("Ticket update rejected",
				zap.String("ticket_id", t.ID),
				zap.String("from", string(prev.Status)),
				zap.String("to", string(t.Status)),
				zap.Error(err),
			)
			return nil
		}
		stored := t.Clone()
		stored.CreatedAt = prev.CreatedAt
		stored.UpdatedAt = s.now().UTC()
		if stored.UpdatedAt.Before(prev.UpdatedAt) {
			stored.UpdatedAt = prev.UpdatedAt.Add(time.Nanosecond)
		}
		applyStatusTimestamps(prev, stored, stored.UpdatedAt)

		labels, sections := rowArgs(stored)
		_, err := tx.Exec(tx.Rebind(`
			UPDATE tickets SET title=?, description=?, type=?, priority=?, status=?,
				assigned_to=?, labels=?, sections=?, updated_at=?, started_at=?, completed_at=?
			WHERE id=?`),
			stored.Title, stored.Description, stored.Type, string(stored.Priority),
			string(stored.Status), stored.AssignedTo, labels, sections,
			stored.UpdatedAt, nullTime(stored.StartedAt), nullTime(stored.CompletedAt), stored.ID)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		s.logger.Error("Ticket update failed", zap.String("ticket_id", t.ID), zap.Error(err))
		return false
	}
	if ok {
		metrics.RecordTicketOperation("update", sqlBackend)
	}
	return ok
}

// Delete removes the ticket.
func (s *SQLStore) Delete(id string) bool {
	ok := false
	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(tx.Rebind(`DELETE FROM tickets WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		ok = n == 1
		return nil
	})
	if err != nil {
		s.logger.Error("Ticket delete failed", zap.String("ticket_id", id), zap.Error(err))
		return false
	}
	if ok {
		metrics.RecordTicketOperation("delete", sqlBackend)
	}
	return ok
}

// List returns matching tickets sorted by (priority, created_at). Index
// columns filter in SQL; label filtering happens in memory.
func (s *SQLStore) List(f ListFilter) []*Ticket {
	query := `SELECT * FROM tickets WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(f.Priority))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, f.AssignedTo)
	}

	var rows []ticketRow
	if err := s.db.Select(&rows, s.db.Rebind(query), args...); err != nil {
		s.logger.Warn("Ticket list failed", zap.Error(err))
		return nil
	}
	matched := make([]*Ticket, 0, len(rows))
	for i := range rows {
		t := rows[i].ticket()
		if len(f.Labels) > 0 && !f.matches(t) {
			continue
		}
		matched = append(matched, t)
	}
	sortTickets(matched)
	return page(matched, f.Limit, f.Offset)
}

// Search does substring matching over the given fields.
func (s *SQLStore) Search(query string, fields []string) []*Ticket {
	if query == "" {
		return nil
	}
	if len(fields) == 0 {
		fields = DefaultSearchFields
	}
	var rows []ticketRow
	if err := s.db.Select(&rows, `SELECT * FROM tickets`); err != nil {
		s.logger.Warn("Ticket search failed", zap.Error(err))
		return nil
	}
	var matched []*Ticket
	for i := range rows {
		t := rows[i].ticket()
		if matchesQuery(t, query, fields) {
			matched = append(matched, t)
		}
	}
	sortTickets(matched)
	return matched
}

// Count tallies tickets matching the optional status and priority.
func (s *SQLStore) Count(status Status, priority Priority) int {
	query := `SELECT COUNT(1) FROM tickets WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(priority))
	}
	var n int
	if err := s.db.Get(&n, s.db.Rebind(query), args...); err != nil {
		s.logger.Warn("Ticket count failed", zap.Error(err))
		return 0
	}
	return n
}

// NextID returns the id the next Create would assign.
func (s *SQLStore) NextID() string {
	var n int64
	if err := s.db.Get(&n, s.db.Rebind(`SELECT next_id FROM ticket_meta WHERE name = ?`), "tickets"); err != nil {
		s.logger.Warn("next_id read failed", zap.Error(err))
		return ""
	}
	return strconv.FormatInt(n, 10)
}

// Claim atomically transitions an open ticket to in_progress. The guarded
// UPDATE is the serialization point: the database commits exactly one
// winner for any set of racing claims.
func (s *SQLStore) Claim(id, agent string) bool {
	if agent == "" {
		return false
	}
	now := s.now().UTC()
	won := false
	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(tx.Rebind(`
			UPDATE tickets SET status=?, assigned_to=?, updated_at=?, started_at=?
			WHERE id=? AND status=?`),
			string(StatusInProgress), agent, now, now, id, string(StatusOpen))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		won = n == 1
		return nil
	})
	if err != nil {
		s.logger.Error("Ticket claim failed", zap.String("ticket_id", id), zap.Error(err))
		return false
	}
	if !won {
		metrics.TicketClaimConflicts.Inc()
		return false
	}
	metrics.RecordTicketOperation("claim", sqlBackend)
	s.logger.Info("Ticket claimed",
		zap.String("ticket_id", id),
		zap.String("agent", agent),
	)
	return true
}

// Backup snapshots the full store.
func (s *SQLStore) Backup() (*Backup, error) {
	b := &Backup{TakenAt: s.now().UTC()}
	err := s.withTx(func(tx *sqlx.Tx) error {
		if err := tx.Get(&b.NextID, tx.Rebind(`SELECT next_id FROM ticket_meta WHERE name = ?`), "tickets"); err != nil {
			return err
		}
		var rows []ticketRow
		if err := tx.Select(&rows, `SELECT * FROM tickets`); err != nil {
			return err
		}
		for i := range rows {
			b.Tickets = append(b.Tickets, rows[i].ticket())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Restore replaces the store contents with the snapshot.
func (s *SQLStore) Restore(b *Backup) error {
	if b == nil {
		return fmt.Errorf("nil backup")
	}
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM tickets`); err != nil {
			return err
		}
		nextID := b.NextID
		if nextID < 1 {
			nextID = 1
		}
		for _, t := range b.Tickets {
			labels, sections := rowArgs(t)
			if _, err := tx.Exec(tx.Rebind(`
				INSERT INTO tickets (id, title, description, type, priority, status,
					assigned_to, labels, sections, created_at, updated_at, started_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				t.ID, t.Title, t.Description, t.Type, string(t.Priority), string(t.Status),
				t.AssignedTo, labels, sections, t.CreatedAt, t.UpdatedAt,
				nullTime(t.StartedAt), nullTime(t.CompletedAt)); err != nil {
				return err
			}
			if n, err := strconv.ParseInt(t.ID, 10, 64); err == nil && n >= nextID {
				nextID = n + 1
			}
		}
		_, err := tx.Exec(tx.Rebind(`UPDATE ticket_meta SET next_id = ? WHERE name = ?`), nextID, "tickets")
		return err
	})
}

// Close releases the connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
