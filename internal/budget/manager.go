package budget

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/metrics"
)

// Tier is the expansion level of a session budget. Tiers only move forward:
// base -> expanded -> critical.
type Tier string

const (
	TierBase     Tier = "base"
	TierExpanded Tier = "expanded"
	TierCritical Tier = "critical"
)

// Expansion multipliers applied to the current allocation when a session
// moves up one tier. The critical tier is a hard ceiling.
const (
	baseExpansionFactor     = 1.5
	expandedExpansionFactor = 1.25
)

// Handoff thresholds as a fraction of the current allocation. Both are
// inclusive: a budget sitting exactly on the line reports true.
const (
	ShouldHandoffRatio = 0.60
	MustHandoffRatio   = 0.80
)

// DefaultAllocation is used when Create is called with a non-positive base.
const DefaultAllocation = 10000

// DefaultExpansionCap limits how many times a single session may expand.
const DefaultExpansionCap = 3

// ErrBudgetExists is returned when creating a budget for a session that
// already has one.
var ErrBudgetExists = errors.New("budget already exists for session")

// TokenBudget is the per-session budget state. All token fields are counted
// in tokens, never bytes or characters.
type TokenBudget struct {
	AgentName      string    `json:"agent_name"`
	SessionID      string    `json:"session_id"`
	Allocated      int       `json:"allocated"`
	Used           int       `json:"used"`
	Peak           int       `json:"peak"`
	ExpansionCount int       `json:"expansion_count"`
	Tier           Tier      `json:"tier"`
	CreatedAt      time.Time `json:"created_at"`
}

// Snapshot is a point-in-time copy of a budget, safe to hold without locks.
// Handoff packets embed snapshots by value.
type Snapshot struct {
	AgentName      string  `json:"agent_name"`
	SessionID      string  `json:"session_id"`
	Allocated      int     `json:"allocated"`
	Used           int     `json:"used"`
	Peak           int     `json:"peak"`
	ExpansionCount int     `json:"expansion_count"`
	Tier           Tier    `json:"tier"`
	UsagePct       float64 `json:"usage_pct"`
}

// ShouldHandoff reports whether usage has crossed the soft handoff line.
func (s Snapshot) ShouldHandoff() bool {
	return float64(s.Used) >= ShouldHandoffRatio*float64(s.Allocated)
}

// MustHandoff reports whether usage has crossed the hard handoff line.
func (s Snapshot) MustHandoff() bool {
	return float64(s.Used) >= MustHandoffRatio*float64(s.Allocated)
}

// Summary is returned by CloseSession once per session.
type Summary struct {
	SessionID      string        `json:"session_id"`
	AgentName      string        `json:"agent_name"`
	Used           int           `json:"used"`
	Peak           int           `json:"peak"`
	ExpansionCount int           `json:"expansion_count"`
	FinalTier      Tier          `json:"final_tier"`
	Duration       time.Duration `json:"duration"`
}

// TotalUsage aggregates every open budget.
type TotalUsage struct {
	Sessions  int `json:"sessions"`
	Allocated int `json:"allocated"`
	Used      int `json:"used"`
	Peak      int `json:"peak"`
}

// entry pairs a budget with its own lock so contention stays per-session.
type entry struct {
	mu     sync.Mutex
	budget TokenBudget
}

// Options configures a Manager.
type Options struct {
	// DefaultAllocation is applied when Create receives base <= 0.
	DefaultAllocation int
	// ExpansionCap bounds ExpansionCount per session.
	ExpansionCap int
}

// Manager tracks token budgets for all active sessions.
//
// Lock ordering: mu (the budget map) is always acquired before an entry
// lock, and no entry lock is ever held while acquiring mu. Per-budget
// operations take mu only long enough to find the entry, then work under
// the entry lock, so sessions do not contend with each other.
type Manager struct {
	mu      sync.RWMutex
	budgets map[string]*entry

	defaultAllocation int
	expansionCap      int
	logger            *zap.Logger
}

// NewManager creates a Manager with default options.
func NewManager(logger *zap.Logger) *Manager {
	return NewManagerWithOptions(logger, Options{})
}

// NewManagerWithOptions creates a Manager with explicit options.
func NewManagerWithOptions(logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultAllocation <= 0 {
		opts.DefaultAllocation = DefaultAllocation
	}
	if opts.ExpansionCap <= 0 {
		opts.ExpansionCap = DefaultExpansionCap
	}
	return &Manager{
		budgets:           make(map[string]*entry),
		defaultAllocation: opts.DefaultAllocation,
		expansionCap:      opts.ExpansionCap,
		logger:            logger,
	}
}

// Create registers a budget for a session. base <= 0 selects the manager
// default. Returns ErrBudgetExists if the session already has a budget.
func (m *Manager) Create(agent, session string, base int) (Snapshot, error) {
	if base <= 0 {
		base = m.defaultAllocation
	}

	m.mu.Lock()
	if _, ok := m.budgets[session]; ok {
		m.mu.Unlock()
		return Snapshot{}, ErrBudgetExists
	}
	e := &entry{budget: TokenBudget{
		AgentName: agent,
		SessionID: session,
		Allocated: base,
		Tier:      TierBase,
		CreatedAt: time.Now(),
	}}
	m.budgets[session] = e
	m.mu.Unlock()

	metrics.BudgetsActive.Inc()
	m.logger.Info("Budget created",
		zap.String("session_id", session),
		zap.String("agent", agent),
		zap.Int("allocated", base),
	)
	return snapshot(&e.budget), nil
}

// Consume charges n tokens against the session budget. It succeeds iff
// used+n <= allocated; on failure nothing changes. Unknown sessions and
// negative n return false.
func (m *Manager) Consume(session string, n int) bool {
	if n < 0 {
		return false
	}
	e := m.lookup(session)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.budget.Used+n > e.budget.Allocated {
		metrics.BudgetDenials.Inc()
		m.logger.Debug("Budget consume denied",
			zap.String("session_id", session),
			zap.Int("requested", n),
			zap.Int("used", e.budget.Used),
			zap.Int("allocated", e.budget.Allocated),
		)
		return false
	}
	e.budget.Used += n
	if e.budget.Used > e.budget.Peak {
		e.budget.Peak = e.budget.Used
	}
	metrics.BudgetTokensConsumed.Add(float64(n))
	return true
}

// Release returns n tokens to the session budget, clamping used at zero.
// Peak is a watermark and is never lowered. Non-positive n is a no-op.
func (m *Manager) Release(session string, n int) {
	if n <= 0 {
		return
	}
	e := m.lookup(session)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.budget.Used -= n
	if e.budget.Used < 0 {
		e.budget.Used = 0
	}
}

// TryExpand raises the allocation by the factor of the current tier and
// advances the tier. It fails at the critical tier (hard ceiling) and once
// the expansion cap is reached; on failure the allocation is unchanged.
func (m *Manager) TryExpand(session string) bool {
	e := m.lookup(session)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	b := &e.budget
	if b.ExpansionCount >= m.expansionCap {
		return false
	}

	var factor float64
	var next Tier
	switch b.Tier {
	case TierBase:
		factor, next = baseExpansionFactor, TierExpanded
	case TierExpanded:
		factor, next = expandedExpansionFactor, TierCritical
	default:
		return false
	}

	oldAllocated := b.Allocated
	b.Allocated = int(float64(b.Allocated) * factor)
	b.Tier = next
	b.ExpansionCount++

	metrics.BudgetExpansions.WithLabelValues(string(next)).Inc()
	m.logger.Info("Budget expanded",
		zap.String("session_id", session),
		zap.String("tier", string(next)),
		zap.Int("old_allocated", oldAllocated),
		zap.Int("new_allocated", b.Allocated),
		zap.Int("expansion_count", b.ExpansionCount),
	)
	return true
}

// Get returns a snapshot of the session budget.
func (m *Manager) Get(session string) (Snapshot, bool) {
	e := m.lookup(session)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.budget), true
}

// CloseSession removes the session budget and returns its summary. Closing
// an unknown or already-closed session returns ok=false; it never errors.
func (m *Manager) CloseSession(session string) (Summary, bool) {
	m.mu.Lock()
	e, ok := m.budgets[session]
	if ok {
		delete(m.budgets, session)
	}
	m.mu.Unlock()
	if !ok {
		return Summary{}, false
	}

	e.mu.Lock()
	sum := Summary{
		SessionID:      e.budget.SessionID,
		AgentName:      e.budget.AgentName,
		Used:           e.budget.Used,
		Peak:           e.budget.Peak,
		ExpansionCount: e.budget.ExpansionCount,
		FinalTier:      e.budget.Tier,
		Duration:       time.Since(e.budget.CreatedAt),
	}
	e.mu.Unlock()

	metrics.BudgetsActive.Dec()
	m.logger.Info("Budget closed",
		zap.String("session_id", session),
		zap.Int("used", sum.Used),
		zap.Int("peak", sum.Peak),
		zap.Int("expansions", sum.ExpansionCount),
		zap.String("final_tier", string(sum.FinalTier)),
		zap.Duration("duration", sum.Duration),
	)
	return sum, true
}

// GetTotalUsage aggregates all open budgets.
func (m *Manager) GetTotalUsage() TotalUsage {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.budgets))
	for _, e := range m.budgets {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var total TotalUsage
	total.Sessions = len(entries)
	for _, e := range entries {
		e.mu.Lock()
		total.Allocated += e.budget.Allocated
		total.Used += e.budget.Used
		total.Peak += e.budget.Peak
		e.mu.Unlock()
	}
	return total
}

// Handle binds Consume/Release to a single session so collaborators (the
// tiered memory store) can borrow the budget without naming the session on
// every call.
func (m *Manager) Handle(session string) Handle {
	return Handle{m: m, session: session}
}

// Handle is a session-bound view of the manager.
type Handle struct {
	m       *Manager
	session string
}

// Consume charges n tokens against the bound session.
func (h Handle) Consume(n int) bool { return h.m.Consume(h.session, n) }

// Release returns n tokens to the bound session.
func (h Handle) Release(n int) { h.m.Release(h.session, n) }

// Used reports current consumption for the bound session, 0 if closed.
func (h Handle) Used() int {
	snap, ok := h.m.Get(h.session)
	if !ok {
		return 0
	}
	return snap.Used
}

func (m *Manager) lookup(session string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.budgets[session]
}

// snapshot copies budget state; callers hold the entry lock (or, at
// creation, exclusive ownership).
func snapshot(b *TokenBudget) Snapshot {
	var pct float64
	if b.Allocated > 0 {
		pct = float64(b.Used) / float64(b.Allocated)
	}
	return Snapshot{
		AgentName:      b.AgentName,
		SessionID:      b.SessionID,
		Allocated:      b.Allocated,
		Used:           b.Used,
		Peak:           b.Peak,
		ExpansionCount: b.ExpansionCount,
		Tier:           b.Tier,
		UsagePct:       pct,
	}
}
