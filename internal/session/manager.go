package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/budget"
	"github.com/fastband-ai/fastband/internal/events"
	"github.com/fastband-ai/fastband/internal/knowledge"
	"github.com/fastband-ai/fastband/internal/memory"
	"github.com/fastband-ai/fastband/internal/metrics"
)

// Manager is the registry of live sessions. Creation and close wire the
// budget, memory, and knowledge components together; everything in
// between goes through the Session itself.
type Manager struct {
	budgets   *budget.Manager
	memories  *memory.Manager
	knowledge *knowledge.Manager // nil disables context persistence
	bus       *events.Bus        // nil disables lifecycle events
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a session manager over the given components.
// knowledgeMgr and bus may be nil.
func NewManager(budgets *budget.Manager, memories *memory.Manager, knowledgeMgr *knowledge.Manager, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		budgets:   budgets,
		memories:  memories,
		knowledge: knowledgeMgr,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// Create starts a session for the agent with the given base token
// allocation. An empty id generates one. A previously persisted knowledge
// context for the same id is restored.
func (m *Manager) Create(agentName, id string, baseTokens int) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	m.mu.Unlock()

	if _, err := m.budgets.Create(agentName, id, baseTokens); err != nil {
		return nil, err
	}
	handle := m.budgets.Handle(id)
	store := m.memories.NewStore(id, handle)

	sc := &knowledge.SessionContext{
		SessionID: id,
		AgentName: agentName,
		StartedAt: m.now().UTC(),
	}
	if m.knowledge != nil {
		if restored, ok := m.knowledge.LoadSessionContext(id); ok {
			sc = restored
			m.logger.Info("Session context restored",
				zap.String("session_id", id),
				zap.Int("discoveries", len(sc.SessionDiscoveries)),
			)
		}
	}

	sess := &Session{
		ID:        id,
		AgentName: agentName,
		StartedAt: m.now().UTC(),
		Budget:    handle,
		Memory:    store,
		Context:   sc,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	active := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(active))
	m.logger.Info("Session created",
		zap.String("session_id", id),
		zap.String("agent", agentName),
		zap.Int("base_tokens", baseTokens),
	)
	m.publish(events.AgentStarted, map[string]any{
		"session_id": id,
		"agent":      agentName,
	})
	return sess, nil
}

// Get returns the live session, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns the ids of all live sessions.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Close ends a session: memory store closes first (WARM promotion into
// the shared tiers), then the budget (usage summary), then the knowledge
// context persists. Unknown ids return (zero, false).
func (m *Manager) Close(id string) (CloseSummary, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return CloseSummary{}, false
	}
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()

	memStats := m.memories.CloseStore(sess.Memory)
	budgetSummary, _ := m.budgets.CloseSession(id)
	if m.knowledge != nil && sess.Context != nil {
		if err := m.knowledge.SaveSessionContext(sess.Context); err != nil {
			m.logger.Warn("Failed to persist session context",
				zap.String("session_id", id), zap.Error(err))
		}
	}

	summary := CloseSummary{
		SessionID: id,
		AgentName: sess.AgentName,
		Duration:  m.now().Sub(sess.StartedAt),
		Budget:    budgetSummary,
		Memory:    memStats,
	}

	metrics.SessionsActive.Set(float64(active))
	m.logger.Info("Session closed",
		zap.String("session_id", id),
		zap.String("agent", sess.AgentName),
		zap.Duration("duration", summary.Duration),
		zap.Int("memories_promoted", memStats.Promoted),
	)
	m.publish(events.AgentStopped, map[string]any{
		"session_id": id,
		"agent":      sess.AgentName,
	})
	return summary, true
}

// CloseAll ends every live session, returning their summaries.
func (m *Manager) CloseAll() []CloseSummary {
	var out []CloseSummary
	for _, id := range m.List() {
		if summary, ok := m.Close(id); ok {
			out = append(out, summary)
		}
	}
	return out
}

func (m *Manager) publish(t events.Type, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(events.New(t, payload)); err != nil {
		m.logger.Warn("Failed to publish session event", zap.Error(err))
	}
}
