package memory

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/metrics"
)

// PromotionAccessThreshold is the access count a WARM item needs to be
// promoted into shared COOL when its session closes.
const PromotionAccessThreshold = 3

// Default caps for the shared COOL tier.
const (
	DefaultMaxCoolItems  = 100
	DefaultMaxCoolTokens = 50000
)

// SharedTiers holds the process-wide COOL and COLD tiers. Sessions read from
// them and promote into COOL only at close; COOL overflow demotes the
// coolest items into COLD.
type SharedTiers struct {
	mu         sync.RWMutex
	cool       map[string]*Item
	cold       map[string]*Item
	coolTokens int

	maxCoolItems  int
	maxCoolTokens int
	logger        *zap.Logger
	now           func() time.Time
}

// NewSharedTiers creates empty shared tiers. Non-positive caps select the
// defaults.
func NewSharedTiers(maxItems, maxTokens int, logger *zap.Logger) *SharedTiers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxCoolItems
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxCoolTokens
	}
	return &SharedTiers{
		cool:          make(map[string]*Item),
		cold:          make(map[string]*Item),
		maxCoolItems:  maxItems,
		maxCoolTokens: maxTokens,
		logger:        logger,
		now:           time.Now,
	}
}

// Promote inserts items into shared COOL, evicting the coolest existing
// entries into COLD while either cap is exceeded. Returns how many items
// were inserted.
func (st *SharedTiers) Promote(items []*Item) int {
	if len(items) == 0 {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	inserted := 0
	for _, item := range items {
		if item == nil || item.ID == "" {
			continue
		}
		if _, ok := st.cool[item.ID]; ok {
			continue
		}
		item.Tier = TierCool
		st.cool[item.ID] = item
		st.coolTokens += item.TokenCount
		inserted++
	}
	for (len(st.cool) > st.maxCoolItems || st.coolTokens > st.maxCoolTokens) && len(st.cool) > 0 {
		st.evictCoolest()
	}

	metrics.MemoryPromotions.Add(float64(inserted))
	st.updateGauges()
	return inserted
}

// Get finds an item in COOL then COLD, bumping access bookkeeping.
func (st *SharedTiers) Get(itemID string) (Item, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if item, ok := st.cool[itemID]; ok {
		item.AccessCount++
		item.LastAccessed = st.now()
		return *item, true
	}
	if item, ok := st.cold[itemID]; ok {
		item.AccessCount++
		item.LastAccessed = st.now()
		return *item, true
	}
	return Item{}, false
}

// Stats reports COOL and COLD sizes.
func (st *SharedTiers) Stats() map[Tier]TierStats {
	st.mu.RLock()
	defer st.mu.RUnlock()
	coldTokens := 0
	for _, item := range st.cold {
		coldTokens += item.TokenCount
	}
	return map[Tier]TierStats{
		TierCool: {Items: len(st.cool), Tokens: st.coolTokens},
		TierCold: {Items: len(st.cold), Tokens: coldTokens},
	}
}

// evictCoolest demotes the COOL item with the lexicographically smallest
// (last_accessed, access_count) into COLD. Callers hold st.mu.
func (st *SharedTiers) evictCoolest() {
	var victim *Item
	for _, item := range st.cool {
		if victim == nil {
			victim = item
			continue
		}
		if item.LastAccessed.Before(victim.LastAccessed) ||
			(item.LastAccessed.Equal(victim.LastAccessed) && item.AccessCount < victim.AccessCount) {
			victim = item
		}
	}
	if victim == nil {
		return
	}
	delete(st.cool, victim.ID)
	st.coolTokens -= victim.TokenCount
	victim.Tier = TierCold
	st.cold[victim.ID] = victim

	metrics.MemoryEvictions.WithLabelValues(string(TierCool)).Inc()
	st.logger.Debug("Evicted shared COOL item to COLD",
		zap.String("item_id", victim.ID),
		zap.Time("last_accessed", victim.LastAccessed),
		zap.Int("access_count", victim.AccessCount),
	)
}

func (st *SharedTiers) updateGauges() {
	metrics.MemoryTierItems.WithLabelValues(string(TierCool)).Set(float64(len(st.cool)))
	metrics.MemoryTierItems.WithLabelValues(string(TierCold)).Set(float64(len(st.cold)))
}

// CloseStats reports what happened to a session's memory at close.
type CloseStats struct {
	Promoted int `json:"promoted"`
	Dropped  int `json:"dropped"`
}

// Manager owns the shared tiers and builds per-session stores.
type Manager struct {
	shared *SharedTiers
	logger *zap.Logger
}

// Options configures a memory Manager.
type Options struct {
	MaxCoolItems  int
	MaxCoolTokens int
}

// NewManager creates a Manager with its shared tiers.
func NewManager(logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		shared: NewSharedTiers(opts.MaxCoolItems, opts.MaxCoolTokens, logger),
		logger: logger,
	}
}

// Shared exposes the process-wide tiers.
func (m *Manager) Shared() *SharedTiers { return m.shared }

// NewStore builds the tiered store for one session.
func (m *Manager) NewStore(sessionID string, budget Budget) *Store {
	return NewStore(sessionID, budget, m.logger)
}

// CloseStore runs the end-of-session promotion pass: WARM items accessed at
// least PromotionAccessThreshold times move into shared COOL; everything
// else is dropped with the store.
func (m *Manager) CloseStore(s *Store) CloseStats {
	if s == nil {
		return CloseStats{}
	}
	var promote []*Item
	dropped := 0
	for _, item := range s.tiers[TierWarm] {
		if item.AccessCount >= PromotionAccessThreshold {
			promote = append(promote, item)
		} else {
			dropped++
		}
	}
	promoted := m.shared.Promote(promote)
	dropped += len(promote) - promoted

	m.logger.Info("Session memory closed",
		zap.String("session_id", s.sessionID),
		zap.Int("promoted", promoted),
		zap.Int("dropped", dropped),
	)
	return CloseStats{Promoted: promoted, Dropped: dropped}
}
