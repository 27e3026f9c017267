package memory

import (
	"container/list"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Budget is the borrowed budget surface the store charges HOT content
// against. budget.Handle satisfies it.
type Budget interface {
	Consume(n int) bool
	Release(n int)
}

// Store is the tiered memory of a single session. It holds five disjoint
// tier maps plus an LRU list over HOT.
//
// A Store has no internal lock: it is owned by exactly one session task and
// callers guarantee single-goroutine access. The shared tiers it promotes
// into at close are separately locked (see SharedTiers).
type Store struct {
	sessionID string
	budget    Budget
	tiers     map[Tier]map[string]*Item

	// hotLRU front is the most recently used HOT item; eviction pops from
	// the back. hotElem indexes list elements by item id.
	hotLRU  *list.List
	hotElem map[string]*list.Element

	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates an empty store bound to a session budget.
func NewStore(sessionID string, budget Budget, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	tiers := make(map[Tier]map[string]*Item, len(Tiers))
	for _, t := range Tiers {
		tiers[t] = make(map[string]*Item)
	}
	return &Store{
		sessionID: sessionID,
		budget:    budget,
		tiers:     tiers,
		hotLRU:    list.New(),
		hotElem:   make(map[string]*list.Element),
		logger:    logger,
		now:       time.Now,
	}
}

// SessionID returns the owning session id.
func (s *Store) SessionID() string { return s.sessionID }

// Store places item into the tier named by item.Tier (HOT when unset).
// Storing into HOT consumes item.TokenCount from the budget; if the budget
// refuses, the store demotes HOT items oldest-first to WARM until the
// consumption succeeds. If the budget still refuses with HOT empty, the
// demotions are rolled back, the item is not stored, and Store returns
// false with the tiers and budget untouched.
func (s *Store) Store(item *Item) bool {
	if item == nil {
		return false
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if !item.Tier.Valid() {
		item.Tier = TierHot
	}
	if _, exists := s.find(item.ID); exists {
		return false
	}

	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.LastAccessed.IsZero() {
		item.LastAccessed = now
	}

	if item.Tier == TierHot {
		if !s.makeHotRoom(item.TokenCount) {
			s.logger.Debug("Hot store rejected, budget exhausted",
				zap.String("session_id", s.sessionID),
				zap.String("item_id", item.ID),
				zap.Int("token_count", item.TokenCount),
			)
			return false
		}
		s.hotElem[item.ID] = s.hotLRU.PushFront(item.ID)
	}
	s.tiers[item.Tier][item.ID] = item
	return true
}

// Retrieve finds an item in any tier, hottest-first, bumping its access
// bookkeeping. HOT hits refresh LRU position. The returned Item is a copy.
func (s *Store) Retrieve(itemID string) (Item, bool) {
	item, ok := s.find(itemID)
	if !ok {
		return Item{}, false
	}
	s.touch(item)
	return *item, true
}

// RetrieveFrom is Retrieve restricted to one tier.
func (s *Store) RetrieveFrom(tier Tier, itemID string) (Item, bool) {
	item, ok := s.tiers[tier][itemID]
	if !ok {
		return Item{}, false
	}
	s.touch(item)
	return *item, true
}

// PromoteToHot moves an item from a colder tier into HOT, consuming its
// tokens from the budget with the same eviction behavior as Store.
func (s *Store) PromoteToHot(itemID string) bool {
	item, ok := s.find(itemID)
	if !ok || item.Tier == TierHot {
		return false
	}
	if !s.makeHotRoom(item.TokenCount) {
		return false
	}
	delete(s.tiers[item.Tier], itemID)
	item.Tier = TierHot
	s.tiers[TierHot][itemID] = item
	s.hotElem[itemID] = s.hotLRU.PushFront(itemID)
	s.touch(item)
	return true
}

// DemoteFromHot moves a HOT item to the target tier (WARM when target is
// empty or invalid) and releases its tokens back to the budget. It fails
// only when the item is not in HOT.
func (s *Store) DemoteFromHot(itemID string, target Tier) bool {
	item, ok := s.tiers[TierHot][itemID]
	if !ok {
		return false
	}
	if target == TierHot || !target.Valid() {
		target = TierWarm
	}
	s.removeFromHot(item)
	item.Tier = target
	s.tiers[target][itemID] = item
	return true
}

// GetHotContext concatenates HOT content in LRU order, least recently used
// first, so the most recent context reads last.
func (s *Store) GetHotContext() string {
	if s.hotLRU.Len() == 0 {
		return ""
	}
	parts := make([]string, 0, s.hotLRU.Len())
	for e := s.hotLRU.Back(); e != nil; e = e.Prev() {
		id := e.Value.(string)
		if item, ok := s.tiers[TierHot][id]; ok {
			parts = append(parts, item.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// HotTokens sums the token counts currently held in HOT.
func (s *Store) HotTokens() int {
	total := 0
	for _, item := range s.tiers[TierHot] {
		total += item.TokenCount
	}
	return total
}

// WarmKeys returns the ids currently held in WARM.
func (s *Store) WarmKeys() []string {
	keys := make([]string, 0, len(s.tiers[TierWarm]))
	for id := range s.tiers[TierWarm] {
		keys = append(keys, id)
	}
	return keys
}

// GetTierStats reports item and token counts per tier.
func (s *Store) GetTierStats() map[Tier]TierStats {
	stats := make(map[Tier]TierStats, len(Tiers))
	for _, t := range Tiers {
		ts := TierStats{Items: len(s.tiers[t])}
		for _, item := range s.tiers[t] {
			ts.Tokens += item.TokenCount
		}
		stats[t] = ts
	}
	return stats
}

// makeHotRoom consumes tokens from the budget, demoting HOT items
// oldest-first to WARM until the consumption succeeds. When the budget
// still refuses with HOT exhausted, the demotions are rolled back so a
// failed call leaves the store unchanged.
func (s *Store) makeHotRoom(tokens int) bool {
	if s.budget.Consume(tokens) {
		return true
	}
	var victims []*Item
	for s.hotLRU.Len() > 0 {
		oldest := s.hotLRU.Back()
		victimID := oldest.Value.(string)
		victim := s.tiers[TierHot][victimID]
		if !s.DemoteFromHot(victimID, TierWarm) {
			break
		}
		victims = append(victims, victim)
		s.logger.Debug("Evicted HOT item to WARM",
			zap.String("session_id", s.sessionID),
			zap.String("item_id", victimID),
		)
		if s.budget.Consume(tokens) {
			return true
		}
	}
	s.undoDemotions(victims)
	return false
}

// undoDemotions moves demoted items back into HOT, re-consuming their
// released tokens. Victims were taken oldest-first from the LRU back, so
// pushing them back in reverse order restores the original order.
func (s *Store) undoDemotions(victims []*Item) {
	for i := len(victims) - 1; i >= 0; i-- {
		item := victims[i]
		delete(s.tiers[item.Tier], item.ID)
		item.Tier = TierHot
		s.tiers[TierHot][item.ID] = item
		s.hotElem[item.ID] = s.hotLRU.PushBack(item.ID)
		// The consume mirrors the release done by the demotion, so it
		// cannot fail.
		s.budget.Consume(item.TokenCount)
	}
}

// removeFromHot drops the item from the HOT map and LRU and releases its
// tokens.
func (s *Store) removeFromHot(item *Item) {
	delete(s.tiers[TierHot], item.ID)
	if elem, ok := s.hotElem[item.ID]; ok {
		s.hotLRU.Remove(elem)
		delete(s.hotElem, item.ID)
	}
	s.budget.Release(item.TokenCount)
}

func (s *Store) find(itemID string) (*Item, bool) {
	for _, t := range Tiers {
		if item, ok := s.tiers[t][itemID]; ok {
			return item, true
		}
	}
	return nil, false
}

func (s *Store) touch(item *Item) {
	item.AccessCount++
	item.LastAccessed = s.now()
	if item.Tier == TierHot {
		if elem, ok := s.hotElem[item.ID]; ok {
			s.hotLRU.MoveToFront(elem)
		}
	}
}
