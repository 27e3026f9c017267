package memory

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/budget"
)

func TestCloseStore_PromotionThreshold(t *testing.T) {
	m := NewManager(zap.NewNop(), Options{})
	bm := budget.NewManager(zap.NewNop())
	bm.Create("agent", "s1", 1000)
	s := m.NewStore("s1", bm.Handle("s1"))

	s.Store(&Item{ID: "keep", Tier: TierWarm, Content: "k", AccessCount: 3})
	s.Store(&Item{ID: "drop", Tier: TierWarm, Content: "d", AccessCount: 2})
	s.Store(&Item{ID: "hot", Tier: TierHot, Content: "h", TokenCount: 10})

	stats := m.CloseStore(s)
	if stats.Promoted != 1 || stats.Dropped != 1 {
		t.Fatalf("close stats = %+v, want 1 promoted / 1 dropped", stats)
	}

	kept, ok := m.Shared().Get("keep")
	if !ok {
		t.Fatal("promoted item missing from shared tiers")
	}
	if kept.Tier != TierCool {
		t.Errorf("promoted tier = %s, want COOL", kept.Tier)
	}
	if _, ok := m.Shared().Get("drop"); ok {
		t.Error("under-threshold item should not be promoted")
	}
	if _, ok := m.Shared().Get("hot"); ok {
		t.Error("HOT items are not promoted at close")
	}
}

func TestSharedTiers_ItemCapEvictsToCold(t *testing.T) {
	st := NewSharedTiers(2, 0, zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	st.Promote([]*Item{
		{ID: "oldest", TokenCount: 10, LastAccessed: base, AccessCount: 5},
		{ID: "middle", TokenCount: 10, LastAccessed: base.Add(time.Hour), AccessCount: 5},
		{ID: "newest", TokenCount: 10, LastAccessed: base.Add(2 * time.Hour), AccessCount: 5},
	})

	stats := st.Stats()
	if stats[TierCool].Items != 2 || stats[TierCold].Items != 1 {
		t.Fatalf("stats = %+v, want 2 COOL / 1 COLD", stats)
	}
	evicted, ok := st.Get("oldest")
	if !ok || evicted.Tier != TierCold {
		t.Errorf("oldest item: ok=%v tier=%s, want COLD", ok, evicted.Tier)
	}
}

func TestSharedTiers_TokenCapEvictsToCold(t *testing.T) {
	st := NewSharedTiers(100, 50, zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	st.Promote([]*Item{
		{ID: "a", TokenCount: 30, LastAccessed: base},
		{ID: "b", TokenCount: 30, LastAccessed: base.Add(time.Hour)},
	})

	stats := st.Stats()
	if stats[TierCool].Items != 1 || stats[TierCool].Tokens != 30 {
		t.Fatalf("COOL stats = %+v, want 1 item / 30 tokens", stats[TierCool])
	}
	if stats[TierCold].Items != 1 {
		t.Errorf("COLD stats = %+v, want the evicted item", stats[TierCold])
	}
}

func TestSharedTiers_EvictionTieBrokenByAccessCount(t *testing.T) {
	st := NewSharedTiers(1, 0, zap.NewNop())
	same := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	st.Promote([]*Item{
		{ID: "rarely", LastAccessed: same, AccessCount: 1},
		{ID: "often", LastAccessed: same, AccessCount: 9},
	})

	evicted, _ := st.Get("rarely")
	if evicted.Tier != TierCold {
		t.Errorf("rarely-accessed item tier = %s, want COLD", evicted.Tier)
	}
	kept, _ := st.Get("often")
	if kept.Tier != TierCool {
		t.Errorf("often-accessed item tier = %s, want COOL", kept.Tier)
	}
}

func TestSharedTiers_GetBumpsAccess(t *testing.T) {
	st := NewSharedTiers(0, 0, zap.NewNop())
	st.Promote([]*Item{{ID: "x", AccessCount: 3}})

	got, ok := st.Get("x")
	if !ok {
		t.Fatal("item missing")
	}
	if got.AccessCount != 4 {
		t.Errorf("access count = %d, want 4", got.AccessCount)
	}
}

func TestSharedTiers_DefaultCaps(t *testing.T) {
	st := NewSharedTiers(0, 0, zap.NewNop())
	items := make([]*Item, 0, DefaultMaxCoolItems+5)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < DefaultMaxCoolItems+5; i++ {
		items = append(items, &Item{
			ID:           fmt.Sprintf("item-%03d", i),
			TokenCount:   1,
			LastAccessed: base.Add(time.Duration(i) * time.Minute),
		})
	}
	st.Promote(items)

	stats := st.Stats()
	if stats[TierCool].Items != DefaultMaxCoolItems {
		t.Errorf("COOL items = %d, want %d", stats[TierCool].Items, DefaultMaxCoolItems)
	}
	if stats[TierCold].Items != 5 {
		t.Errorf("COLD items = %d, want 5", stats[TierCold].Items)
	}
}
