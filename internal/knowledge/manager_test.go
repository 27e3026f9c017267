package knowledge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/providers"
)

func newTestManager(t *testing.T, embedder providers.EmbeddingProvider) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := NewManager(root, embedder, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, root
}

func memFor(id, app, title string, files, keywords []string) TicketMemory {
	return TicketMemory{
		TicketID:        id,
		App:             app,
		Title:           title,
		ProblemSummary:  title,
		SolutionSummary: "patched " + title,
		FilesModified:   files,
		Keywords:        keywords,
		TicketType:      "bugfix",
	}
}

func TestRecordResolutionPersists(t *testing.T) {
	m, root := newTestManager(t, nil)
	ctx := context.Background()

	mem := memFor("101", "billing", "payment timeout on retry",
		[]string{"billing/payments.go"}, nil)
	if err := m.RecordResolution(ctx, mem); err != nil {
		t.Fatalf("RecordResolution: %v", err)
	}

	// File lands at memory/tickets/<app>_<id>.json.
	path := filepath.Join(root, "memory", "tickets", "billing_101.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("memory file missing: %v", err)
	}
	var stored TicketMemory
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("memory file not JSON: %v", err)
	}
	if stored.ResolvedDate.IsZero() {
		t.Fatal("resolved_date should default to now")
	}
	if len(stored.Keywords) == 0 {
		t.Fatal("keywords should derive from title when absent")
	}

	// metadata.json reflects the index.
	raw, err = os.ReadFile(filepath.Join(root, "memory", "index", "metadata.json"))
	if err != nil {
		t.Fatalf("index metadata missing: %v", err)
	}
	var meta struct {
		MemoryCount int                 `json:"memory_count"`
		Keywords    map[string][]string `json:"keywords"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.MemoryCount != 1 || len(meta.Keywords) == 0 {
		t.Fatalf("index metadata incomplete: %+v", meta)
	}

	if err := m.RecordResolution(ctx, TicketMemory{App: "x"}); err == nil {
		t.Fatal("memory without ticket_id must be rejected")
	}
}

func TestLoadRelevantMemoriesOrdering(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	must := func(mem TicketMemory) {
		t.Helper()
		if err := m.RecordResolution(ctx, mem); err != nil {
			t.Fatal(err)
		}
	}
	must(memFor("1", "billing", "payment timeout in gateway",
		[]string{"billing/gateway.go"}, []string{"payment", "timeout", "gateway"}))
	must(memFor("2", "billing", "invoice rounding error",
		[]string{"billing/invoice.go"}, []string{"invoice", "rounding"}))
	must(memFor("3", "inventory", "payment timeout elsewhere",
		[]string{"inventory/sync.go"}, []string{"payment", "timeout"}))

	got := m.LoadRelevantMemories(ctx, "billing", "payment gateway timeout under load",
		[]string{"billing/gateway.go"}, 5)
	if len(got) == 0 {
		t.Fatal("expected matches")
	}
	if got[0].TicketID != "1" {
		t.Fatalf("keyword+file overlap should rank ticket 1 first, got %s", got[0].TicketID)
	}
	for _, mem := range got {
		if mem.App != "billing" {
			t.Fatalf("app filter leaked a %s memory", mem.App)
		}
		if mem.AccessCount != 1 || mem.LastAccessed.IsZero() {
			t.Fatalf("access bookkeeping not bumped: %+v", mem)
		}
		if mem.RelevanceScore < 0 || mem.RelevanceScore > 1 {
			t.Fatalf("relevance out of range: %f", mem.RelevanceScore)
		}
	}

	// Unrelated queries return nothing.
	if got := m.LoadRelevantMemories(ctx, "billing", "xyzzy quux", nil, 5); len(got) != 0 {
		t.Fatalf("unrelated query should match nothing, got %d", len(got))
	}
}

func TestLoadRelevantMemoriesLimit(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3", "4"} {
		if err := m.RecordResolution(ctx, memFor(id, "app", "cache eviction bug",
			nil, []string{"cache", "eviction"})); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.LoadRelevantMemories(ctx, "app", "cache eviction", nil, 2); len(got) != 2 {
		t.Fatalf("limit not honored: %d", len(got))
	}
}

func TestEmbeddingBlendAndCache(t *testing.T) {
	embedder := providers.NewFakeEmbedder(16)
	m, _ := newTestManager(t, embedder)
	ctx := context.Background()

	if err := m.RecordResolution(ctx, memFor("1", "app", "websocket disconnect storm",
		nil, []string{"websocket", "disconnect"})); err != nil {
		t.Fatal(err)
	}
	calls := embedder.Calls

	// Same query twice: second embed comes from the cache.
	m.LoadRelevantMemories(ctx, "app", "websocket disconnect", nil, 5)
	m.LoadRelevantMemories(ctx, "app", "websocket disconnect", nil, 5)
	if embedder.Calls != calls+1 {
		t.Fatalf("repeated query must hit the embedding cache, calls=%d", embedder.Calls-calls)
	}
	stats := m.Stats()
	if stats.Hits == 0 || stats.Misses == 0 {
		t.Fatalf("cache counters not tracked: %+v", stats)
	}
}

func TestSemanticIndexReload(t *testing.T) {
	embedder := providers.NewFakeEmbedder(16)
	root := t.TempDir()
	first, err := NewManager(root, embedder, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := first.RecordResolution(ctx, memFor("7", "app", "index rebuild race",
		nil, []string{"index", "race"})); err != nil {
		t.Fatal(err)
	}

	second, err := NewManager(root, embedder, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	got := second.LoadRelevantMemories(ctx, "app", "index rebuild race", nil, 5)
	if len(got) != 1 || got[0].TicketID != "7" {
		t.Fatalf("reloaded manager should find the memory: %v", got)
	}
}

func TestExtractPatterns(t *testing.T) {
	m, root := newTestManager(t, nil)
	ctx := context.Background()

	must := func(mem TicketMemory) {
		t.Helper()
		if err := m.RecordResolution(ctx, mem); err != nil {
			t.Fatal(err)
		}
	}
	must(memFor("1", "app", "a", []string{"db/conn.go"}, []string{"deadlock", "postgres"}))
	must(memFor("2", "app", "b", []string{"db/pool.go"}, []string{"deadlock", "pool"}))
	must(memFor("3", "app", "c", []string{"ui/view.go"}, []string{"layout"}))

	patterns := m.ExtractPatterns()
	if len(patterns) != 1 {
		t.Fatalf("only the shared keyword forms a pattern, got %d", len(patterns))
	}
	p := patterns[0]
	if p.PatternID != "pat_deadlock" || p.OccurrenceCount != 2 {
		t.Fatalf("unexpected pattern: %+v", p)
	}
	if len(p.FilePatterns) != 2 || len(p.ExampleTicketIDs) != 2 {
		t.Fatalf("pattern should aggregate members: %+v", p)
	}

	// Persisted and re-loadable.
	if _, err := os.Stat(filepath.Join(root, "memory", "patterns", "fix_patterns.json")); err != nil {
		t.Fatalf("patterns file missing: %v", err)
	}
	reloaded := m.LoadPatterns()
	if len(reloaded) != 1 || reloaded[0].PatternID != p.PatternID {
		t.Fatalf("LoadPatterns mismatch: %v", reloaded)
	}
}

func TestSessionContextRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, nil)

	sc := &SessionContext{
		SessionID:      "sess-1",
		AgentName:      "builder",
		StartedAt:      time.Now().UTC().Truncate(time.Second),
		CurrentApp:     "billing",
		CurrentTicket:  "42",
		LoadedMemories: []string{"billing_7"},
	}
	sc.AddDiscovery("gateway retries are unbounded")
	if err := m.SaveSessionContext(sc); err != nil {
		t.Fatalf("SaveSessionContext: %v", err)
	}

	got, ok := m.LoadSessionContext("sess-1")
	if !ok {
		t.Fatal("saved session should load")
	}
	if got.AgentName != "builder" || got.CurrentTicket != "42" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if len(got.SessionDiscoveries) != 1 {
		t.Fatal("discoveries should persist")
	}
	if _, ok := m.LoadSessionContext("ghost"); ok {
		t.Fatal("unknown session must return false")
	}
	if err := m.SaveSessionContext(&SessionContext{}); err == nil {
		t.Fatal("empty session id must be rejected")
	}
}

func TestCloseWritesStats(t *testing.T) {
	m, root := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.RecordResolution(ctx, memFor("1", "app", "anything", nil, []string{"one"})); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, "cache", "stats.json"))
	if err != nil {
		t.Fatalf("stats file missing: %v", err)
	}
	var stats CacheStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Records != 1 || stats.WrittenAt.IsZero() {
		t.Fatalf("stats snapshot wrong: %+v", stats)
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("Fix the Payment-Gateway timeout; retry when DB is slow")
	want := map[string]bool{"fix": true, "payment": true, "gateway": true,
		"timeout": true, "retry": true, "slow": true}
	for _, kw := range got {
		if !want[kw] {
			t.Fatalf("unexpected token %q in %v", kw, got)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("token set mismatch: %v", got)
	}
}
