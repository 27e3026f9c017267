package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/providers"
)

// Relevance scoring weights. Lexical parts sum to 1; when an embedder is
// configured the lexical score is blended with cosine similarity.
const (
	weightKeywords = 0.4
	weightFiles    = 0.3
	weightType     = 0.1
	weightRecency  = 0.2

	lexicalBlend   = 0.6
	embeddingBlend = 0.4

	recencyHalfLife = 90 * 24 * time.Hour
	embedCacheTTL   = 24 * time.Hour
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "when": {}, "where": {}, "what": {}, "have": {}, "has": {},
	"not": {}, "are": {}, "was": {}, "were": {}, "should": {}, "would": {},
	"into": {}, "after": {}, "before": {}, "does": {}, "while": {},
}

// Manager is the process-wide memory manager. One lock guards the
// in-memory maps; file writes happen under it (single-writer deployment).
type Manager struct {
	root     string
	embedder providers.EmbeddingProvider // nil disables semantic scoring
	embCache EmbeddingCache
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	memories  map[string]*TicketMemory
	byKeyword map[string]map[string]struct{}
	byFile    map[string]map[string]struct{}
	byType    map[string]map[string]struct{}
	vectors   map[string][]float32
	embedDim  int

	hits, misses, loads, records int64
}

// NewManager opens (or initializes) the knowledge tree under root and
// reloads all persisted memories and the semantic index. embedder may be
// nil.
func NewManager(root string, embedder providers.EmbeddingProvider, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		root:      root,
		embedder:  embedder,
		embCache:  NewLocalLRU(0),
		logger:    logger,
		now:       time.Now,
		memories:  make(map[string]*TicketMemory),
		byKeyword: make(map[string]map[string]struct{}),
		byFile:    make(map[string]map[string]struct{}),
		byType:    make(map[string]map[string]struct{}),
		vectors:   make(map[string][]float32),
	}
	for _, dir := range []string{m.ticketsDir(), m.patternsDir(), m.sessionsDir(), m.indexDir(), m.cacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create knowledge dir: %w", err)
		}
	}
	if err := m.loadAll(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetEmbeddingCache swaps the embedding cache, e.g. for a shared Redis
// tier.
func (m *Manager) SetEmbeddingCache(c EmbeddingCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c != nil {
		m.embCache = c
	}
}

func (m *Manager) memoryDir() string   { return filepath.Join(m.root, "memory") }
func (m *Manager) ticketsDir() string  { return filepath.Join(m.memoryDir(), "tickets") }
func (m *Manager) patternsDir() string { return filepath.Join(m.memoryDir(), "patterns") }
func (m *Manager) sessionsDir() string { return filepath.Join(m.memoryDir(), "sessions") }
func (m *Manager) indexDir() string    { return filepath.Join(m.memoryDir(), "index") }
func (m *Manager) cacheDir() string    { return filepath.Join(m.root, "cache") }

func (m *Manager) loadAll() error {
	entries, err := os.ReadDir(m.ticketsDir())
	if err != nil {
		return fmt.Errorf("read tickets dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.ticketsDir(), entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn("Unreadable memory file skipped", zap.String("path", path), zap.Error(err))
			continue
		}
		var mem TicketMemory
		if err := json.Unmarshal(raw, &mem); err != nil {
			m.logger.Warn("Corrupt memory file skipped", zap.String("path", path), zap.Error(err))
			continue
		}
		m.memories[mem.key()] = &mem
		m.indexMemory(&mem)
	}

	var sem semanticIndex
	raw, err := os.ReadFile(filepath.Join(m.indexDir(), "semantic_index.json"))
	if err == nil && json.Unmarshal(raw, &sem) == nil {
		m.vectors = sem.Vectors
		m.embedDim = sem.Dimensions
		if m.vectors == nil {
			m.vectors = make(map[string][]float32)
		}
	}

	if len(m.memories) > 0 {
		m.logger.Info("Knowledge index loaded",
			zap.Int("memories", len(m.memories)),
			zap.Int("vectors", len(m.vectors)),
		)
	}
	return nil
}

// indexMemory adds one memory to the inverted indexes. Callers hold m.mu
// (or run before the manager is shared).
func (m *Manager) indexMemory(mem *TicketMemory) {
	key := mem.key()
	for _, kw := range mem.Keywords {
		kw = strings.ToLower(kw)
		if m.byKeyword[kw] == nil {
			m.byKeyword[kw] = make(map[string]struct{})
		}
		m.byKeyword[kw][key] = struct{}{}
	}
	for _, file := range mem.FilesModified {
		if m.byFile[file] == nil {
			m.byFile[file] = make(map[string]struct{})
		}
		m.byFile[file][key] = struct{}{}
	}
	if mem.TicketType != "" {
		if m.byType[mem.TicketType] == nil {
			m.byType[mem.TicketType] = make(map[string]struct{})
		}
		m.byType[mem.TicketType][key] = struct{}{}
	}
}

// RecordResolution persists a resolved-ticket memory and updates every
// index. Keywords default to tokens of the title and problem summary.
func (m *Manager) RecordResolution(ctx context.Context, mem TicketMemory) error {
	if mem.TicketID == "" || mem.App == "" {
		return fmt.Errorf("memory requires ticket_id and app")
	}
	if mem.ResolvedDate.IsZero() {
		mem.ResolvedDate = m.now().UTC()
	}
	if len(mem.Keywords) == 0 {
		mem.Keywords = tokenize(mem.Title + " " + mem.ProblemSummary)
	}

	var vec []float32
	if m.embedder != nil {
		var err error
		vec, err = m.embed(ctx, mem.Title+" "+mem.ProblemSummary+" "+mem.SolutionSummary)
		if err != nil {
			// Lexical indexing still works without the vector.
			m.logger.Warn("Embedding failed, memory indexed lexically",
				zap.String("ticket_id", mem.TicketID), zap.Error(err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := mem.key()
	if err := m.writeJSON(filepath.Join(m.ticketsDir(), key+".json"), &mem); err != nil {
		return fmt.Errorf("persist memory: %w", err)
	}
	m.memories[key] = &mem
	m.indexMemory(&mem)
	if vec != nil {
		m.vectors[key] = vec
		m.embedDim = len(vec)
	}
	m.records++
	m.saveIndexesLocked()

	m.logger.Info("Ticket resolution recorded",
		zap.String("ticket_id", mem.TicketID),
		zap.String("app", mem.App),
		zap.Int("keywords", len(mem.Keywords)),
	)
	return nil
}

// LoadRelevantMemories scores every candidate memory for the described
// work and returns the top matches, most relevant first. Access counters
// on the returned memories are bumped and persisted.
func (m *Manager) LoadRelevantMemories(ctx context.Context, app, description string, files []string, limit int) []*TicketMemory {
	if limit <= 0 {
		limit = 5
	}
	queryKeywords := tokenize(description)
	queryType := inferType(queryKeywords)

	var queryVec []float32
	if m.embedder != nil && description != "" {
		if vec, err := m.embed(ctx, description); err == nil {
			queryVec = vec
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		mem   *TicketMemory
		score float64
	}
	now := m.now().UTC()
	var candidates []scored
	for key, mem := range m.memories {
		if app != "" && mem.App != app {
			continue
		}
		base := weightKeywords*overlap(queryKeywords, lowerAll(mem.Keywords)) +
			weightFiles*overlap(files, mem.FilesModified)
		if queryType != "" && mem.TicketType == queryType {
			base += weightType
		}
		sim := -1.0
		if queryVec != nil {
			if vec, ok := m.vectors[key]; ok {
				sim = cosine(queryVec, vec)
			}
		}
		// Recency alone never qualifies a memory: it needs a lexical
		// match or strong semantic similarity first.
		if base == 0 && sim < 0.5 {
			continue
		}
		score := base + weightRecency*recency(now, mem.ResolvedDate)
		if sim >= 0 {
			score = lexicalBlend*score + embeddingBlend*sim
		}
		candidates = append(candidates, scored{mem: mem, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].mem.ResolvedDate.After(candidates[j].mem.ResolvedDate)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*TicketMemory, 0, len(candidates))
	for _, c := range candidates {
		c.mem.AccessCount++
		c.mem.LastAccessed = now
		c.mem.RelevanceScore = clamp01(c.score)
		if err := m.writeJSON(filepath.Join(m.ticketsDir(), c.mem.key()+".json"), c.mem); err != nil {
			m.logger.Warn("Failed to persist access bump",
				zap.String("ticket_id", c.mem.TicketID), zap.Error(err))
		}
		copied := *c.mem
		out = append(out, &copied)
	}
	return out
}

// ExtractPatterns clusters memories sharing keyword triggers into fix
// patterns and persists them. A keyword seen on at least two memories
// forms a pattern; the most recent resolution supplies the template.
func (m *Manager) ExtractPatterns() []*FixPattern {
	m.mu.Lock()
	defer m.mu.Unlock()

	var patterns []*FixPattern
	for kw, keys := range m.byKeyword {
		if len(keys) < 2 {
			continue
		}
		var members []*TicketMemory
		for key := range keys {
			if mem, ok := m.memories[key]; ok {
				members = append(members, mem)
			}
		}
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			return members[i].ResolvedDate.After(members[j].ResolvedDate)
		})

		fileSet := make(map[string]struct{})
		ids := make([]string, 0, len(members))
		for _, mem := range members {
			ids = append(ids, mem.TicketID)
			for _, f := range mem.FilesModified {
				fileSet[f] = struct{}{}
			}
		}
		files := make([]string, 0, len(fileSet))
		for f := range fileSet {
			files = append(files, f)
		}
		sort.Strings(files)

		patterns = append(patterns, &FixPattern{
			PatternID:        "pat_" + kw,
			Name:             "Recurring fix: " + kw,
			FilePatterns:     files,
			KeywordTriggers:  []string{kw},
			SolutionTemplate: members[0].SolutionSummary,
			OccurrenceCount:  len(members),
			ExampleTicketIDs: ids,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].OccurrenceCount != patterns[j].OccurrenceCount {
			return patterns[i].OccurrenceCount > patterns[j].OccurrenceCount
		}
		return patterns[i].PatternID < patterns[j].PatternID
	})

	if err := m.writeJSON(filepath.Join(m.patternsDir(), "fix_patterns.json"), patterns); err != nil {
		m.logger.Error("Failed to persist fix patterns", zap.Error(err))
	}
	return patterns
}

// LoadPatterns returns the persisted fix patterns, if any.
func (m *Manager) LoadPatterns() []*FixPattern {
	raw, err := os.ReadFile(filepath.Join(m.patternsDir(), "fix_patterns.json"))
	if err != nil {
		return nil
	}
	var patterns []*FixPattern
	if err := json.Unmarshal(raw, &patterns); err != nil {
		return nil
	}
	return patterns
}

// SaveSessionContext persists one agent's working set.
func (m *Manager) SaveSessionContext(sc *SessionContext) error {
	if sc == nil || sc.SessionID == "" {
		return fmt.Errorf("session context requires a session_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeJSON(filepath.Join(m.sessionsDir(), sc.SessionID+".json"), sc)
}

// LoadSessionContext reloads a persisted session context. Unknown ids
// return (nil, false).
func (m *Manager) LoadSessionContext(sessionID string) (*SessionContext, bool) {
	raw, err := os.ReadFile(filepath.Join(m.sessionsDir(), sessionID+".json"))
	if err != nil {
		return nil, false
	}
	var sc SessionContext
	if err := json.Unmarshal(raw, &sc); err != nil {
		m.logger.Warn("Corrupt session context", zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	return &sc, true
}

// Stats returns the current usage counters.
func (m *Manager) Stats() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CacheStats{Hits: m.hits, Misses: m.misses, Loads: m.loads, Records: m.records}
}

// Close writes the usage snapshot to cache/stats.json.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := CacheStats{
		Hits: m.hits, Misses: m.misses, Loads: m.loads, Records: m.records,
		WrittenAt: m.now().UTC(),
	}
	return m.writeJSON(filepath.Join(m.cacheDir(), "stats.json"), &stats)
}

// embed returns the vector for the text, via the cache.
func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(m.embedder.Name(), text)
	if vec, ok := m.embCache.Get(ctx, key); ok {
		m.mu.Lock()
		m.hits++
		m.mu.Unlock()
		return vec, nil
	}
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()

	result, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	vec := result.Embeddings[0]
	m.embCache.Set(ctx, key, vec, embedCacheTTL)
	m.mu.Lock()
	m.loads++
	m.mu.Unlock()
	return vec, nil
}

// saveIndexesLocked persists metadata.json and semantic_index.json.
// Callers hold m.mu.
func (m *Manager) saveIndexesLocked() {
	meta := indexMetadata{
		UpdatedAt:   m.now().UTC(),
		MemoryCount: len(m.memories),
		Keywords:    flattenIndex(m.byKeyword),
		Files:       flattenIndex(m.byFile),
		Types:       flattenIndex(m.byType),
	}
	if err := m.writeJSON(filepath.Join(m.indexDir(), "metadata.json"), &meta); err != nil {
		m.logger.Error("Failed to persist index metadata", zap.Error(err))
	}
	if m.embedder != nil {
		sem := semanticIndex{Model: m.embedder.Name(), Dimensions: m.embedDim, Vectors: m.vectors}
		if err := m.writeJSON(filepath.Join(m.indexDir(), "semantic_index.json"), &sem); err != nil {
			m.logger.Error("Failed to persist semantic index", zap.Error(err))
		}
	}
}

// writeJSON writes v via temp file + rename.
func (m *Manager) writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".knowledge-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// tokenize lowercases and splits text into keyword tokens, dropping
// stopwords and short words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// inferType guesses the ticket type from query keywords.
func inferType(keywords []string) string {
	for _, kw := range keywords {
		switch kw {
		case "fix", "bug", "error", "crash", "broken", "regression":
			return "bugfix"
		case "add", "feature", "implement", "support":
			return "feature"
		case "refactor", "cleanup", "simplify":
			return "refactor"
		case "test", "tests", "coverage":
			return "testing"
		}
	}
	return ""
}

// overlap is |a ∩ b| / |a| over string sets; empty a scores 0.
func overlap(a, b []string) float64 {
	if len(a) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	matched := 0
	for _, s := range a {
		if _, ok := set[s]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(a))
}

// recency decays exponentially with a 90-day half-life.
func recency(now, resolved time.Time) float64 {
	age := now.Sub(resolved)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(recencyHalfLife))
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func flattenIndex(idx map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(idx))
	for k, set := range idx {
		keys := make([]string, 0, len(set))
		for key := range set {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		out[k] = keys
	}
	return out
}
