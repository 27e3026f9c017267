// Package knowledge is the semantic index over resolved tickets: it
// records resolutions, scores relevance for new work, extracts recurring
// fix patterns, and persists per-session working context.
package knowledge

import "time"

// TicketMemory records one resolved ticket. Immutable after creation
// except the access bookkeeping fields.
type TicketMemory struct {
	TicketID        string    `json:"ticket_id"`
	App             string    `json:"app"`
	Title           string    `json:"title"`
	ProblemSummary  string    `json:"problem_summary"`
	SolutionSummary string    `json:"solution_summary"`
	FilesModified   []string  `json:"files_modified"`
	Keywords        []string  `json:"keywords"`
	TicketType      string    `json:"ticket_type"`
	ResolvedDate    time.Time `json:"resolved_date"`

	AccessCount    int       `json:"access_count"`
	LastAccessed   time.Time `json:"last_accessed"`
	RelevanceScore float64   `json:"relevance_score"`
}

// key is the stable identity used for files and indexes.
func (m *TicketMemory) key() string { return m.App + "_" + m.TicketID }

// FixPattern aggregates multiple memories that share keyword triggers.
// Patterns are re-derivable from the memories at any time.
type FixPattern struct {
	PatternID        string   `json:"pattern_id"`
	Name             string   `json:"name"`
	FilePatterns     []string `json:"file_patterns"`
	KeywordTriggers  []string `json:"keyword_triggers"`
	SolutionTemplate string   `json:"solution_template"`
	OccurrenceCount  int      `json:"occurrence_count"`
	ExampleTicketIDs []string `json:"example_ticket_ids"`
}

// SessionContext is one agent's working set, persisted across restarts.
// SessionDiscoveries is append-only.
type SessionContext struct {
	SessionID          string    `json:"session_id"`
	AgentName          string    `json:"agent_name"`
	StartedAt          time.Time `json:"started_at"`
	CurrentApp         string    `json:"current_app"`
	CurrentTicket      string    `json:"current_ticket"`
	LoadedMemories     []string  `json:"loaded_memories"`
	LoadedPatterns     []string  `json:"loaded_patterns"`
	SessionDiscoveries []string  `json:"session_discoveries"`
}

// AddDiscovery appends one discovery note.
func (s *SessionContext) AddDiscovery(note string) {
	s.SessionDiscoveries = append(s.SessionDiscoveries, note)
}

// indexMetadata is the persisted shape of index/metadata.json.
type indexMetadata struct {
	UpdatedAt   time.Time           `json:"updated_at"`
	MemoryCount int                 `json:"memory_count"`
	Keywords    map[string][]string `json:"keywords"` // keyword -> memory keys
	Files       map[string][]string `json:"files"`    // file -> memory keys
	Types       map[string][]string `json:"types"`    // ticket type -> memory keys
}

// semanticIndex is the persisted shape of index/semantic_index.json:
// one embedding per memory key, produced by the configured provider.
type semanticIndex struct {
	Model      string               `json:"model"`
	Dimensions int                  `json:"dimensions"`
	Vectors    map[string][]float32 `json:"vectors"`
}

// CacheStats is the usage snapshot written to cache/stats.json on close.
type CacheStats struct {
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Loads     int64     `json:"loads"`
	Records   int64     `json:"records"`
	WrittenAt time.Time `json:"written_at"`
}
