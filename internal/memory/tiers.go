package memory

import "time"

// Tier names one of the five memory tiers, hottest to coldest. HOT content is
// in-context and counted against the session budget; WARM is session-local;
// COOL and COLD are shared across sessions; FROZEN is lazy reference only.
type Tier string

const (
	TierHot    Tier = "HOT"
	TierWarm   Tier = "WARM"
	TierCool   Tier = "COOL"
	TierCold   Tier = "COLD"
	TierFrozen Tier = "FROZEN"
)

// Tiers lists all tiers hottest-first. Retrieval without an explicit tier
// searches in this order.
var Tiers = []Tier{TierHot, TierWarm, TierCool, TierCold, TierFrozen}

// Valid reports whether t is one of the five known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCool, TierCold, TierFrozen:
		return true
	}
	return false
}

// Item is a unit of agent memory. The Tier field always equals the tier map
// the item is currently stored in.
type Item struct {
	ID           string    `json:"item_id"`
	Tier         Tier      `json:"tier"`
	Content      string    `json:"content"`
	TokenCount   int       `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// TierStats summarizes one tier of a store.
type TierStats struct {
	Items  int `json:"items"`
	Tokens int `json:"tokens"`
}
