package memory

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/budget"
)

// Ops are encoded as parallel int slices: kinds[i] selects among store-hot,
// store-warm, retrieve, promote and demote; sizes[i] carries the token count
// or the target item index.
func TestHotTokensNeverExceedBudgetUsed_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 150
	properties := gopter.NewProperties(parameters)

	properties.Property("sum(HOT token_count) <= budget.used for any op interleaving", prop.ForAll(
		func(kinds []int, sizes []int) bool {
			bm := budget.NewManager(zap.NewNop())
			if _, err := bm.Create("agent", "s", 2000); err != nil {
				return false
			}
			h := bm.Handle("s")
			s := NewStore("s", h, zap.NewNop())

			nextID := 0
			ids := []string{}
			for i, kind := range kinds {
				size := 0
				if i < len(sizes) {
					size = sizes[i]
				}
				switch kind % 5 {
				case 0: // store HOT
					id := fmt.Sprintf("h%d", nextID)
					nextID++
					if s.Store(&Item{ID: id, Tier: TierHot, TokenCount: size}) {
						ids = append(ids, id)
					}
				case 1: // store WARM
					id := fmt.Sprintf("w%d", nextID)
					nextID++
					if s.Store(&Item{ID: id, Tier: TierWarm, TokenCount: size}) {
						ids = append(ids, id)
					}
				case 2: // retrieve
					if len(ids) > 0 {
						s.Retrieve(ids[size%len(ids)])
					}
				case 3: // promote
					if len(ids) > 0 {
						s.PromoteToHot(ids[size%len(ids)])
					}
				case 4: // demote
					if len(ids) > 0 {
						s.DemoteFromHot(ids[size%len(ids)], TierWarm)
					}
				}

				if s.HotTokens() > h.Used() {
					return false
				}
				// The LRU list always mirrors the HOT map.
				if s.hotLRU.Len() != len(s.tiers[TierHot]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
		gen.SliceOf(gen.IntRange(0, 300)),
	))

	properties.TestingRun(t)
}
