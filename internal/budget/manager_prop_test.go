package budget

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// Ops are encoded as ints: [0,500) consume(n), [500,1000) release(n-500),
// >=1000 tryExpand. This lets a single generator drive arbitrary
// interleavings of the three mutating operations.
func applyOp(m *Manager, session string, op int) {
	switch {
	case op < 500:
		m.Consume(session, op)
	case op < 1000:
		m.Release(session, op-500)
	default:
		m.TryExpand(session)
	}
}

func TestBudgetInvariants_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("used stays within [0, allocated] and peak is a watermark", prop.ForAll(
		func(allocated int, ops []int) bool {
			m := NewManagerWithOptions(zap.NewNop(), Options{})
			if _, err := m.Create("agent", "s", allocated); err != nil {
				return false
			}

			maxUsed := 0
			prevAllocated := allocated
			for _, op := range ops {
				applyOp(m, "s", op)
				snap, ok := m.Get("s")
				if !ok {
					return false
				}
				if snap.Used < 0 || snap.Used > snap.Allocated {
					return false
				}
				if snap.Used > maxUsed {
					maxUsed = snap.Used
				}
				if snap.Peak < maxUsed {
					return false
				}
				// Allocation never shrinks.
				if snap.Allocated < prevAllocated {
					return false
				}
				prevAllocated = snap.Allocated
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.SliceOf(gen.IntRange(0, 1100)),
	))

	properties.Property("expansion count never exceeds the cap and tier only advances", prop.ForAll(
		func(ops []int) bool {
			m := NewManagerWithOptions(zap.NewNop(), Options{ExpansionCap: 3})
			if _, err := m.Create("agent", "s", 1000); err != nil {
				return false
			}

			rank := map[Tier]int{TierBase: 0, TierExpanded: 1, TierCritical: 2}
			prevRank := 0
			for _, op := range ops {
				applyOp(m, "s", op)
				snap, _ := m.Get("s")
				if snap.ExpansionCount > 3 {
					return false
				}
				r, known := rank[snap.Tier]
				if !known || r < prevRank {
					return false
				}
				prevRank = r
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1100)),
	))

	properties.TestingRun(t)
}
