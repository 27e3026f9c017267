package budget

import (
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	return NewManagerWithOptions(zap.NewNop(), opts)
}

func TestCreate_DuplicateSession(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, err := m.Create("backend", "s1", 10000); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.Create("backend", "s1", 10000); err != ErrBudgetExists {
		t.Fatalf("second create err = %v, want ErrBudgetExists", err)
	}
}

func TestCreate_DefaultAllocation(t *testing.T) {
	m := newTestManager(t, Options{DefaultAllocation: 4000})
	snap, err := m.Create("backend", "s1", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.Allocated != 4000 {
		t.Errorf("allocated = %d, want 4000", snap.Allocated)
	}
	if snap.Tier != TierBase {
		t.Errorf("tier = %s, want base", snap.Tier)
	}
}

func TestConsume(t *testing.T) {
	tests := []struct {
		name      string
		allocated int
		consumes  []int
		wantOKs   []bool
		wantUsed  int
	}{
		{"within budget", 1000, []int{300, 400}, []bool{true, true}, 700},
		{"exact fill", 1000, []int{600, 400}, []bool{true, true}, 1000},
		{"overflow denied", 1000, []int{900, 200}, []bool{true, false}, 900},
		{"zero is a no-op success", 1000, []int{0}, []bool{true}, 0},
		{"negative rejected", 1000, []int{-5}, []bool{false}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, Options{})
			if _, err := m.Create("agent", "s1", tt.allocated); err != nil {
				t.Fatalf("create: %v", err)
			}
			for i, n := range tt.consumes {
				if ok := m.Consume("s1", n); ok != tt.wantOKs[i] {
					t.Errorf("consume[%d](%d) = %v, want %v", i, n, ok, tt.wantOKs[i])
				}
			}
			snap, _ := m.Get("s1")
			if snap.Used != tt.wantUsed {
				t.Errorf("used = %d, want %d", snap.Used, tt.wantUsed)
			}
		})
	}
}

func TestConsume_UnknownSession(t *testing.T) {
	m := newTestManager(t, Options{})
	if m.Consume("missing", 10) {
		t.Error("consume on unknown session should return false")
	}
	// Release on an unknown session must be a silent no-op.
	m.Release("missing", 10)
}

func TestPeakWatermark(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, err := m.Create("agent", "s1", 1000); err != nil {
		t.Fatalf("create: %v", err)
	}

	m.Consume("s1", 500)
	m.Release("s1", 200)
	snap, _ := m.Get("s1")
	if snap.Used != 300 || snap.Peak != 500 {
		t.Fatalf("after release: used=%d peak=%d, want 300/500", snap.Used, snap.Peak)
	}

	m.Consume("s1", 100)
	snap, _ = m.Get("s1")
	if snap.Peak != 500 {
		t.Errorf("peak lowered to %d after consume below watermark", snap.Peak)
	}

	m.Consume("s1", 250)
	snap, _ = m.Get("s1")
	if snap.Used != 650 || snap.Peak != 650 {
		t.Errorf("watermark did not advance: used=%d peak=%d", snap.Used, snap.Peak)
	}
}

func TestRelease_ClampsAtZero(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, err := m.Create("agent", "s1", 1000); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Consume("s1", 100)
	m.Release("s1", 500)
	snap, _ := m.Get("s1")
	if snap.Used != 0 {
		t.Errorf("used = %d, want 0 after over-release", snap.Used)
	}
}

func TestTryExpand_TierLadder(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, err := m.Create("agent", "s1", 10000); err != nil {
		t.Fatalf("create: %v", err)
	}

	if !m.TryExpand("s1") {
		t.Fatal("first expand should succeed")
	}
	snap, _ := m.Get("s1")
	if snap.Allocated != 15000 || snap.Tier != TierExpanded || snap.ExpansionCount != 1 {
		t.Fatalf("after first expand: %+v", snap)
	}

	if !m.TryExpand("s1") {
		t.Fatal("second expand should succeed")
	}
	snap, _ = m.Get("s1")
	if snap.Allocated != 18750 || snap.Tier != TierCritical || snap.ExpansionCount != 2 {
		t.Fatalf("after second expand: %+v", snap)
	}

	// Critical tier is a hard ceiling.
	if m.TryExpand("s1") {
		t.Fatal("expand at critical tier should fail")
	}
	after, _ := m.Get("s1")
	if after.Allocated != 18750 || after.Tier != TierCritical {
		t.Errorf("failed expand mutated state: %+v", after)
	}
}

func TestTryExpand_RespectsCap(t *testing.T) {
	m := newTestManager(t, Options{ExpansionCap: 1})
	if _, err := m.Create("agent", "s1", 10000); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !m.TryExpand("s1") {
		t.Fatal("expand under cap should succeed")
	}
	if m.TryExpand("s1") {
		t.Fatal("expand at cap should fail")
	}
	snap, _ := m.Get("s1")
	if snap.ExpansionCount != 1 || snap.Allocated != 15000 {
		t.Errorf("state after capped expand: %+v", snap)
	}
}

func TestHandoffThresholds(t *testing.T) {
	tests := []struct {
		used       int
		wantShould bool
		wantMust   bool
	}{
		{5999, false, false},
		{6000, true, false}, // strict >= at the 60% line
		{7999, true, false},
		{8000, true, true}, // strict >= at the 80% line
		{10000, true, true},
	}

	for _, tt := range tests {
		snap := Snapshot{Allocated: 10000, Used: tt.used}
		if got := snap.ShouldHandoff(); got != tt.wantShould {
			t.Errorf("used=%d ShouldHandoff=%v, want %v", tt.used, got, tt.wantShould)
		}
		if got := snap.MustHandoff(); got != tt.wantMust {
			t.Errorf("used=%d MustHandoff=%v, want %v", tt.used, got, tt.wantMust)
		}
	}
}

func TestConsume_CrossesBothThresholds(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, err := m.Create("agent", "s1", 10000); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !m.Consume("s1", 7999) {
		t.Fatal("setup consume failed")
	}
	if !m.Consume("s1", 2) {
		t.Fatal("small consume failed")
	}
	snap, _ := m.Get("s1")
	if snap.Used != 8001 {
		t.Fatalf("used = %d, want 8001", snap.Used)
	}
	if !snap.ShouldHandoff() || !snap.MustHandoff() {
		t.Errorf("thresholds at used=8001: should=%v must=%v, want true/true",
			snap.ShouldHandoff(), snap.MustHandoff())
	}
}

func TestCloseSession(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, err := m.Create("backend", "s1", 10000); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Consume("s1", 4000)
	m.Release("s1", 1000)
	m.TryExpand("s1")

	sum, ok := m.CloseSession("s1")
	if !ok {
		t.Fatal("first close should return the summary")
	}
	if sum.Used != 3000 || sum.Peak != 4000 || sum.ExpansionCount != 1 || sum.FinalTier != TierExpanded {
		t.Errorf("summary = %+v", sum)
	}
	if sum.AgentName != "backend" || sum.SessionID != "s1" {
		t.Errorf("summary identity = %s/%s", sum.AgentName, sum.SessionID)
	}

	// Idempotent: second close is a no-op.
	if _, ok := m.CloseSession("s1"); ok {
		t.Error("second close should report ok=false")
	}
	if m.Consume("s1", 1) {
		t.Error("consume after close should fail")
	}
}

func TestGetTotalUsage(t *testing.T) {
	m := newTestManager(t, Options{})
	m.Create("a", "s1", 1000)
	m.Create("b", "s2", 2000)
	m.Consume("s1", 400)
	m.Consume("s2", 600)

	total := m.GetTotalUsage()
	if total.Sessions != 2 {
		t.Errorf("sessions = %d, want 2", total.Sessions)
	}
	if total.Allocated != 3000 || total.Used != 1000 || total.Peak != 1000 {
		t.Errorf("totals = %+v", total)
	}
}

func TestHandle(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, err := m.Create("agent", "s1", 1000); err != nil {
		t.Fatalf("create: %v", err)
	}
	h := m.Handle("s1")
	if !h.Consume(300) {
		t.Fatal("handle consume failed")
	}
	if h.Used() != 300 {
		t.Errorf("handle used = %d, want 300", h.Used())
	}
	h.Release(100)
	if h.Used() != 200 {
		t.Errorf("handle used after release = %d, want 200", h.Used())
	}
}

func TestConsume_Concurrent(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, err := m.Create("agent", "s1", 500); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 10
	const attempts = 100
	const chunk = 7

	var successes int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < attempts; j++ {
				if m.Consume("s1", chunk) {
					atomic.AddInt64(&successes, 1)
				}
			}
		}()
	}
	wg.Wait()

	snap, _ := m.Get("s1")
	if snap.Used != int(successes)*chunk {
		t.Errorf("used = %d, want %d (successes=%d)", snap.Used, int(successes)*chunk, successes)
	}
	if snap.Used > snap.Allocated {
		t.Errorf("used %d exceeds allocated %d", snap.Used, snap.Allocated)
	}
	// 71*7=497 fits in 500, 72*7=504 does not.
	if successes != 71 {
		t.Errorf("successes = %d, want 71", successes)
	}
}
