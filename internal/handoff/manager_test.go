package handoff

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/budget"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), zap.NewNop(), opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func testParams() CreateParams {
	return CreateParams{
		SourceAgent:   "backend_agent",
		SourceSession: "sess-001",
		Reason:        ReasonBudgetCritical,
		Priority:      PriorityImmediate,
		Ticket: TicketContext{
			TicketID:       "42",
			Status:         "in_progress",
			Summary:        "fix race in claim path",
			CompletedTasks: []string{"reproduced the race"},
			PendingTasks:   []string{"add regression test"},
			FilesModified:  []string{"store.go"},
		},
		Budget: budget.Snapshot{
			AgentName: "backend_agent",
			SessionID: "sess-001",
			Allocated: 10000,
			Used:      8001,
			Peak:      8001,
			Tier:      budget.TierBase,
		},
		Notes: "continue from the failing test",
	}
}

func packetsEqual(t *testing.T, a, b *Packet) bool {
	t.Helper()
	ja, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	jb, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	return bytes.Equal(ja, jb)
}

func TestStoreRetrieve_RoundTrip(t *testing.T) {
	m := newTestManager(t, Options{})
	p, err := m.CreatePacket(testParams())
	if err != nil {
		t.Fatalf("CreatePacket: %v", err)
	}
	if p.PacketID == "" || p.AccessToken == "" {
		t.Fatal("packet identity not generated")
	}
	if len(p.PacketID) != 32 || len(p.AccessToken) != 64 {
		t.Errorf("id/token lengths = %d/%d, want 32/64 hex chars",
			len(p.PacketID), len(p.AccessToken))
	}

	path, err := m.StorePacket(p, false)
	if err != nil {
		t.Fatalf("StorePacket: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat packet file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("packet file mode = %o, want 0600", perm)
	}
	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("stat pending dir: %v", err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0o700 {
		t.Errorf("pending dir mode = %o, want 0700", perm)
	}

	got, ok := m.RetrievePacket(p.PacketID, true)
	if !ok {
		t.Fatal("RetrievePacket failed")
	}
	if !packetsEqual(t, p, got) {
		t.Errorf("retrieved packet differs:\n got %+v\nwant %+v", got, p)
	}
}

func TestRetrieve_TamperDetected(t *testing.T) {
	m := newTestManager(t, Options{})
	p, _ := m.CreatePacket(testParams())
	path, err := m.StorePacket(p, false)
	if err != nil {
		t.Fatalf("StorePacket: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read packet file: %v", err)
	}
	tampered := bytes.Replace(raw, []byte("fix race in claim path"), []byte("do something else!!"), 1)
	if bytes.Equal(raw, tampered) {
		t.Fatal("tamper substitution did not apply")
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	if _, ok := m.RetrievePacket(p.PacketID, true); ok {
		t.Error("tampered packet passed verification")
	}
	// Skipping verification returns the (tampered) packet.
	if _, ok := m.RetrievePacket(p.PacketID, false); !ok {
		t.Error("unverified retrieval should still parse the packet")
	}
}

func TestRetrieve_Unknown(t *testing.T) {
	m := newTestManager(t, Options{})
	if _, ok := m.RetrievePacket("deadbeef", true); ok {
		t.Error("unknown packet id should not be found")
	}
}

func TestAccept_OpenTarget(t *testing.T) {
	m := newTestManager(t, Options{})
	p, _ := m.CreatePacket(testParams())
	if _, err := m.StorePacket(p, false); err != nil {
		t.Fatalf("StorePacket: %v", err)
	}

	got, ok := m.AcceptHandoff(p.PacketID, "frontend_agent", "")
	if !ok {
		t.Fatal("acceptance without target should succeed")
	}
	if !packetsEqual(t, p, got) {
		t.Error("accepted packet differs from stored packet")
	}

	// File moved pending -> archive.
	if _, err := os.Stat(filepath.Join(m.pendingDir, p.PacketID+".json")); !os.IsNotExist(err) {
		t.Error("pending file should be removed after acceptance")
	}
	archPath := filepath.Join(m.archiveDir, p.PacketID+".json")
	raw, err := os.ReadFile(archPath)
	if err != nil {
		t.Fatalf("archived packet missing: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("parse archive envelope: %v", err)
	}
	if env.AcceptedBy != "frontend_agent" || env.AcceptedAt == nil {
		t.Errorf("acceptance metadata = %q/%v", env.AcceptedBy, env.AcceptedAt)
	}

	// Second accept: no longer pending.
	if _, ok := m.AcceptHandoff(p.PacketID, "frontend_agent", ""); ok {
		t.Error("accepting an already-archived packet should fail")
	}
}

func TestAccept_TargetMatchAndToken(t *testing.T) {
	m := newTestManager(t, Options{})
	params := testParams()
	params.TargetAgent = "agent_a"
	p, _ := m.CreatePacket(params)
	if _, err := m.StorePacket(p, false); err != nil {
		t.Fatalf("StorePacket: %v", err)
	}

	if _, ok := m.AcceptHandoff(p.PacketID, "agent_a", p.AccessToken); !ok {
		t.Fatal("matching target with correct token should be accepted")
	}
}

func TestAccept_UnauthorizedTarget(t *testing.T) {
	m := newTestManager(t, Options{})
	params := testParams()
	params.TargetAgent = "agent_a"
	p, _ := m.CreatePacket(params)
	if _, err := m.StorePacket(p, false); err != nil {
		t.Fatalf("StorePacket: %v", err)
	}

	// Correct token, wrong agent: rejected, file stays pending.
	got, ok := m.AcceptHandoff(p.PacketID, "agent_b", p.AccessToken)
	if ok || got != nil {
		t.Fatal("acceptance by a non-target agent should be rejected")
	}
	if _, err := os.Stat(filepath.Join(m.pendingDir, p.PacketID+".json")); err != nil {
		t.Errorf("pending file should remain after rejection: %v", err)
	}
}

func TestAccept_WrongToken(t *testing.T) {
	m := newTestManager(t, Options{})
	p, _ := m.CreatePacket(testParams())
	if _, err := m.StorePacket(p, false); err != nil {
		t.Fatalf("StorePacket: %v", err)
	}

	if _, ok := m.AcceptHandoff(p.PacketID, "any_agent", "not-the-token"); ok {
		t.Error("wrong token should be rejected")
	}
	if _, err := os.Stat(filepath.Join(m.pendingDir, p.PacketID+".json")); err != nil {
		t.Errorf("pending file should remain after rejection: %v", err)
	}
}

func TestRetention_ExactBoundary(t *testing.T) {
	m := newTestManager(t, Options{})

	first, _ := m.CreatePacket(testParams())
	if _, err := m.StorePacket(first, false); err != nil {
		t.Fatalf("StorePacket: %v", err)
	}
	if _, ok := m.AcceptHandoff(first.PacketID, "agent", ""); !ok {
		t.Fatal("first accept failed")
	}

	// Age the archived file to exactly the retention period.
	archPath := filepath.Join(m.archiveDir, first.PacketID+".json")
	old := time.Now().Add(-RetentionPeriod)
	if err := os.Chtimes(archPath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	second, _ := m.CreatePacket(testParams())
	if _, err := m.StorePacket(second, false); err != nil {
		t.Fatalf("StorePacket: %v", err)
	}
	if _, ok := m.AcceptHandoff(second.PacketID, "agent", ""); !ok {
		t.Fatal("second accept failed")
	}

	if _, err := os.Stat(archPath); !os.IsNotExist(err) {
		t.Error("packet at exactly 48h should be swept on the next accept")
	}
	if _, err := os.Stat(filepath.Join(m.archiveDir, second.PacketID+".json")); err != nil {
		t.Errorf("fresh archive entry should survive the sweep: %v", err)
	}
}

func TestEncryption_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	m := newTestManager(t, Options{EncryptionKey: key})

	p, _ := m.CreatePacket(testParams())
	path, err := m.StorePacket(p, true)
	if err != nil {
		t.Fatalf("StorePacket encrypted: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Contains(raw, []byte("fix race in claim path")) {
		t.Error("encrypted file leaks plaintext")
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if !env.Encrypted || env.Packet != nil || env.Content == "" {
		t.Errorf("envelope shape = %+v", env)
	}
	if len(env.KeyHint) != 8 || !strings.HasPrefix("QkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkI=", env.KeyHint) {
		t.Errorf("key hint = %q, want first 8 chars of the base64 key", env.KeyHint)
	}

	got, ok := m.RetrievePacket(p.PacketID, true)
	if !ok {
		t.Fatal("retrieve encrypted packet failed")
	}
	if !packetsEqual(t, p, got) {
		t.Error("decrypted packet differs from original")
	}
}

func TestEncryption_RequiresKey(t *testing.T) {
	m := newTestManager(t, Options{})
	p, _ := m.CreatePacket(testParams())
	if _, err := m.StorePacket(p, true); err != ErrEncryptionDisabled {
		t.Errorf("StorePacket err = %v, want ErrEncryptionDisabled", err)
	}
}

func TestNewManager_RejectsShortKey(t *testing.T) {
	if _, err := NewManager(t.TempDir(), zap.NewNop(), Options{EncryptionKey: []byte("short")}); err != ErrBadEncryptionKey {
		t.Errorf("NewManager err = %v, want ErrBadEncryptionKey", err)
	}
}

func TestLegacyBarePacket(t *testing.T) {
	m := newTestManager(t, Options{})
	legacy := &Packet{
		PacketID:      "legacy001",
		CreatedAt:     time.Now().UTC(),
		SourceAgent:   "old_agent",
		SourceSession: "old-sess",
		Reason:        ReasonTaskComplete,
		Priority:      PriorityNormal,
		AccessToken:   "oldtoken",
	}
	raw, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(m.pendingDir, legacy.PacketID+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	got, ok := m.RetrievePacket("legacy001", true)
	if !ok {
		t.Fatal("legacy packet should be retrievable without a signature")
	}
	if got.SourceAgent != "old_agent" {
		t.Errorf("legacy source agent = %q", got.SourceAgent)
	}

	if _, ok := m.AcceptHandoff("legacy001", "new_agent", ""); !ok {
		t.Error("legacy packet acceptance should succeed")
	}
}

func TestPendingPackets(t *testing.T) {
	m := newTestManager(t, Options{})
	if ids := m.PendingPackets(); len(ids) != 0 {
		t.Fatalf("fresh manager pending = %v", ids)
	}
	p, _ := m.CreatePacket(testParams())
	if _, err := m.StorePacket(p, false); err != nil {
		t.Fatalf("StorePacket: %v", err)
	}
	ids := m.PendingPackets()
	if len(ids) != 1 || ids[0] != p.PacketID {
		t.Errorf("pending = %v, want [%s]", ids, p.PacketID)
	}
}

func TestCheckNeeded(t *testing.T) {
	tests := []struct {
		used         int
		wantNeeded   bool
		wantReason   Reason
		wantPriority Priority
	}{
		{5999, false, "", ""},
		{6000, true, ReasonBudgetWarning, PriorityNormal},
		{7999, true, ReasonBudgetWarning, PriorityNormal},
		{8000, true, ReasonBudgetCritical, PriorityImmediate},
		{8001, true, ReasonBudgetCritical, PriorityImmediate},
	}
	for _, tt := range tests {
		snap := budget.Snapshot{Allocated: 10000, Used: tt.used}
		needed, reason, priority := CheckNeeded(snap)
		if needed != tt.wantNeeded || reason != tt.wantReason || priority != tt.wantPriority {
			t.Errorf("CheckNeeded(used=%d) = (%v, %s, %s), want (%v, %s, %s)",
				tt.used, needed, reason, priority, tt.wantNeeded, tt.wantReason, tt.wantPriority)
		}
	}
}
