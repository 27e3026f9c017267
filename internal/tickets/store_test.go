package tickets

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newBackends(t *testing.T) map[string]Store {
	t.Helper()
	doc, err := NewDocumentStore(filepath.Join(t.TempDir(), "tickets.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("document store: %v", err)
	}
	sqls, err := NewSQLStore("sqlite3", ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("sql store: %v", err)
	}
	t.Cleanup(func() {
		doc.Close()
		sqls.Close()
	})
	return map[string]Store{"document": doc, "sql": sqls}
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			first, err := store.Create(&Ticket{Title: "first"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			second, err := store.Create(&Ticket{Title: "second"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if first.ID != "1" || second.ID != "2" {
				t.Fatalf("expected ids 1,2; got %s,%s", first.ID, second.ID)
			}
			if first.Status != StatusOpen {
				t.Fatalf("expected open, got %s", first.Status)
			}
			if !store.Delete(first.ID) {
				t.Fatal("delete should succeed")
			}
			// Deleted ids are never reused.
			third, err := store.Create(&Ticket{Title: "third"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if third.ID != "3" {
				t.Fatalf("expected id 3 after delete, got %s", third.ID)
			}
		})
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Create(&Ticket{ID: "7", Title: "explicit"}); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := store.Create(&Ticket{ID: "7", Title: "dup"}); err != ErrDuplicateID {
				t.Fatalf("expected ErrDuplicateID, got %v", err)
			}
			if got := store.NextID(); got != "8" {
				t.Fatalf("next_id should advance past explicit id: got %s", got)
			}
		})
	}
}

func TestClaimRace(t *testing.T) {
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.Create(&Ticket{Title: "contested"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			const racers = 8
			var wg sync.WaitGroup
			wins := make([]bool, racers)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					wins[i] = store.Claim(created.ID, fmt.Sprintf("agent-%d", i))
				}(i)
			}
			wg.Wait()

			winners := 0
			winner := ""
			for i, won := range wins {
				if won {
					winners++
					winner = fmt.Sprintf("agent-%d", i)
				}
			}
			if winners != 1 {
				t.Fatalf("expected exactly 1 winning claim, got %d", winners)
			}
			after, ok := store.Get(created.ID)
			if !ok {
				t.Fatal("ticket vanished")
			}
			if after.Status != StatusInProgress || after.AssignedTo != winner {
				t.Fatalf("post-claim state: status=%s assigned_to=%s winner=%s",
					after.Status, after.AssignedTo, winner)
			}
		})
	}
}

func TestClaimRequiresOpen(t *testing.T) {
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			created, _ := store.Create(&Ticket{Title: "work"})
			if !store.Claim(created.ID, "A") {
				t.Fatal("first claim should win")
			}
			if store.Claim(created.ID, "B") {
				t.Fatal("claiming an in_progress ticket should fail")
			}
			if store.Claim("9999", "A") {
				t.Fatal("claiming an unknown ticket should fail")
			}
			if store.Claim(created.ID, "") {
				t.Fatal("claiming with an empty agent should fail")
			}
		})
	}
}

func TestStateMachine(t *testing.T) {
	cases := []struct {
		from, to Status
		assignee string
		ok       bool
	}{
		{StatusOpen, StatusInProgress, "A", true},
		{StatusOpen, StatusInProgress, "", false},
		{StatusOpen, StatusResolved, "", false},
		{StatusOpen, StatusClosed, "", false},
		{StatusInProgress, StatusBlocked, "A", true},
		{StatusInProgress, StatusResolved, "A", true},
		{StatusBlocked, StatusInProgress, "A", true},
		{StatusBlocked, StatusResolved, "A", false},
		{StatusResolved, StatusInProgress, "A", true},
		{StatusResolved, StatusClosed, "", true},
		{StatusClosed, StatusInProgress, "A", false},
		{StatusClosed, StatusOpen, "", false},
		{StatusInProgress, StatusInProgress, "A", true},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to, tc.assignee)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s (assignee=%q): unexpected error %v", tc.from, tc.to, tc.assignee, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s -> %s (assignee=%q): expected rejection", tc.from, tc.to, tc.assignee)
		}
	}
}

func TestUpdateEnforcesTransitions(t *testing.T) {
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			created, _ := store.Create(&Ticket{Title: "lifecycle"})

			bad := created.Clone()
			bad.Status = StatusClosed
			if store.Update(bad) {
				t.Fatal("open -> closed must be rejected")
			}

			if !store.Claim(created.ID, "A") {
				t.Fatal("claim failed")
			}
			cur, _ := store.Get(created.ID)
			cur.Status = StatusResolved
			if !store.Update(cur) {
				t.Fatal("in_progress -> resolved should succeed")
			}
			cur, _ = store.Get(created.ID)
			if cur.CompletedAt == nil {
				t.Fatal("resolved ticket should carry completed_at")
			}
			cur.Status = StatusClosed
			cur.AssignedTo = ""
			if !store.Update(cur) {
				t.Fatal("resolved -> closed should succeed")
			}
		})
	}
}

func TestUpdatedAtMonotonic(t *testing.T) {
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			created, _ := store.Create(&Ticket{Title: "clock"})
			if !store.Claim(created.ID, "A") {
				t.Fatal("claim failed")
			}
			prev, _ := store.Get(created.ID)
			cur := prev.Clone()
			cur.Description = "edited"
			if !store.Update(cur) {
				t.Fatal("update failed")
			}
			after, _ := store.Get(created.ID)
			if after.UpdatedAt.Before(prev.UpdatedAt) {
				t.Fatalf("updated_at went backwards: %v -> %v", prev.UpdatedAt, after.UpdatedAt)
			}
		})
	}
}

func TestListFilterSortAndPage(t *testing.T) {
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			seed := []*Ticket{
				{Title: "low", Priority: PriorityLow},
				{Title: "critical", Priority: PriorityCritical},
				{Title: "high", Priority: PriorityHigh, Labels: []string{"backend"}},
				{Title: "medium", Priority: PriorityMedium},
			}
			for _, s := range seed {
				if _, err := store.Create(s); err != nil {
					t.Fatalf("create: %v", err)
				}
			}

			all := store.List(ListFilter{})
			if len(all) != 4 {
				t.Fatalf("expected 4 tickets, got %d", len(all))
			}
			order := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
			for i, want := range order {
				if all[i].Priority != want {
					t.Fatalf("position %d: expected %s, got %s", i, want, all[i].Priority)
				}
			}

			labeled := store.List(ListFilter{Labels: []string{"backend"}})
			if len(labeled) != 1 || labeled[0].Title != "high" {
				t.Fatalf("label filter: %v", labeled)
			}

			paged := store.List(ListFilter{Limit: 2, Offset: 1})
			if len(paged) != 2 || paged[0].Priority != PriorityHigh {
				t.Fatalf("paging: %v", paged)
			}

			// A negative offset reads from the start instead of panicking.
			clamped := store.List(ListFilter{Offset: -3})
			if len(clamped) != 4 || clamped[0].Priority != PriorityCritical {
				t.Fatalf("negative offset: %v", clamped)
			}

			if n := store.Count(StatusOpen, ""); n != 4 {
				t.Fatalf("count open: expected 4, got %d", n)
			}
			if n := store.Count("", PriorityLow); n != 1 {
				t.Fatalf("count low: expected 1, got %d", n)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	for name, store := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			store.Create(&Ticket{Title: "Fix login redirect", Description: "OAuth callback loops"})
			store.Create(&Ticket{Title: "Upgrade parser", Description: "tokenizer panics on emoji"})

			hits := store.Search("oauth", nil)
			if len(hits) != 1 || hits[0].Title != "Fix login redirect" {
				t.Fatalf("search oauth: %v", hits)
			}
			if hits := store.Search("panics", []string{"title"}); len(hits) != 0 {
				t.Fatalf("title-only search should miss description text: %v", hits)
			}
			if hits := store.Search("", nil); hits != nil {
				t.Fatalf("empty query should return nothing: %v", hits)
			}
		})
	}
}

func TestBackupRestoreAcrossBackends(t *testing.T) {
	backends := newBackends(t)
	doc, sqls := backends["document"], backends["sql"]

	doc.Create(&Ticket{Title: "carried", Priority: PriorityHigh})
	doc.Create(&Ticket{Title: "second"})
	snap, err := doc.Backup()
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := sqls.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n := sqls.Count("", ""); n != 2 {
		t.Fatalf("expected 2 restored tickets, got %d", n)
	}
	if got := sqls.NextID(); got != doc.NextID() {
		t.Fatalf("next_id mismatch after restore: doc=%s sql=%s", doc.NextID(), got)
	}
}

func TestDocumentStoreCorruptFileRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tickets.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := NewDocumentStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open over corrupt file: %v", err)
	}
	defer store.Close()

	if n := store.Count("", ""); n != 0 {
		t.Fatalf("expected empty view, got %d tickets", n)
	}
	entries, _ := os.ReadDir(dir)
	backedUp := false
	for _, e := range entries {
		if len(e.Name()) > len("tickets.json.corrupt.") && e.Name()[:len("tickets.json.corrupt.")] == "tickets.json.corrupt." {
			backedUp = true
		}
	}
	if !backedUp {
		t.Fatal("corrupt file was not preserved under a timestamped backup")
	}
}

func TestDocumentStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.json")
	store, err := NewDocumentStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	created, _ := store.Create(&Ticket{Title: "durable", Priority: PriorityHigh})
	store.Close()

	reopened, err := NewDocumentStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, ok := reopened.Get(created.ID)
	if !ok || got.Title != "durable" {
		t.Fatalf("ticket did not survive reopen: %v", got)
	}
	if reopened.NextID() != "2" {
		t.Fatalf("next_id should survive reopen, got %s", reopened.NextID())
	}
}

func TestCloneIsolation(t *testing.T) {
	store, err := NewDocumentStore(filepath.Join(t.TempDir(), "tickets.json"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	created, _ := store.Create(&Ticket{Title: "original", Labels: []string{"a"}})
	created.Title = "mutated"
	created.Labels[0] = "z"
	stored, _ := store.Get(created.ID)
	if stored.Title != "original" || stored.Labels[0] != "a" {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestStatusTimestamps(t *testing.T) {
	store, err := NewSQLStore("sqlite3", ":memory:", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	created, _ := store.Create(&Ticket{Title: "stamps"})
	before := time.Now().UTC().Add(-time.Second)
	if !store.Claim(created.ID, "A") {
		t.Fatal("claim failed")
	}
	cur, _ := store.Get(created.ID)
	if cur.StartedAt == nil || cur.StartedAt.Before(before) {
		t.Fatalf("started_at not set on claim: %v", cur.StartedAt)
	}
}
