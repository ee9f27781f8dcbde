package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "audit.db")}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndQuery(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	j.Record(ctx, KindLeaseGranted, "agent-1", "agent-1", "lease_a",
		map[string]any{"tranche": int64(10_000_000)})
	j.Record(ctx, KindLeaseUsage, "agent-1", "agent-1", "lease_a",
		map[string]any{"amount": int64(2_000_000)})
	j.Record(ctx, KindRequestApproved, "agent-2", "admin-1", "breq_x", nil)

	all, err := j.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(all))
	}

	byAgent, _ := j.Query(ctx, Filter{AgentID: "agent-1"})
	if len(byAgent) != 2 {
		t.Errorf("Expected 2 entries for agent-1, got %d", len(byAgent))
	}

	byKind, _ := j.Query(ctx, Filter{Kind: KindRequestApproved})
	if len(byKind) != 1 {
		t.Fatalf("Expected 1 approval entry, got %d", len(byKind))
	}
	if byKind[0].ActorID != "admin-1" || byKind[0].SubjectID != "breq_x" {
		t.Errorf("Unexpected entry: %+v", byKind[0])
	}

	limited, _ := j.Query(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("Limit not applied: %d", len(limited))
	}
}

func TestJournal_CountAndPagination(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		j.Record(ctx, KindLeaseUsage, "agent-1", "agent-1", "lease_a", nil)
	}
	j.Record(ctx, KindRequestApproved, "agent-2", "admin-1", "breq_x", nil)

	n, err := j.Count(ctx, Filter{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 7 {
		t.Fatalf("Expected count 7, got %d", n)
	}

	// Count ignores Limit and Offset.
	n, _ = j.Count(ctx, Filter{AgentID: "agent-1", Limit: 2, Offset: 3})
	if n != 7 {
		t.Errorf("Count honored limit/offset: got %d", n)
	}

	// Walk agent-1's entries in pages of 3 and make sure the pages
	// tile the full result set without overlap.
	seen := map[string]bool{}
	for offset := 0; offset < 7; offset += 3 {
		page, err := j.Query(ctx, Filter{AgentID: "agent-1", Limit: 3, Offset: offset})
		if err != nil {
			t.Fatalf("Query page at offset %d failed: %v", offset, err)
		}
		for _, e := range page {
			if seen[e.EntryID] {
				t.Errorf("Entry %s returned twice", e.EntryID)
			}
			seen[e.EntryID] = true
		}
	}
	if len(seen) != 7 {
		t.Errorf("Pages covered %d entries, want 7", len(seen))
	}

	// Offset without Limit skips from the newest end.
	tail, err := j.Query(ctx, Filter{AgentID: "agent-1", Offset: 5})
	if err != nil {
		t.Fatalf("Offset-only query failed: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("Expected 2 entries past offset 5, got %d", len(tail))
	}
}

func TestJournal_DetailRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	j.Record(ctx, KindLeaseRevoked, "agent-1", "policy", "lease_a",
		map[string]any{"reason": "velocity", "returned": float64(8_000_000)})

	got, err := j.Query(ctx, Filter{Kind: KindLeaseRevoked})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(got))
	}
	if got[0].Detail["reason"] != "velocity" {
		t.Errorf("Detail not preserved: %+v", got[0].Detail)
	}
}

func TestJournal_Prune(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	j.Record(ctx, KindLeaseGranted, "agent-1", "", "lease_a", nil)
	j.Record(ctx, KindLeaseClosed, "agent-1", "", "lease_a", nil)

	// Cutoff in the future removes everything.
	n, err := j.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 pruned, got %d", n)
	}

	rest, _ := j.Query(ctx, Filter{})
	if len(rest) != 0 {
		t.Errorf("Expected empty journal, got %d entries", len(rest))
	}
}

func TestPruner_RespectsRetention(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	j.Record(ctx, KindLeaseGranted, "agent-1", "", "lease_a", nil)

	p := NewPruner(j, 30, "30 3 * * *", nil)
	// Pretend it is far in the future so the entry has aged out.
	p.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	p.Prune(ctx)

	rest, _ := j.Query(ctx, Filter{})
	if len(rest) != 0 {
		t.Errorf("Expected aged entry pruned, got %d", len(rest))
	}

	// Fresh entries survive.
	j.Record(ctx, KindLeaseClosed, "agent-1", "", "lease_a", nil)
	p.now = time.Now
	p.Prune(ctx)
	rest, _ = j.Query(ctx, Filter{})
	if len(rest) != 1 {
		t.Errorf("Fresh entry was pruned")
	}
}
