package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"mercator-hq/ceres/pkg/ledger/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(storage.NewMemoryStore())
}

func TestLedger_RegisterAgent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	agent, err := l.RegisterAgent(ctx, "agent-1", "owner-1", 50_000_000)
	if err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	if agent.Available() != 50_000_000 {
		t.Errorf("Expected available 50000000, got %d", agent.Available())
	}

	if _, err := l.RegisterAgent(ctx, "agent-1", "owner-1", 1); !errors.Is(err, storage.ErrAgentExists) {
		t.Errorf("Expected ErrAgentExists, got %v", err)
	}
	if _, err := l.RegisterAgent(ctx, "", "owner-1", 1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for empty id, got %v", err)
	}
	if _, err := l.RegisterAgent(ctx, "agent-2", "owner-1", -5); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for negative allocation, got %v", err)
	}
}

func TestLedger_ReserveCommitCycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.RegisterAgent(ctx, "agent-1", "owner-1", 10_000_000); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	res, err := l.Reserve(ctx, "agent-1", 6_000_000)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// Holds count against availability immediately.
	if _, err := l.Reserve(ctx, "agent-1", 5_000_000); !errors.Is(err, storage.ErrInsufficientBudget) {
		t.Errorf("Expected ErrInsufficientBudget, got %v", err)
	}

	if err := l.Commit(ctx, res.ReservationID, 2_000_000); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	agent, _ := l.GetAgent(ctx, "agent-1")
	if agent.BudgetSpent != 2_000_000 {
		t.Errorf("Expected spent 2000000, got %d", agent.BudgetSpent)
	}
	if agent.Available() != 8_000_000 {
		t.Errorf("Expected available 8000000 after partial commit, got %d", agent.Available())
	}

	// Spend never decreases.
	if err := l.Commit(ctx, res.ReservationID, 0); err != nil {
		t.Fatalf("Idempotent commit failed: %v", err)
	}
	agent, _ = l.GetAgent(ctx, "agent-1")
	if agent.BudgetSpent != 2_000_000 {
		t.Errorf("Repeated commit changed spend: %d", agent.BudgetSpent)
	}
}

func TestLedger_ReserveValidation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.RegisterAgent(ctx, "agent-1", "owner-1", 10_000_000); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	for _, amount := range []int64{0, -1} {
		if _, err := l.Reserve(ctx, "agent-1", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Reserve(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if _, err := l.Reserve(ctx, "ghost", 1); !errors.Is(err, storage.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestLedger_Release(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.RegisterAgent(ctx, "agent-1", "owner-1", 10_000_000); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	res, err := l.Reserve(ctx, "agent-1", 10_000_000)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := l.Release(ctx, res.ReservationID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	agent, _ := l.GetAgent(ctx, "agent-1")
	if agent.Available() != 10_000_000 {
		t.Errorf("Release did not restore availability: %d", agent.Available())
	}

	// A released reservation cannot be committed.
	if err := l.Commit(ctx, res.ReservationID, 1); !errors.Is(err, storage.ErrReservationReleased) {
		t.Errorf("Expected ErrReservationReleased, got %v", err)
	}
}

func TestLedger_RaiseAllocation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.RegisterAgent(ctx, "agent-1", "owner-1", 10_000_000); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	entry, err := l.RaiseAllocation(ctx, "agent-1", 40_000_000, "admin-1", "quarterly budget uplift")
	if err != nil {
		t.Fatalf("RaiseAllocation failed: %v", err)
	}
	if entry.Modification != storage.ModificationIncrease {
		t.Errorf("Expected increase, got %s", entry.Modification)
	}

	history, err := l.History(ctx, "agent-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].ChangeAmount != 30_000_000 {
		t.Errorf("Unexpected history: %+v", history)
	}

	// Overrides require an identity and a reason.
	if _, err := l.RaiseAllocation(ctx, "agent-1", 50_000_000, "", "x"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for empty modifier, got %v", err)
	}
	if _, err := l.RaiseAllocation(ctx, "agent-1", 50_000_000, "admin-1", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for empty reason, got %v", err)
	}
}

func TestLedger_HistoryUnknownAgent(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.History(context.Background(), "ghost"); !errors.Is(err, storage.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

// TestLedger_ConcurrentReservations hammers one agent with parallel
// reservations; the sum of granted holds must never exceed allocation.
func TestLedger_ConcurrentReservations(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.RegisterAgent(ctx, "agent-1", "owner-1", 10_000_000); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	const racers = 20
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, "agent-1", 1_500_000)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var granted int
	for err := range results {
		if err == nil {
			granted++
		} else if !errors.Is(err, storage.ErrInsufficientBudget) {
			t.Errorf("Unexpected error: %v", err)
		}
	}

	// 10M / 1.5M = at most 6 grants.
	if granted > 6 {
		t.Errorf("Overdraw: %d grants of 1500000 against 10000000", granted)
	}
	agent, _ := l.GetAgent(ctx, "agent-1")
	if agent.BudgetPending > agent.BudgetAllocated {
		t.Errorf("Pending %d exceeds allocation %d", agent.BudgetPending, agent.BudgetAllocated)
	}
}
