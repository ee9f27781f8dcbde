package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

// backendFactory builds a fresh store for a subtest. Every behavior in
// this file must hold for both backends.
type backendFactory func(t *testing.T) Store

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			store, cleanup := newTestSQLiteStore(t)
			t.Cleanup(cleanup)
			return store
		},
	}
}

func mustCreateAgent(t *testing.T, store Store, agentID string, allocated int64) {
	t.Helper()
	err := store.CreateAgent(context.Background(), &Agent{
		AgentID:         agentID,
		OwnerID:         "owner-1",
		BudgetAllocated: allocated,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
}

func TestStore_CreateAndGetAgent(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			mustCreateAgent(t, store, "agent-1", 50_000_000)

			agent, err := store.GetAgent(ctx, "agent-1")
			if err != nil {
				t.Fatalf("GetAgent failed: %v", err)
			}
			if agent.BudgetAllocated != 50_000_000 {
				t.Errorf("Expected allocation 50000000, got %d", agent.BudgetAllocated)
			}
			if agent.BudgetSpent != 0 || agent.BudgetPending != 0 {
				t.Errorf("Expected zero spent/pending, got %d/%d", agent.BudgetSpent, agent.BudgetPending)
			}
			if agent.Available() != 50_000_000 {
				t.Errorf("Expected available 50000000, got %d", agent.Available())
			}

			// Duplicate registration must be rejected.
			err = store.CreateAgent(ctx, &Agent{AgentID: "agent-1", OwnerID: "owner-2", BudgetAllocated: 1, CreatedAt: time.Now()})
			if !errors.Is(err, ErrAgentExists) {
				t.Errorf("Expected ErrAgentExists, got %v", err)
			}
		})
	}
}

func TestStore_GetAgentNotFound(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			_, err := store.GetAgent(context.Background(), "ghost")
			if !errors.Is(err, ErrAgentNotFound) {
				t.Errorf("Expected ErrAgentNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ReserveCommitRelease(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 10_000_000)

			res := &Reservation{
				ReservationID: NewReservationID(),
				AgentID:       "agent-1",
				Amount:        4_000_000,
				CreatedAt:     time.Now().UTC(),
			}
			if err := store.Reserve(ctx, res); err != nil {
				t.Fatalf("Reserve failed: %v", err)
			}

			agent, _ := store.GetAgent(ctx, "agent-1")
			if agent.BudgetPending != 4_000_000 {
				t.Errorf("Expected pending 4000000, got %d", agent.BudgetPending)
			}
			if agent.Available() != 6_000_000 {
				t.Errorf("Expected available 6000000, got %d", agent.Available())
			}

			// Commit less than the held amount; the rest returns.
			if err := store.CommitReservation(ctx, res.ReservationID, 1_500_000); err != nil {
				t.Fatalf("CommitReservation failed: %v", err)
			}
			agent, _ = store.GetAgent(ctx, "agent-1")
			if agent.BudgetSpent != 1_500_000 {
				t.Errorf("Expected spent 1500000, got %d", agent.BudgetSpent)
			}
			if agent.BudgetPending != 0 {
				t.Errorf("Expected pending 0 after commit, got %d", agent.BudgetPending)
			}
			if agent.Available() != 8_500_000 {
				t.Errorf("Expected available 8500000, got %d", agent.Available())
			}

			// Second commit of the same reservation is a no-op.
			if err := store.CommitReservation(ctx, res.ReservationID, 1_500_000); err != nil {
				t.Fatalf("Repeated commit should be idempotent, got: %v", err)
			}
			agent, _ = store.GetAgent(ctx, "agent-1")
			if agent.BudgetSpent != 1_500_000 {
				t.Errorf("Repeated commit changed spent: %d", agent.BudgetSpent)
			}
		})
	}
}

func TestStore_ReserveInsufficientBudget(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 5_000_000)

			first := &Reservation{ReservationID: NewReservationID(), AgentID: "agent-1", Amount: 4_000_000, CreatedAt: time.Now()}
			if err := store.Reserve(ctx, first); err != nil {
				t.Fatalf("Reserve failed: %v", err)
			}

			// 1M available, 2M asked: fail closed.
			second := &Reservation{ReservationID: NewReservationID(), AgentID: "agent-1", Amount: 2_000_000, CreatedAt: time.Now()}
			err := store.Reserve(ctx, second)
			if !errors.Is(err, ErrInsufficientBudget) {
				t.Errorf("Expected ErrInsufficientBudget, got %v", err)
			}

			// Releasing the first hold restores availability.
			if err := store.ReleaseReservation(ctx, first.ReservationID); err != nil {
				t.Fatalf("ReleaseReservation failed: %v", err)
			}
			if err := store.Reserve(ctx, second); err != nil {
				t.Errorf("Reserve after release failed: %v", err)
			}
		})
	}
}

func TestStore_CommitOvercommit(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 10_000_000)

			res := &Reservation{ReservationID: NewReservationID(), AgentID: "agent-1", Amount: 1_000_000, CreatedAt: time.Now()}
			if err := store.Reserve(ctx, res); err != nil {
				t.Fatalf("Reserve failed: %v", err)
			}

			err := store.CommitReservation(ctx, res.ReservationID, 1_000_001)
			if !errors.Is(err, ErrReservationOvercommit) {
				t.Errorf("Expected ErrReservationOvercommit, got %v", err)
			}
			err = store.CommitReservation(ctx, res.ReservationID, -1)
			if !errors.Is(err, ErrReservationOvercommit) {
				t.Errorf("Expected ErrReservationOvercommit for negative, got %v", err)
			}
		})
	}
}

func TestStore_LeaseLifecycle(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 100_000_000)

			now := time.Now().UTC()
			lease := &Lease{
				LeaseID:       NewLeaseID(),
				AgentID:       "agent-1",
				ReservationID: NewReservationID(),
				BudgetGranted: 10_000_000,
				ClientToken:   "ct",
				ProviderToken: "pt",
				CreatedAt:     now,
				ExpiresAt:     now.Add(time.Hour),
			}
			if err := store.CreateLease(ctx, lease); err != nil {
				t.Fatalf("CreateLease failed: %v", err)
			}

			agent, _ := store.GetAgent(ctx, "agent-1")
			if agent.BudgetPending != 10_000_000 {
				t.Errorf("Expected pending 10000000 after lease, got %d", agent.BudgetPending)
			}

			// A second ACTIVE lease for the same agent must be refused.
			dup := &Lease{
				LeaseID:       NewLeaseID(),
				AgentID:       "agent-1",
				ReservationID: NewReservationID(),
				BudgetGranted: 1_000_000,
				ClientToken:   "ct2",
				ProviderToken: "pt2",
				CreatedAt:     now,
				ExpiresAt:     now.Add(time.Hour),
			}
			if err := store.CreateLease(ctx, dup); !errors.Is(err, ErrLeaseActive) {
				t.Errorf("Expected ErrLeaseActive, got %v", err)
			}

			// Record usage against the tranche.
			got, err := store.RecordLeaseUsage(ctx, lease.LeaseID, 3_000_000, now.Add(time.Minute))
			if err != nil {
				t.Fatalf("RecordLeaseUsage failed: %v", err)
			}
			if got.BudgetSpent != 3_000_000 {
				t.Errorf("Expected lease spent 3000000, got %d", got.BudgetSpent)
			}
			if got.Remaining() != 7_000_000 {
				t.Errorf("Expected remaining 7000000, got %d", got.Remaining())
			}

			// Close settles at reported spend, returning the remainder.
			returned, err := store.CloseLease(ctx, lease.LeaseID, now.Add(2*time.Minute))
			if err != nil {
				t.Fatalf("CloseLease failed: %v", err)
			}
			if returned != 7_000_000 {
				t.Errorf("Expected 7000000 returned, got %d", returned)
			}

			agent, _ = store.GetAgent(ctx, "agent-1")
			if agent.BudgetSpent != 3_000_000 {
				t.Errorf("Expected agent spent 3000000, got %d", agent.BudgetSpent)
			}
			if agent.BudgetPending != 0 {
				t.Errorf("Expected pending 0 after close, got %d", agent.BudgetPending)
			}

			// Terminal states reject further operations.
			if _, err := store.RecordLeaseUsage(ctx, lease.LeaseID, 1, now); !errors.Is(err, ErrLeaseTerminal) {
				t.Errorf("Expected ErrLeaseTerminal, got %v", err)
			}
			if _, err := store.CloseLease(ctx, lease.LeaseID, now); !errors.Is(err, ErrLeaseTerminal) {
				t.Errorf("Expected ErrLeaseTerminal on double close, got %v", err)
			}
		})
	}
}

func TestStore_LeaseUsageExceedsBudget(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 100_000_000)

			now := time.Now().UTC()
			lease := &Lease{
				LeaseID:       NewLeaseID(),
				AgentID:       "agent-1",
				ReservationID: NewReservationID(),
				BudgetGranted: 1_000_000,
				ClientToken:   "ct",
				ProviderToken: "pt",
				CreatedAt:     now,
				ExpiresAt:     now.Add(time.Hour),
			}
			if err := store.CreateLease(ctx, lease); err != nil {
				t.Fatalf("CreateLease failed: %v", err)
			}

			// Over-budget report fails and leaves the lease untouched.
			_, err := store.RecordLeaseUsage(ctx, lease.LeaseID, 1_000_001, now)
			if !errors.Is(err, ErrLeaseBudgetExceeded) {
				t.Fatalf("Expected ErrLeaseBudgetExceeded, got %v", err)
			}
			got, _ := store.GetLease(ctx, lease.LeaseID)
			if got.BudgetSpent != 0 {
				t.Errorf("Failed report mutated spend: %d", got.BudgetSpent)
			}
			if got.State != LeaseActive {
				t.Errorf("Failed report changed state: %s", got.State)
			}

			// Exact exhaustion expires the lease.
			got, err = store.RecordLeaseUsage(ctx, lease.LeaseID, 1_000_000, now)
			if err != nil {
				t.Fatalf("RecordLeaseUsage failed: %v", err)
			}
			if got.State != LeaseExpired {
				t.Errorf("Expected EXPIRED after exhaustion, got %s", got.State)
			}
		})
	}
}

func TestStore_RenewLease(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 25_000_000)

			now := time.Now().UTC()
			lease := &Lease{
				LeaseID:       NewLeaseID(),
				AgentID:       "agent-1",
				ReservationID: NewReservationID(),
				BudgetGranted: 10_000_000,
				ClientToken:   "ct",
				ProviderToken: "pt",
				CreatedAt:     now,
				ExpiresAt:     now.Add(time.Hour),
			}
			if err := store.CreateLease(ctx, lease); err != nil {
				t.Fatalf("CreateLease failed: %v", err)
			}
			if _, err := store.RecordLeaseUsage(ctx, lease.LeaseID, 8_000_000, now); err != nil {
				t.Fatalf("RecordLeaseUsage failed: %v", err)
			}
			if err := store.MarkLeaseExpired(ctx, lease.LeaseID, now.Add(time.Hour)); err != nil {
				t.Fatalf("MarkLeaseExpired failed: %v", err)
			}

			renewed, err := store.RenewLease(ctx, &Renewal{
				LeaseID:          lease.LeaseID,
				TotalSpent:       8_000_000,
				NewReservationID: NewReservationID(),
				NextTranche:      10_000_000,
				NewExpiresAt:     now.Add(2 * time.Hour),
				At:               now.Add(time.Hour),
			})
			if err != nil {
				t.Fatalf("RenewLease failed: %v", err)
			}
			if renewed.State != LeaseActive {
				t.Errorf("Expected ACTIVE after renewal, got %s", renewed.State)
			}
			if renewed.BudgetSpent != 0 || renewed.BudgetGranted != 10_000_000 {
				t.Errorf("Expected fresh tranche 0/10000000, got %d/%d", renewed.BudgetSpent, renewed.BudgetGranted)
			}
			if renewed.Renewals != 1 {
				t.Errorf("Expected renewals 1, got %d", renewed.Renewals)
			}

			// 8M committed + 10M held out of 25M.
			agent, _ := store.GetAgent(ctx, "agent-1")
			if agent.BudgetSpent != 8_000_000 {
				t.Errorf("Expected spent 8000000, got %d", agent.BudgetSpent)
			}
			if agent.BudgetPending != 10_000_000 {
				t.Errorf("Expected pending 10000000, got %d", agent.BudgetPending)
			}
			if agent.Available() != 7_000_000 {
				t.Errorf("Expected available 7000000, got %d", agent.Available())
			}
		})
	}
}

func TestStore_RenewLeaseInsufficientBudgetRollsBack(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 10_000_000)

			now := time.Now().UTC()
			lease := &Lease{
				LeaseID:       NewLeaseID(),
				AgentID:       "agent-1",
				ReservationID: NewReservationID(),
				BudgetGranted: 10_000_000,
				ClientToken:   "ct",
				ProviderToken: "pt",
				CreatedAt:     now,
				ExpiresAt:     now.Add(time.Hour),
			}
			if err := store.CreateLease(ctx, lease); err != nil {
				t.Fatalf("CreateLease failed: %v", err)
			}
			if _, err := store.RecordLeaseUsage(ctx, lease.LeaseID, 9_000_000, now); err != nil {
				t.Fatalf("RecordLeaseUsage failed: %v", err)
			}

			// Settling frees 1M; a 5M tranche cannot fit in 10M - 9M.
			_, err := store.RenewLease(ctx, &Renewal{
				LeaseID:          lease.LeaseID,
				TotalSpent:       9_000_000,
				NewReservationID: NewReservationID(),
				NextTranche:      5_000_000,
				NewExpiresAt:     now.Add(2 * time.Hour),
				At:               now,
			})
			if !errors.Is(err, ErrInsufficientBudget) {
				t.Fatalf("Expected ErrInsufficientBudget, got %v", err)
			}

			// Nothing settled: the old cycle is still open, untouched.
			agent, err := store.GetAgent(ctx, "agent-1")
			if err != nil {
				t.Fatalf("GetAgent failed: %v", err)
			}
			if agent.BudgetSpent != 0 || agent.BudgetPending != 10_000_000 {
				t.Errorf("Denied renewal leaked state: spent=%d pending=%d",
					agent.BudgetSpent, agent.BudgetPending)
			}
			got, err := store.GetLease(ctx, lease.LeaseID)
			if err != nil {
				t.Fatalf("GetLease failed: %v", err)
			}
			if got.State != LeaseActive || got.BudgetSpent != 9_000_000 || got.Renewals != 0 {
				t.Errorf("Denied renewal changed lease: state=%s spent=%d renewals=%d",
					got.State, got.BudgetSpent, got.Renewals)
			}

			// A tranche the remainder can cover still renews.
			renewed, err := store.RenewLease(ctx, &Renewal{
				LeaseID:          lease.LeaseID,
				TotalSpent:       9_000_000,
				NewReservationID: NewReservationID(),
				NextTranche:      1_000_000,
				NewExpiresAt:     now.Add(2 * time.Hour),
				At:               now,
			})
			if err != nil {
				t.Fatalf("RenewLease with fitting tranche failed: %v", err)
			}
			if renewed.BudgetGranted != 1_000_000 || renewed.Renewals != 1 {
				t.Errorf("Renewal = granted %d renewals %d", renewed.BudgetGranted, renewed.Renewals)
			}
		})
	}
}

func TestStore_RevokeLease(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 20_000_000)

			now := time.Now().UTC()
			lease := &Lease{
				LeaseID:       NewLeaseID(),
				AgentID:       "agent-1",
				ReservationID: NewReservationID(),
				BudgetGranted: 10_000_000,
				ClientToken:   "ct",
				ProviderToken: "pt",
				CreatedAt:     now,
				ExpiresAt:     now.Add(time.Hour),
			}
			if err := store.CreateLease(ctx, lease); err != nil {
				t.Fatalf("CreateLease failed: %v", err)
			}
			if _, err := store.RecordLeaseUsage(ctx, lease.LeaseID, 2_000_000, now); err != nil {
				t.Fatalf("RecordLeaseUsage failed: %v", err)
			}

			returned, err := store.RevokeLease(ctx, lease.LeaseID, "usage velocity exceeded threshold", now)
			if err != nil {
				t.Fatalf("RevokeLease failed: %v", err)
			}
			if returned != 8_000_000 {
				t.Errorf("Expected 8000000 returned, got %d", returned)
			}

			got, _ := store.GetLease(ctx, lease.LeaseID)
			if got.State != LeaseRevoked {
				t.Errorf("Expected REVOKED, got %s", got.State)
			}
			if got.RevokeReason != "usage velocity exceeded threshold" {
				t.Errorf("Revoke reason not recorded: %q", got.RevokeReason)
			}

			// REVOKED is terminal: no renewal.
			_, err = store.RenewLease(ctx, &Renewal{
				LeaseID:          lease.LeaseID,
				TotalSpent:       2_000_000,
				NewReservationID: NewReservationID(),
				NextTranche:      1_000_000,
				NewExpiresAt:     now.Add(time.Hour),
				At:               now,
			})
			if !errors.Is(err, ErrLeaseTerminal) {
				t.Errorf("Expected ErrLeaseTerminal on renew after revoke, got %v", err)
			}
		})
	}
}

func TestStore_PausedAgentCannotLease(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 10_000_000)

			if err := store.SetAgentPaused(ctx, "agent-1", true); err != nil {
				t.Fatalf("SetAgentPaused failed: %v", err)
			}

			now := time.Now().UTC()
			err := store.CreateLease(ctx, &Lease{
				LeaseID:       NewLeaseID(),
				AgentID:       "agent-1",
				ReservationID: NewReservationID(),
				BudgetGranted: 1_000_000,
				ClientToken:   "ct",
				ProviderToken: "pt",
				CreatedAt:     now,
				ExpiresAt:     now.Add(time.Hour),
			})
			if !errors.Is(err, ErrAgentPaused) {
				t.Errorf("Expected ErrAgentPaused, got %v", err)
			}
		})
	}
}

func TestStore_RequestLifecycle(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 10_000_000)

			now := time.Now().UTC()
			req := &Request{
				RequestID:       NewRequestID(),
				AgentID:         "agent-1",
				RequesterID:     "agent-1",
				RequestedBudget: 30_000_000,
				Justification:   "sustained workload needs a larger steady-state budget",
				CreatedAt:       now,
			}
			if err := store.CreateRequest(ctx, req); err != nil {
				t.Fatalf("CreateRequest failed: %v", err)
			}
			if req.CurrentBudget != 10_000_000 {
				t.Errorf("Expected snapshot of current budget 10000000, got %d", req.CurrentBudget)
			}

			approved, err := store.ApproveRequest(ctx, req.RequestID, "admin-1", now.Add(time.Minute))
			if err != nil {
				t.Fatalf("ApproveRequest failed: %v", err)
			}
			if approved.Status != RequestApproved || approved.ApproverID != "admin-1" {
				t.Errorf("Unexpected approved request: %+v", approved)
			}

			agent, _ := store.GetAgent(ctx, "agent-1")
			if agent.BudgetAllocated != 30_000_000 {
				t.Errorf("Approval did not raise allocation: %d", agent.BudgetAllocated)
			}

			history, err := store.ListHistory(ctx, "agent-1")
			if err != nil {
				t.Fatalf("ListHistory failed: %v", err)
			}
			if len(history) != 1 {
				t.Fatalf("Expected 1 history entry, got %d", len(history))
			}
			e := history[0]
			if e.Modification != ModificationIncrease {
				t.Errorf("Expected increase, got %s", e.Modification)
			}
			if e.OldAllocated != 10_000_000 || e.NewAllocated != 30_000_000 || e.ChangeAmount != 20_000_000 {
				t.Errorf("Unexpected history amounts: %+v", e)
			}
			if e.RelatedRequestID != req.RequestID {
				t.Errorf("History entry not linked to request: %q", e.RelatedRequestID)
			}

			// Decided requests refuse further transitions.
			if _, err := store.RejectRequest(ctx, req.RequestID, "admin-2", "no", now); !errors.Is(err, ErrRequestDecided) {
				t.Errorf("Expected ErrRequestDecided, got %v", err)
			}
			if _, err := store.CancelRequest(ctx, req.RequestID, now); !errors.Is(err, ErrRequestDecided) {
				t.Errorf("Expected ErrRequestDecided on cancel, got %v", err)
			}
		})
	}
}

func TestStore_RejectAndCancelDoNotTouchBudget(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 10_000_000)

			now := time.Now().UTC()
			rejected := &Request{
				RequestID:       NewRequestID(),
				AgentID:         "agent-1",
				RequesterID:     "agent-1",
				RequestedBudget: 99_000_000,
				Justification:   "a justification long enough to pass validation checks",
				CreatedAt:       now,
			}
			if err := store.CreateRequest(ctx, rejected); err != nil {
				t.Fatalf("CreateRequest failed: %v", err)
			}
			got, err := store.RejectRequest(ctx, rejected.RequestID, "admin-1", "amount not justified by workload", now)
			if err != nil {
				t.Fatalf("RejectRequest failed: %v", err)
			}
			if got.Status != RequestRejected || got.RejectionReason == "" {
				t.Errorf("Unexpected rejected request: %+v", got)
			}

			cancelled := &Request{
				RequestID:       NewRequestID(),
				AgentID:         "agent-1",
				RequesterID:     "agent-1",
				RequestedBudget: 99_000_000,
				Justification:   "a justification long enough to pass validation checks",
				CreatedAt:       now,
			}
			if err := store.CreateRequest(ctx, cancelled); err != nil {
				t.Fatalf("CreateRequest failed: %v", err)
			}
			if _, err := store.CancelRequest(ctx, cancelled.RequestID, now); err != nil {
				t.Fatalf("CancelRequest failed: %v", err)
			}

			agent, _ := store.GetAgent(ctx, "agent-1")
			if agent.BudgetAllocated != 10_000_000 {
				t.Errorf("Reject/cancel mutated allocation: %d", agent.BudgetAllocated)
			}
			history, _ := store.ListHistory(ctx, "agent-1")
			if len(history) != 0 {
				t.Errorf("Reject/cancel wrote history: %d entries", len(history))
			}
		})
	}
}

func TestStore_OverrideAllocation(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 10_000_000)

			res := &Reservation{ReservationID: NewReservationID(), AgentID: "agent-1", Amount: 3_000_000, CreatedAt: time.Now()}
			if err := store.Reserve(ctx, res); err != nil {
				t.Fatalf("Reserve failed: %v", err)
			}
			if err := store.CommitReservation(ctx, res.ReservationID, 3_000_000); err != nil {
				t.Fatalf("CommitReservation failed: %v", err)
			}

			now := time.Now().UTC()

			// Lowering below committed spend must fail.
			_, err := store.OverrideAllocation(ctx, "agent-1", 2_000_000, "admin-1", "cost reduction", now)
			if !errors.Is(err, ErrAllocationBelowSpent) {
				t.Errorf("Expected ErrAllocationBelowSpent, got %v", err)
			}

			entry, err := store.OverrideAllocation(ctx, "agent-1", 5_000_000, "admin-1", "cost reduction", now)
			if err != nil {
				t.Fatalf("OverrideAllocation failed: %v", err)
			}
			if entry.Modification != ModificationDecrease {
				t.Errorf("Expected decrease, got %s", entry.Modification)
			}

			agent, _ := store.GetAgent(ctx, "agent-1")
			if agent.BudgetAllocated != 5_000_000 {
				t.Errorf("Expected allocation 5000000, got %d", agent.BudgetAllocated)
			}
		})
	}
}

func TestStore_ListRequestsFilter(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustCreateAgent(t, store, "agent-1", 10_000_000)
			mustCreateAgent(t, store, "agent-2", 10_000_000)

			base := time.Now().UTC()
			for i, agentID := range []string{"agent-1", "agent-1", "agent-2"} {
				req := &Request{
					RequestID:       NewRequestID(),
					AgentID:         agentID,
					RequesterID:     agentID,
					RequestedBudget: 20_000_000,
					Justification:   "a justification long enough to pass validation checks",
					CreatedAt:       base.Add(time.Duration(i) * time.Second),
				}
				if err := store.CreateRequest(ctx, req); err != nil {
					t.Fatalf("CreateRequest failed: %v", err)
				}
				if i == 0 {
					if _, err := store.CancelRequest(ctx, req.RequestID, base); err != nil {
						t.Fatalf("CancelRequest failed: %v", err)
					}
				}
			}

			all, err := store.ListRequests(ctx, RequestFilter{})
			if err != nil {
				t.Fatalf("ListRequests failed: %v", err)
			}
			if len(all) != 3 {
				t.Errorf("Expected 3 requests, got %d", len(all))
			}

			pending, _ := store.ListRequests(ctx, RequestFilter{Status: RequestPending})
			if len(pending) != 2 {
				t.Errorf("Expected 2 pending, got %d", len(pending))
			}

			agent1, _ := store.ListRequests(ctx, RequestFilter{AgentID: "agent-1"})
			if len(agent1) != 2 {
				t.Errorf("Expected 2 for agent-1, got %d", len(agent1))
			}

			both, _ := store.ListRequests(ctx, RequestFilter{AgentID: "agent-1", Status: RequestPending})
			if len(both) != 1 {
				t.Errorf("Expected 1 pending for agent-1, got %d", len(both))
			}
		})
	}
}
