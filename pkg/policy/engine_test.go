package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/ceres/pkg/config"
	"mercator-hq/ceres/pkg/ledger/storage"
)

type fakeRevoker struct {
	mu      sync.Mutex
	revoked map[string]string
}

func (r *fakeRevoker) Revoke(_ context.Context, leaseID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revoked == nil {
		r.revoked = make(map[string]string)
	}
	r.revoked[leaseID] = reason
	return 0, nil
}

func (r *fakeRevoker) reasonFor(leaseID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.revoked[leaseID]
	return reason, ok
}

func testPolicyConfig() config.PolicyConfig {
	return config.PolicyConfig{
		Enabled:              true,
		Window:               10 * time.Minute,
		MaxSpendPerWindow:    10_000_000,
		MaxRenewalsPerWindow: 3,
		AutoRevoke:           true,
	}
}

func newTestEngine(t *testing.T, cfg config.PolicyConfig) (*Engine, *fakeRevoker, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	revoker := &fakeRevoker{}
	e := NewEngine(cfg, store, WithRevoker(revoker))

	err := store.CreateAgent(context.Background(), &storage.Agent{
		AgentID:         "agent-1",
		OwnerID:         "owner-1",
		BudgetAllocated: 1_000_000_000,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return e, revoker, store
}

func TestEngine_VelocityRuleRevokes(t *testing.T) {
	e, revoker, _ := newTestEngine(t, testPolicyConfig())
	now := time.Now().UTC()

	// Under the ceiling: nothing happens.
	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 6_000_000, now)
	if _, ok := revoker.reasonFor("lease_a"); ok {
		t.Fatal("Revoked below the ceiling")
	}

	// Over the ceiling inside the window: revoked.
	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 5_000_000, now.Add(time.Minute))
	reason, ok := revoker.reasonFor("lease_a")
	if !ok {
		t.Fatal("Expected revocation after exceeding ceiling")
	}
	if reason == "" {
		t.Error("Revocation reason is empty")
	}
}

func TestEngine_SpendOutsideWindowDoesNotTrip(t *testing.T) {
	e, revoker, _ := newTestEngine(t, testPolicyConfig())
	now := time.Now().UTC()

	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 8_000_000, now)
	// 15 minutes later the first report has aged out of the 10m window.
	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 8_000_000, now.Add(15*time.Minute))

	if _, ok := revoker.reasonFor("lease_a"); ok {
		t.Error("Revoked although spend never exceeded the ceiling inside one window")
	}
}

func TestEngine_RenewalRateRule(t *testing.T) {
	e, revoker, _ := newTestEngine(t, testPolicyConfig())
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		e.ObserveRenewal("agent-1", "lease_a", "10.0.0.1", now.Add(time.Duration(i)*time.Minute))
	}
	if _, ok := revoker.reasonFor("lease_a"); ok {
		t.Fatal("Revoked at the cap rather than above it")
	}

	e.ObserveRenewal("agent-1", "lease_a", "10.0.0.1", now.Add(4*time.Minute))
	if _, ok := revoker.reasonFor("lease_a"); !ok {
		t.Error("Expected revocation above the renewal cap")
	}
}

func TestEngine_OriginConsistencyRule(t *testing.T) {
	cfg := testPolicyConfig()
	cfg.MaxOriginsPerWindow = 2
	e, revoker, _ := newTestEngine(t, cfg)
	now := time.Now().UTC()

	// Two origins inside the window: allowed.
	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 1_000, now)
	e.ObserveUsage("agent-1", "lease_a", "10.0.0.2", 1_000, now.Add(time.Minute))
	if _, ok := revoker.reasonFor("lease_a"); ok {
		t.Fatal("Revoked at the origin cap rather than above it")
	}

	// A third origin presenting the same lease's tokens trips the rule.
	e.ObserveUsage("agent-1", "lease_a", "172.16.9.40", 1_000, now.Add(2*time.Minute))
	reason, ok := revoker.reasonFor("lease_a")
	if !ok {
		t.Fatal("Expected revocation above the origin cap")
	}
	if !strings.Contains(reason, "origin_consistency") {
		t.Errorf("Unexpected reason: %q", reason)
	}
}

func TestEngine_OriginAgesOutOfWindow(t *testing.T) {
	cfg := testPolicyConfig()
	cfg.MaxOriginsPerWindow = 2
	e, revoker, _ := newTestEngine(t, cfg)
	now := time.Now().UTC()

	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 1_000, now)
	e.ObserveUsage("agent-1", "lease_a", "10.0.0.2", 1_000, now.Add(time.Minute))
	// 15 minutes on, the first two origins left the 10m window.
	e.ObserveUsage("agent-1", "lease_a", "172.16.9.40", 1_000, now.Add(15*time.Minute))

	if _, ok := revoker.reasonFor("lease_a"); ok {
		t.Error("Revoked although never more than two origins shared a window")
	}
}

func TestEngine_EmptyOriginIgnored(t *testing.T) {
	cfg := testPolicyConfig()
	cfg.MaxOriginsPerWindow = 1
	e, revoker, _ := newTestEngine(t, cfg)
	now := time.Now().UTC()

	// Unknown origins never count against the cap.
	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 1_000, now)
	e.ObserveUsage("agent-1", "lease_a", "", 1_000, now.Add(time.Minute))
	if _, ok := revoker.reasonFor("lease_a"); ok {
		t.Error("Empty origin counted as a distinct origin")
	}
}

func TestEngine_PauseAgent(t *testing.T) {
	cfg := testPolicyConfig()
	cfg.PauseAgent = true
	e, _, store := newTestEngine(t, cfg)
	now := time.Now().UTC()

	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 11_000_000, now)

	agent, err := store.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if !agent.Paused {
		t.Error("Expected agent paused after violation")
	}
}

func TestEngine_DisabledIsNoOp(t *testing.T) {
	cfg := testPolicyConfig()
	cfg.Enabled = false
	e, revoker, _ := newTestEngine(t, cfg)

	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 999_000_000, time.Now())
	if _, ok := revoker.reasonFor("lease_a"); ok {
		t.Error("Disabled engine enforced a rule")
	}
}

func TestEngine_NoAutoRevokeLogsOnly(t *testing.T) {
	cfg := testPolicyConfig()
	cfg.AutoRevoke = false
	e, revoker, _ := newTestEngine(t, cfg)

	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 11_000_000, time.Now())
	if _, ok := revoker.reasonFor("lease_a"); ok {
		t.Error("Revoked with auto_revoke disabled")
	}
}

func TestEngine_UpdateThresholds(t *testing.T) {
	e, revoker, _ := newTestEngine(t, testPolicyConfig())
	now := time.Now().UTC()

	e.UpdateThresholds(Thresholds{MaxSpendPerWindow: 1_000_000})

	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 2_000_000, now)
	if _, ok := revoker.reasonFor("lease_a"); !ok {
		t.Error("Tightened threshold not applied")
	}
}

func TestEngine_SetRule(t *testing.T) {
	e, revoker, _ := newTestEngine(t, testPolicyConfig())
	now := time.Now().UTC()

	// Replace the built-in rules with one that trips on any activity.
	e.SetRule("velocity", nil)
	e.SetRule("renewal_rate", nil)
	e.SetRule("always", func(_ *agentActivity, _ string, _ Thresholds, _ time.Time) (string, bool) {
		return "tripped", true
	})

	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 1, now)
	if _, ok := revoker.reasonFor("lease_a"); !ok {
		t.Error("Custom rule did not enforce")
	}
}

func TestLoadThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	content := "max_spend_per_window: 5000000\nmax_renewals_per_window: 10\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := LoadThresholds(path)
	if err != nil {
		t.Fatalf("LoadThresholds failed: %v", err)
	}
	if got.MaxSpendPerWindow != 5_000_000 || got.MaxRenewalsPerWindow != 10 {
		t.Errorf("Unexpected thresholds: %+v", got)
	}

	if _, err := LoadThresholds(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestEngine_WatcherReloadsThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	if err := os.WriteFile(path, []byte("max_spend_per_window: 50000000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg := testPolicyConfig()
	cfg.ThresholdsPath = path
	e, revoker, _ := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.StartWatching(ctx); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}

	// Tighten the ceiling on disk and wait for the reload to land.
	if err := os.WriteFile(path, []byte("max_spend_per_window: 1000000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		tightened := e.thresholds.MaxSpendPerWindow == 1_000_000
		e.mu.Unlock()
		if tightened {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	e.ObserveUsage("agent-1", "lease_a", "10.0.0.1", 2_000_000, time.Now().UTC())
	if _, ok := revoker.reasonFor("lease_a"); !ok {
		t.Error("Reloaded threshold not enforced")
	}
}
