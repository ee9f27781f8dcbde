package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mercator-hq/ceres/pkg/config"
	"mercator-hq/ceres/pkg/ledger/storage"
	"mercator-hq/ceres/pkg/telemetry/metrics"
)

// Revoker terminates a lease on the engine's behalf. *lease.Manager
// satisfies it.
type Revoker interface {
	Revoke(ctx context.Context, leaseID, reason string) (int64, error)
}

// RevokerFunc adapts a function to the Revoker interface.
type RevokerFunc func(ctx context.Context, leaseID, reason string) (int64, error)

// Revoke calls f.
func (f RevokerFunc) Revoke(ctx context.Context, leaseID, reason string) (int64, error) {
	return f(ctx, leaseID, reason)
}

// Violation describes a tripped rule.
type Violation struct {
	Rule    string
	AgentID string
	LeaseID string
	Detail  string
}

// Rule evaluates one agent's windows against the thresholds, returning
// a non-empty detail string when tripped. leaseID is the lease whose
// activity triggered the evaluation.
type Rule func(a *agentActivity, leaseID string, t Thresholds, at time.Time) (detail string, tripped bool)

// Engine tracks lease activity and enforces usage policy. It
// implements lease.Observer.
type Engine struct {
	cfg     config.PolicyConfig
	store   storage.Store
	revoker Revoker
	logger  *slog.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	agents     map[string]*agentActivity
	thresholds Thresholds
	rules      map[string]Rule
}

type agentActivity struct {
	spend    *RollingWindow
	renewals *RollingWindow
	origins  *OriginWindow
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithRevoker attaches the lease revoker used for enforcement.
func WithRevoker(r Revoker) Option {
	return func(e *Engine) { e.revoker = r }
}

// NewEngine creates a policy engine. Thresholds start from the static
// configuration; UpdateThresholds (or the file watcher) replaces them
// at runtime.
func NewEngine(cfg config.PolicyConfig, store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		store:  store,
		logger: slog.Default().With("component", "policy"),
		agents: make(map[string]*agentActivity),
		thresholds: Thresholds{
			MaxSpendPerWindow:    cfg.MaxSpendPerWindow,
			MaxRenewalsPerWindow: cfg.MaxRenewalsPerWindow,
			MaxOriginsPerWindow:  cfg.MaxOriginsPerWindow,
		},
	}
	e.rules = map[string]Rule{
		"velocity":           velocityRule,
		"renewal_rate":       renewalRateRule,
		"origin_consistency": originConsistencyRule,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// velocityRule trips when windowed spend exceeds the ceiling.
func velocityRule(a *agentActivity, _ string, t Thresholds, at time.Time) (string, bool) {
	if t.MaxSpendPerWindow <= 0 {
		return "", false
	}
	if sum := a.spend.Sum(at); sum > t.MaxSpendPerWindow {
		return fmt.Sprintf("windowed spend %d exceeds ceiling %d", sum, t.MaxSpendPerWindow), true
	}
	return "", false
}

// renewalRateRule trips when windowed renewals exceed the cap.
func renewalRateRule(a *agentActivity, _ string, t Thresholds, at time.Time) (string, bool) {
	if t.MaxRenewalsPerWindow <= 0 {
		return "", false
	}
	if n := a.renewals.Sum(at); n > int64(t.MaxRenewalsPerWindow) {
		return fmt.Sprintf("%d renewals in window exceeds cap %d", n, t.MaxRenewalsPerWindow), true
	}
	return "", false
}

// originConsistencyRule trips when one lease's tokens arrive from more
// distinct network origins than the cap allows inside the window.
func originConsistencyRule(a *agentActivity, leaseID string, t Thresholds, at time.Time) (string, bool) {
	if t.MaxOriginsPerWindow <= 0 {
		return "", false
	}
	if n := a.origins.Distinct(leaseID, at); n > t.MaxOriginsPerWindow {
		return fmt.Sprintf("%d distinct origins in window exceeds cap %d", n, t.MaxOriginsPerWindow), true
	}
	return "", false
}

// SetRule installs or replaces a named rule. Passing a nil rule
// removes it.
func (e *Engine) SetRule(name string, rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rule == nil {
		delete(e.rules, name)
		return
	}
	e.rules[name] = rule
}

// UpdateThresholds replaces the active thresholds.
func (e *Engine) UpdateThresholds(t Thresholds) {
	e.mu.Lock()
	e.thresholds = t
	e.mu.Unlock()
	e.logger.Info("thresholds updated",
		"max_spend_per_window", t.MaxSpendPerWindow,
		"max_renewals_per_window", t.MaxRenewalsPerWindow,
		"max_origins_per_window", t.MaxOriginsPerWindow)
}

// StartWatching loads thresholds from the configured file and watches
// it for changes until the context is cancelled. No-op without a
// configured path.
func (e *Engine) StartWatching(ctx context.Context) error {
	if e.cfg.ThresholdsPath == "" {
		return nil
	}

	reload := func() error {
		t, err := LoadThresholds(e.cfg.ThresholdsPath)
		if err != nil {
			return err
		}
		e.UpdateThresholds(t)
		return nil
	}
	if err := reload(); err != nil {
		return err
	}

	watcher, err := NewFileWatcher(e.cfg.ThresholdsPath, e.logger)
	if err != nil {
		return err
	}
	go func() {
		if err := watcher.Watch(ctx, reload); err != nil && ctx.Err() == nil {
			e.logger.Error("thresholds watcher stopped", "error", err)
		}
	}()
	return nil
}

// ObserveUsage records spend and its origin, then evaluates the rules.
func (e *Engine) ObserveUsage(agentID, leaseID, origin string, amount int64, at time.Time) {
	if !e.cfg.Enabled {
		return
	}
	a := e.activity(agentID)
	a.spend.Add(amount, at)
	a.origins.Record(leaseID, origin, at)
	e.evaluate(agentID, leaseID, a, at)
}

// ObserveRenewal records a renewal and its origin, then evaluates the
// rules.
func (e *Engine) ObserveRenewal(agentID, leaseID, origin string, at time.Time) {
	if !e.cfg.Enabled {
		return
	}
	a := e.activity(agentID)
	a.renewals.Add(1, at)
	a.origins.Record(leaseID, origin, at)
	e.evaluate(agentID, leaseID, a, at)
}

func (e *Engine) activity(agentID string) *agentActivity {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.agents[agentID]
	if !ok {
		a = &agentActivity{
			spend:    NewRollingWindow(e.cfg.Window),
			renewals: NewRollingWindow(e.cfg.Window),
			origins:  NewOriginWindow(e.cfg.Window),
		}
		e.agents[agentID] = a
	}
	return a
}

func (e *Engine) evaluate(agentID, leaseID string, a *agentActivity, at time.Time) {
	e.mu.Lock()
	thresholds := e.thresholds
	rules := make(map[string]Rule, len(e.rules))
	for name, r := range e.rules {
		rules[name] = r
	}
	e.mu.Unlock()

	for name, rule := range rules {
		detail, tripped := rule(a, leaseID, thresholds, at)
		if !tripped {
			continue
		}
		e.enforce(Violation{Rule: name, AgentID: agentID, LeaseID: leaseID, Detail: detail})
		// One violation is enough to terminate the lease; further rules
		// would act on a lease that is already gone.
		return
	}
}

func (e *Engine) enforce(v Violation) {
	e.logger.Warn("policy violation",
		"rule", v.Rule,
		"agent_id", v.AgentID,
		"lease_id", v.LeaseID,
		"detail", v.Detail)
	if e.metrics != nil {
		e.metrics.RecordPolicyViolation(v.Rule)
	}

	if !e.cfg.AutoRevoke {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.revoker != nil {
		reason := fmt.Sprintf("policy %s: %s", v.Rule, v.Detail)
		if _, err := e.revoker.Revoke(ctx, v.LeaseID, reason); err != nil {
			e.logger.Error("policy revocation failed", "lease_id", v.LeaseID, "error", err)
		} else {
			if e.metrics != nil {
				e.metrics.RecordPolicyRevocation()
			}
			// The lease's tokens are dead; its origin history with them.
			e.activity(v.AgentID).origins.Forget(v.LeaseID)
		}
	}

	if e.cfg.PauseAgent {
		if err := e.store.SetAgentPaused(ctx, v.AgentID, true); err != nil {
			e.logger.Error("policy pause failed", "agent_id", v.AgentID, "error", err)
		}
		// The windows keep their history; an unpaused agent that
		// immediately misbehaves trips again on the first report.
	}
}
