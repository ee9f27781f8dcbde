package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/ceres/pkg/ledger/storage"
	"mercator-hq/ceres/pkg/telemetry/metrics"
)

// Justification length bounds, in bytes. A request must explain itself
// well enough for a human reviewer but is not an essay.
const (
	MinJustificationLen = 20
	MaxJustificationLen = 500
)

var (
	// ErrJustificationLength means the justification is outside the
	// accepted length bounds.
	ErrJustificationLength = fmt.Errorf("justification must be between %d and %d characters",
		MinJustificationLen, MaxJustificationLen)

	// ErrInvalidRequestedBudget means the requested allocation is not a
	// positive amount distinct from the current one.
	ErrInvalidRequestedBudget = errors.New("requested budget must be positive and differ from the current allocation")

	// ErrNotRequester means a cancellation came from someone other than
	// the requester.
	ErrNotRequester = errors.New("only the requester may cancel a request")
)

// Workflow drives budget change requests over a storage.Store.
type Workflow struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) { w.logger = logger }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(w *Workflow) { w.metrics = c }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// NewWorkflow creates an approval workflow.
func NewWorkflow(store storage.Store, opts ...Option) *Workflow {
	w := &Workflow{
		store:  store,
		logger: slog.Default().With("component", "approval"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Create files a new PENDING request. The current allocation is
// snapshotted into the request at creation time so reviewers see the
// figures the requester saw.
func (w *Workflow) Create(ctx context.Context, agentID, requesterID string, requestedBudget int64, justification string) (*storage.Request, error) {
	if n := len(justification); n < MinJustificationLen || n > MaxJustificationLen {
		return nil, ErrJustificationLength
	}
	if requestedBudget <= 0 {
		return nil, ErrInvalidRequestedBudget
	}

	agent, err := w.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if requestedBudget == agent.BudgetAllocated {
		return nil, ErrInvalidRequestedBudget
	}

	req := &storage.Request{
		RequestID:       storage.NewRequestID(),
		AgentID:         agentID,
		RequesterID:     requesterID,
		RequestedBudget: requestedBudget,
		Justification:   justification,
		CreatedAt:       w.now().UTC(),
	}
	if err := w.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	w.logger.Info("budget request filed",
		"request_id", req.RequestID,
		"agent_id", agentID,
		"requester_id", requesterID,
		"current_budget", req.CurrentBudget,
		"requested_budget", requestedBudget)
	if w.metrics != nil {
		w.metrics.RecordRequestOutcome("created")
	}
	return req, nil
}

// Get returns a request by ID.
func (w *Workflow) Get(ctx context.Context, requestID string) (*storage.Request, error) {
	return w.store.GetRequest(ctx, requestID)
}

// List returns requests matching the filter, newest first.
func (w *Workflow) List(ctx context.Context, filter storage.RequestFilter) ([]*storage.Request, error) {
	return w.store.ListRequests(ctx, filter)
}

// Approve decides a PENDING request in the approver's favor, raising
// the agent's allocation to the requested figure. Exactly one of any
// set of concurrent deciders wins; the rest get
// storage.ErrRequestDecided.
func (w *Workflow) Approve(ctx context.Context, requestID, approverID string) (*storage.Request, error) {
	req, err := w.store.ApproveRequest(ctx, requestID, approverID, w.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrRequestDecided) && w.metrics != nil {
			w.metrics.RecordDecisionConflict()
		}
		return nil, err
	}

	w.logger.Info("budget request approved",
		"request_id", requestID,
		"agent_id", req.AgentID,
		"approver_id", approverID,
		"new_budget", req.RequestedBudget)
	if w.metrics != nil {
		w.metrics.RecordRequestOutcome("approved")
	}
	return req, nil
}

// Reject decides a PENDING request against the requester. The ledger
// is not touched.
func (w *Workflow) Reject(ctx context.Context, requestID, approverID, reason string) (*storage.Request, error) {
	req, err := w.store.RejectRequest(ctx, requestID, approverID, reason, w.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrRequestDecided) && w.metrics != nil {
			w.metrics.RecordDecisionConflict()
		}
		return nil, err
	}

	w.logger.Info("budget request rejected",
		"request_id", requestID,
		"agent_id", req.AgentID,
		"approver_id", approverID,
		"reason", reason)
	if w.metrics != nil {
		w.metrics.RecordRequestOutcome("rejected")
	}
	return req, nil
}

// Cancel withdraws a PENDING request. Only the original requester may
// cancel; the ledger is not touched.
func (w *Workflow) Cancel(ctx context.Context, requestID, callerID string) (*storage.Request, error) {
	existing, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if callerID != existing.RequesterID {
		return nil, ErrNotRequester
	}

	req, err := w.store.CancelRequest(ctx, requestID, w.now().UTC())
	if err != nil {
		return nil, err
	}

	w.logger.Info("budget request cancelled", "request_id", requestID, "agent_id", req.AgentID)
	if w.metrics != nil {
		w.metrics.RecordRequestOutcome("cancelled")
	}
	return req, nil
}
