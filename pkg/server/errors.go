package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"mercator-hq/ceres/pkg/approval"
	"mercator-hq/ceres/pkg/lease"
	"mercator-hq/ceres/pkg/ledger"
	"mercator-hq/ceres/pkg/ledger/storage"
)

// Error codes returned in the error envelope. Clients branch on these,
// not on message text.
const (
	codeValidation      = "VALIDATION_ERROR"
	codeNotFound        = "NOT_FOUND"
	codeConflict        = "CONFLICT"
	codeForbidden       = "FORBIDDEN"
	codeUnauthorized    = "UNAUTHORIZED"
	codeBudgetExhausted = "BUDGET_EXHAUSTED"
	codeAgentPaused     = "AGENT_PAUSED"
	codeLeaseActive     = "LEASE_ALREADY_ACTIVE"
	codeLeaseNotActive  = "LEASE_NOT_ACTIVE"
	codeNotRenewable    = "LEASE_NOT_RENEWABLE"
	codeInternal        = "INTERNAL"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeDomainError maps sentinel errors from the domain packages onto
// HTTP statuses and envelope codes. Unknown errors become opaque 500s.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeError(w, status, code, msg)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrAgentNotFound),
		errors.Is(err, storage.ErrLeaseNotFound),
		errors.Is(err, storage.ErrReservationNotFound),
		errors.Is(err, storage.ErrRequestNotFound):
		return http.StatusNotFound, codeNotFound

	case errors.Is(err, storage.ErrAgentExists),
		errors.Is(err, storage.ErrRequestDecided),
		errors.Is(err, storage.ErrReservationReleased):
		return http.StatusConflict, codeConflict

	case errors.Is(err, storage.ErrInsufficientBudget),
		errors.Is(err, storage.ErrLeaseBudgetExceeded):
		return http.StatusConflict, codeBudgetExhausted

	case errors.Is(err, storage.ErrAgentPaused):
		return http.StatusForbidden, codeAgentPaused

	case errors.Is(err, storage.ErrLeaseActive):
		return http.StatusConflict, codeLeaseActive

	case errors.Is(err, storage.ErrLeaseNotActive),
		errors.Is(err, storage.ErrLeaseTerminal):
		return http.StatusConflict, codeLeaseNotActive

	case errors.Is(err, lease.ErrGraceExpired):
		return http.StatusConflict, codeNotRenewable

	case errors.Is(err, approval.ErrNotRequester):
		return http.StatusForbidden, codeForbidden

	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, lease.ErrInvalidUsage),
		errors.Is(err, lease.ErrTrancheTooLarge),
		errors.Is(err, approval.ErrJustificationLength),
		errors.Is(err, approval.ErrInvalidRequestedBudget),
		errors.Is(err, storage.ErrAllocationBelowSpent),
		errors.Is(err, storage.ErrReservationOvercommit):
		return http.StatusBadRequest, codeValidation

	default:
		return http.StatusInternalServerError, codeInternal
	}
}
