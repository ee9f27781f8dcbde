package lease

import "errors"

var (
	// ErrInvalidUsage means a usage report carried a non-positive amount.
	ErrInvalidUsage = errors.New("usage amount must be positive")

	// ErrGraceExpired means the renewal arrived after the grace window
	// closed; the lease can no longer be renewed.
	ErrGraceExpired = errors.New("renewal grace window has expired")

	// ErrTrancheTooLarge means the requested tranche exceeds the
	// configured per-cycle ceiling.
	ErrTrancheTooLarge = errors.New("requested tranche exceeds maximum")
)
