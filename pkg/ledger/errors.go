package ledger

import "errors"

// ErrInvalidAmount marks input validation failures: non-positive
// amounts, negative allocations, missing identities.
var ErrInvalidAmount = errors.New("invalid amount")
