// Package ledger is the authoritative record of budget allocation and
// spend for every registered agent.
//
// All amounts are integer micro-units (1_000_000 micros = 1 unit of
// the billing currency); arithmetic is exact and fail-closed. The
// ledger tracks three quantities per agent: allocated (the ceiling),
// spent (committed, irreversible), and pending (held by open
// reservations). Available budget is allocated - spent - pending, and
// no reservation may ever take it below zero.
//
// The ledger itself holds no locks; every read-modify-write runs as a
// single storage transaction, so concurrent callers serialize at the
// store.
package ledger
