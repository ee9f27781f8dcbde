// Package lease manages the budget lease lifecycle between agents and
// the ledger.
//
// A lease grants an agent one tranche of budget at a time. The state
// machine is ACTIVE -> EXPIRED -> CLOSED, with REVOKED reachable from
// ACTIVE only. EXPIRED is not terminal: within the configured grace
// window the holder may renew, settling the finished cycle and opening
// the next one under the same lease identity and tokens. CLOSED and
// REVOKED are terminal.
//
// Expiry is evaluated lazily on every read and mutation, and a cron
// sweeper catches leases nobody touches: it expires overdue ACTIVE
// leases and closes EXPIRED leases whose grace window has lapsed.
package lease
