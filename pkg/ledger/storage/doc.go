// Package storage provides durable persistence for the budget engine:
// agents, ledger reservations, leases, budget change requests, and the
// budget modification history.
//
// The Store interface is the single serialization point for all money
// movement. Implementations must guarantee that compound operations
// (handshake reserve-and-mint, renewal commit-and-reserve, approval
// status-allocation-history) are atomic: either every write in the
// operation is applied or none is.
//
// Two implementations are provided:
//
//   - SQLiteStore: durable storage for production deployments. Uses a
//     single-writer connection pool so every transaction is serialized
//     at the database level.
//   - MemoryStore: in-process storage for tests and ephemeral runs.
//
// All monetary amounts are int64 micro-units. The storage layer never
// performs floating-point arithmetic.
package storage
