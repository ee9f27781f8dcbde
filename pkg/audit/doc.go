// Package audit keeps an append-only journal of every budget mutation:
// handshakes, usage reports, renewals, terminations, allocation
// changes, and request decisions.
//
// The journal is stored separately from the ledger so operational
// queries never contend with the accounting path, and entries survive
// ledger compaction. A retention pruner deletes entries past the
// configured age on a cron schedule.
package audit
