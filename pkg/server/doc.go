// Package server exposes the budget control engine over HTTP.
//
// The API is JSON over a flat /v1 namespace: agents and their
// allocations, leases and their lifecycle verbs, and budget requests
// with decision endpoints. Administrative verbs (approve, reject,
// pause, revoke, allocation override, audit queries) require the
// configured admin token in the X-Admin-Token header. Errors use a
// single envelope with a stable machine-readable code.
package server
