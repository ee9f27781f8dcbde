// Package approval implements the budget change request workflow.
//
// An agent (or its owner) files a request to change the agent's
// allocation, with a written justification. Requests start PENDING and
// move exactly once to APPROVED, REJECTED, or CANCELLED. Approval is
// the only transition that touches the ledger: it raises the
// allocation and writes the history entry in the same storage
// transaction that flips the status, so two concurrent approvers can
// never both win and the allocation can never change without a
// decided request to account for it.
package approval
