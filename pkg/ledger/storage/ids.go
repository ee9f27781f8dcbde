package storage

import (
	"time"

	"github.com/google/uuid"
)

// Every record carries a prefixed UUID so an identifier read out of a
// log line or a support ticket names its record type on sight.
const (
	leaseIDPrefix       = "lease_"
	reservationIDPrefix = "bres_"
	requestIDPrefix     = "breq_"
	historyIDPrefix     = "bhist_"
)

// NewLeaseID returns a fresh lease identifier.
func NewLeaseID() string { return leaseIDPrefix + uuid.NewString() }

// NewReservationID returns a fresh reservation identifier.
func NewReservationID() string { return reservationIDPrefix + uuid.NewString() }

// NewRequestID returns a fresh budget request identifier.
func NewRequestID() string { return requestIDPrefix + uuid.NewString() }

func newHistoryEntry(agentID string, oldAllocated, newAllocated int64, modifierID, reason, relatedRequestID string, at time.Time) *HistoryEntry {
	return &HistoryEntry{
		EntryID:          historyIDPrefix + uuid.NewString(),
		AgentID:          agentID,
		Modification:     ClassifyModification(oldAllocated, newAllocated),
		OldAllocated:     oldAllocated,
		NewAllocated:     newAllocated,
		ChangeAmount:     newAllocated - oldAllocated,
		ModifierID:       modifierID,
		Reason:           reason,
		RelatedRequestID: relatedRequestID,
		CreatedAt:        at,
	}
}
