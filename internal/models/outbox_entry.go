package models

import "time"

type OutboxState string

const (
	OutboxPending      OutboxState = "pending"
	OutboxInFlight     OutboxState = "in_flight"
	OutboxAcknowledged OutboxState = "acknowledged"
	OutboxDead         OutboxState = "dead"
)

// OutboxEntry wraps a locally-originated SyncEvent until the hub acknowledges
// it. Entries that exhaust the retry budget move to dead and are surfaced as a
// delivery failure, never silently dropped.
type OutboxEntry struct {
	Event        *SyncEvent  `json:"event"`
	State        OutboxState `json:"state"`
	Attempts     int         `json:"attempts"`
	NextRetryAt  time.Time   `json:"next_retry_at"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
	DispatchedAt time.Time   `json:"dispatched_at,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
}
