package model

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

// Valid reports whether s is a known status.
func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxPending, OutboxDelivered, OutboxFailed:
		return true
	}
	return false
}

// OutboxEntry is one unit of pending cross-system delivery.
// EventID doubles as the transport dedupe key.
type OutboxEntry struct {
	EventID        string          `json:"event_id"`
	Transport      string          `json:"transport"`
	Status         OutboxStatus    `json:"status"`
	Payload        json.RawMessage `json:"payload_json"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      string          `json:"last_error,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EnqueueOutboxRequest is the HTTP body for staging a delivery.
type EnqueueOutboxRequest struct {
	EventID   string          `json:"event_id"`
	Transport string          `json:"transport"`
	Payload   json.RawMessage `json:"payload"`
}

// OutboxSummary reports queue depth by status.
type OutboxSummary struct {
	Pending         int        `json:"pending"`
	Delivered       int        `json:"delivered"`
	Failed          int        `json:"failed"`
	InFlight        int        `json:"in_flight"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}
