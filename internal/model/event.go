package model

import (
	"encoding/json"
	"time"
)

// Event is one committed fact in a stream.
type Event struct {
	StreamID       string    `json:"stream_id"`
	Seq            int64     `json:"seq"`
	IdempotencyKey string    `json:"idempotency_key"`
	PayloadHash    string    `json:"payload_hash"`
	Payload        []byte    `json:"payload"`
	CommittedAt    time.Time `json:"committed_at"`
	DurableOffset  int64     `json:"durable_offset"`
}

// AppendEventRequest is the HTTP body for appending an event.
// The idempotency key may also be supplied via the Idempotency-Key header.
type AppendEventRequest struct {
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Class          StreamClass     `json:"stream_class,omitempty"`
	Bridge         []string        `json:"bridge,omitempty"`
}

// AppendEventResponse is the response after appending an event.
type AppendEventResponse struct {
	StreamID      string `json:"stream_id"`
	Seq           int64  `json:"seq"`
	DurableOffset int64  `json:"durable_offset"`
	PayloadHash   string `json:"payload_hash"`
	Duplicate     bool   `json:"duplicate"`
}

// ListEventsResponse is the response for reading a stream.
type ListEventsResponse struct {
	Events  []Event `json:"events"`
	HasMore bool    `json:"has_more"`
	LastSeq int64   `json:"last_seq"`
	HeadSeq int64   `json:"head_seq"`
}
