// Package model defines data structures for the sync core.
package model

import (
	"time"
)

// StreamClass is the logical type of a stream. It never changes after creation.
type StreamClass string

const (
	StreamClassDefault           StreamClass = "default"
	StreamClassConversation      StreamClass = "conversation"
	StreamClassPresenceDomain    StreamClass = "presence-domain"
	StreamClassComputeAssignment StreamClass = "compute-assignment"
)

// Stream is a named, typed sequence of committed events.
type Stream struct {
	ID         string      `json:"stream_id"`
	Class      StreamClass `json:"stream_class"`
	OwnerScope string      `json:"owner_scope"`
	HeadSeq    int64       `json:"head_seq"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// CreateStreamRequest is the request to create (or ensure) a stream.
type CreateStreamRequest struct {
	StreamID string      `json:"stream_id"`
	Class    StreamClass `json:"stream_class"`
}

// ListStreamsResponse is the response for listing streams.
type ListStreamsResponse struct {
	Streams []Stream `json:"streams"`
	Total   int      `json:"total"`
}
