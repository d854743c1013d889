package model

import "time"

// Checkpoint is one consumer's progress marker on a stream.
// The zero value means the stream has not been consumed yet.
type Checkpoint struct {
	ClientID       string    `json:"client_id"`
	StreamID       string    `json:"stream_id"`
	LastAppliedSeq int64     `json:"last_applied_seq"`
	DurableOffset  int64     `json:"durable_offset"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// AdvanceCheckpointRequest is the HTTP body for advancing a checkpoint.
type AdvanceCheckpointRequest struct {
	Seq           int64 `json:"seq"`
	DurableOffset int64 `json:"durable_offset"`
}

// ListCheckpointsResponse lists the consumers of one stream.
type ListCheckpointsResponse struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}
