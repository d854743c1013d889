package model

import (
	"encoding/json"
	"time"
)

// SideChannel names one of the append-only audit logs that sit beside the stream store.
type SideChannel string

const (
	SideChannelPresence     SideChannel = "presence"
	SideChannelCoordination SideChannel = "coordination"
	SideChannelConflict     SideChannel = "conflict"
)

// Valid reports whether c is a known side channel.
func (c SideChannel) Valid() bool {
	switch c {
	case SideChannelPresence, SideChannelCoordination, SideChannelConflict:
		return true
	}
	return false
}

// SideChannelEvent is one row in a presence, coordination, or conflict log.
type SideChannelEvent struct {
	Channel     SideChannel     `json:"channel"`
	EventID     string          `json:"event_id"`
	Position    int64           `json:"position"`
	Payload     json.RawMessage `json:"payload_json"`
	CommittedAt time.Time       `json:"committed_at"`
}
