package model

import "time"

// PresenceStatus is the liveness status a node reports on heartbeat.
type PresenceStatus string

const (
	PresenceOnline   PresenceStatus = "online"
	PresenceIdle     PresenceStatus = "idle"
	PresenceDraining PresenceStatus = "draining"
	PresenceOffline  PresenceStatus = "offline"
)

// SessionPresence is an ephemeral liveness record, upserted on every heartbeat.
// Staleness is judged by the reader against LastSeen.
type SessionPresence struct {
	NodeID    string         `json:"node_id"`
	SessionID string         `json:"session_id"`
	Status    PresenceStatus `json:"status"`
	Region    string         `json:"region"`
	LastSeen  time.Time      `json:"last_seen"`
}

// IsLive reports whether the record was seen within window of now.
func (p SessionPresence) IsLive(now time.Time, window time.Duration) bool {
	return p.Status != PresenceOffline && now.Sub(p.LastSeen) <= window
}
