package syncclient

import "github.com/capitalize-ai/agentsync/internal/wire"

// State is the connection state of a sync client.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateBackoff    State = "backoff"
)

// Plan is the recovery applied before the next connect attempt.
type Plan struct {
	// ResetCursor restarts reading from seq 0.
	ResetCursor bool
	// FastPath waits the fixed token refresh delay instead of backing off.
	FastPath bool
	// MintToken asks the server for a new token before reconnecting.
	MintToken bool
	// ReloadCredentials rereads persisted credentials before reconnecting.
	ReloadCredentials bool
}

// failureClass groups reasons whose backoff escalates together. Rejected
// credentials count as one class whether the server said unauthorized or forbidden.
func failureClass(reason wire.Reason) wire.Reason {
	if reason == wire.ReasonForbidden {
		return wire.ReasonUnauthorized
	}
	return reason
}

// PlanFor returns the recovery plan for a disconnect reason.
func PlanFor(reason wire.Reason) Plan {
	switch reason {
	case wire.ReasonTokenRefreshDue:
		return Plan{FastPath: true, MintToken: true}
	case wire.ReasonStaleCursor:
		return Plan{ResetCursor: true}
	case wire.ReasonUnauthorized, wire.ReasonForbidden:
		return Plan{ReloadCredentials: true}
	default:
		// stream_closed, network, unknown
		return Plan{}
	}
}
