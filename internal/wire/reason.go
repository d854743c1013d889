package wire

import "strings"

// Reason is a normalized disconnect reason. The set is closed: every code a
// client receives maps to exactly one of these.
type Reason string

const (
	ReasonStreamClosed    Reason = "stream_closed"
	ReasonTokenRefreshDue Reason = "token_refresh_due"
	ReasonStaleCursor     Reason = "stale_cursor"
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonForbidden       Reason = "forbidden"
	ReasonNetwork         Reason = "network"
	ReasonUnknown         Reason = "unknown"
)

// Reasons lists every reason in the closed set.
var Reasons = []Reason{
	ReasonStreamClosed,
	ReasonTokenRefreshDue,
	ReasonStaleCursor,
	ReasonUnauthorized,
	ReasonForbidden,
	ReasonNetwork,
	ReasonUnknown,
}

// ParseReason normalizes a wire code. Anything outside the closed set is ReasonUnknown.
func ParseReason(code string) Reason {
	r := Reason(strings.ToLower(strings.TrimSpace(code)))
	for _, known := range Reasons {
		if r == known {
			return r
		}
	}
	return ReasonUnknown
}

// String implements fmt.Stringer.
func (r Reason) String() string {
	return string(r)
}
