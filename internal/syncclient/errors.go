package syncclient

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/agentsync/internal/wire"
)

// ErrRegression is returned by a CheckpointStore when the stored checkpoint is ahead.
var ErrRegression = errors.New("checkpoint regression")

// DisconnectError carries the reason a connect attempt or session ended.
type DisconnectError struct {
	Reason wire.Reason
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err == nil {
		return "disconnected: " + e.Reason.String()
	}
	return fmt.Sprintf("disconnected: %s: %v", e.Reason, e.Err)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the disconnect reason from err. Errors without one are network failures.
func ReasonOf(err error) wire.Reason {
	var de *DisconnectError
	if errors.As(err, &de) {
		return de.Reason
	}
	return wire.ReasonNetwork
}
