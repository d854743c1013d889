// Package wire defines the frames exchanged over a sync connection.
//
// Every frame is a JSON object tagged by "type". Disconnects are always
// announced with an explicit control frame carrying a reason code.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// FrameType tags a frame.
type FrameType string

const (
	FrameEvent     FrameType = "event"
	FrameControl   FrameType = "control"
	FrameHeartbeat FrameType = "heartbeat"
)

// ErrMalformedFrame is returned for frames that cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one message on the wire. Exactly one payload field is set, matching Type.
type Frame struct {
	Type      FrameType    `json:"type"`
	Event     *model.Event `json:"event,omitempty"`
	Control   *Control     `json:"control,omitempty"`
	Heartbeat *Heartbeat   `json:"heartbeat,omitempty"`
}

// Control announces that the server is closing the session.
type Control struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Heartbeat keeps the connection alive and reports the stream head.
type Heartbeat struct {
	TS      time.Time `json:"ts"`
	HeadSeq int64     `json:"head_seq"`
}

// EventFrame wraps an event.
func EventFrame(evt model.Event) Frame {
	return Frame{Type: FrameEvent, Event: &evt}
}

// ControlFrame wraps a disconnect notice.
func ControlFrame(reason Reason, detail string) Frame {
	return Frame{Type: FrameControl, Control: &Control{Reason: reason, Detail: detail}}
}

// HeartbeatFrame wraps a heartbeat.
func HeartbeatFrame(ts time.Time, headSeq int64) Frame {
	return Frame{Type: FrameHeartbeat, Heartbeat: &Heartbeat{TS: ts, HeadSeq: headSeq}}
}

// Encode marshals a frame.
func Encode(f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode unmarshals and validates a frame. Control reasons are normalized
// through ParseReason, so unknown codes decode as ReasonUnknown.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Control != nil {
		f.Control.Reason = ParseReason(string(f.Control.Reason))
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Type {
	case FrameEvent:
		if f.Event == nil {
			return fmt.Errorf("%w: event frame without event", ErrMalformedFrame)
		}
	case FrameControl:
		if f.Control == nil {
			return fmt.Errorf("%w: control frame without control", ErrMalformedFrame)
		}
	case FrameHeartbeat:
		if f.Heartbeat == nil {
			return fmt.Errorf("%w: heartbeat frame without heartbeat", ErrMalformedFrame)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return nil
}
