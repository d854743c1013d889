package outbox

import (
	"context"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// Publisher publishes to JetStream with a dedupe id. Implemented by nats.StreamManager.
type Publisher interface {
	Subject(streamID string) string
	Publish(ctx context.Context, subject, msgID string, data []byte) (uint64, bool, error)
}

// NATSTransport publishes entries to JetStream. The event id is sent as the
// Nats-Msg-Id header so redeliveries inside the duplicate window are dropped.
type NATSTransport struct {
	publisher Publisher
}

// NewNATSTransport creates the nats transport.
func NewNATSTransport(p Publisher) *NATSTransport {
	return &NATSTransport{publisher: p}
}

// Name implements Transport.
func (t *NATSTransport) Name() string { return "nats" }

// Deliver implements Transport.
func (t *NATSTransport) Deliver(ctx context.Context, entry model.OutboxEntry) error {
	streamID := streamIDOf(entry)
	if streamID == "" {
		streamID = "outbox"
	}
	if _, _, err := t.publisher.Publish(ctx, t.publisher.Subject(streamID), entry.EventID, entry.Payload); err != nil {
		return &TransportError{Transport: t.Name(), EventID: entry.EventID, Err: err}
	}
	return nil
}
