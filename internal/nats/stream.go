package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/agentsync/pkg/metrics"
)

// BridgeConfig describes the JetStream stream bridged events are published to.
type BridgeConfig struct {
	Stream  string
	Subject string
	// DupWindow is how long JetStream remembers message ids for deduplication.
	DupWindow time.Duration
}

// StreamManager handles JetStream stream operations for the bridge.
type StreamManager struct {
	js  jetstream.JetStream
	cfg BridgeConfig
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(js jetstream.JetStream, cfg BridgeConfig) *StreamManager {
	if cfg.DupWindow <= 0 {
		cfg.DupWindow = 2 * time.Minute
	}
	return &StreamManager{js: js, cfg: cfg}
}

// EnsureStream creates or updates the bridge stream.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	_, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        m.cfg.Stream,
		Subjects:    []string{m.cfg.Subject + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  m.cfg.DupWindow,
		Description: "Events bridged from the agentsync outbox",
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", m.cfg.Stream, err)
	}
	return nil
}

// Subject returns the subject for an event of the given stream.
func (m *StreamManager) Subject(streamID string) string {
	return m.cfg.Subject + "." + subjectToken(streamID)
}

// Publish publishes data with msgID as the JetStream dedupe id. A message
// suppressed by the duplicate window reports duplicate=true.
func (m *StreamManager) Publish(ctx context.Context, subject, msgID string, data []byte) (seq uint64, duplicate bool, err error) {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, msgID)
	ack, err := m.js.PublishMsg(ctx, msg)
	if err != nil {
		return 0, false, fmt.Errorf("failed to publish %s: %w", msgID, err)
	}
	return ack.Sequence, ack.Duplicate, nil
}

// RecordMetrics exports the bridge stream's message count.
func (m *StreamManager) RecordMetrics(ctx context.Context) error {
	stream, err := m.js.Stream(ctx, m.cfg.Stream)
	if err != nil {
		return fmt.Errorf("failed to get stream %s: %w", m.cfg.Stream, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream info %s: %w", m.cfg.Stream, err)
	}
	metrics.NATSStreamMessages.WithLabelValues(m.cfg.Stream).Set(float64(info.State.Msgs))
	return nil
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
