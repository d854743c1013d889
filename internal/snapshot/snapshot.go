// Package snapshot renders observable server state as parity components.
//
// Each component is a JSON document with a generated_at marker. Volatile
// fields are left in place; the parity normalizers strip them.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// Component names served by the builder.
const (
	ComponentStreamHeads  = "stream-heads"
	ComponentOutboxStatus = "outbox-status"
	ComponentPresence     = "presence"
)

// ErrUnknownComponent is returned for names outside Components.
var ErrUnknownComponent = errors.New("unknown snapshot component")

// Components lists every component the builder can render.
var Components = []string{ComponentStreamHeads, ComponentOutboxStatus, ComponentPresence}

// Source is the read side of the store the builder needs.
type Source interface {
	ListStreams(ctx context.Context, ownerScope string) ([]model.Stream, error)
	OutboxSummary(ctx context.Context) (model.OutboxSummary, error)
	ListPresence(ctx context.Context) ([]model.SessionPresence, error)
}

// StreamHead is one entry of the stream-heads component.
type StreamHead struct {
	StreamID   string            `json:"stream_id"`
	Class      model.StreamClass `json:"stream_class"`
	OwnerScope string            `json:"owner_scope"`
	HeadSeq    int64             `json:"head_seq"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// StreamHeads is the stream-heads component.
type StreamHeads struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Streams     []StreamHead `json:"streams"`
}

// OutboxStatus is the outbox-status component.
type OutboxStatus struct {
	GeneratedAt     time.Time  `json:"generated_at"`
	Pending         int        `json:"pending"`
	Delivered       int        `json:"delivered"`
	Failed          int        `json:"failed"`
	InFlight        int        `json:"in_flight"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

// PresenceNode is one entry of the presence component.
type PresenceNode struct {
	NodeID    string               `json:"node_id"`
	Status    model.PresenceStatus `json:"status"`
	Region    string               `json:"region"`
	Live      bool                 `json:"live"`
	SessionID string               `json:"session_id"`
	LastSeen  time.Time            `json:"last_seen"`
}

// Presence is the presence component.
type Presence struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Window      string         `json:"window"`
	Nodes       []PresenceNode `json:"nodes"`
}

// Builder renders components from a Source.
type Builder struct {
	source Source
	window time.Duration
	now    func() time.Time
}

// NewBuilder creates a builder. window is the presence liveness bound.
func NewBuilder(source Source, window time.Duration) *Builder {
	return &Builder{source: source, window: window, now: time.Now}
}

// Build renders the named component. scope limits stream-heads to one owner;
// empty means all streams.
func (b *Builder) Build(ctx context.Context, component, scope string) (any, error) {
	switch component {
	case ComponentStreamHeads:
		return b.streamHeads(ctx, scope)
	case ComponentOutboxStatus:
		return b.outboxStatus(ctx)
	case ComponentPresence:
		return b.presence(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, component)
	}
}

func (b *Builder) streamHeads(ctx context.Context, scope string) (*StreamHeads, error) {
	streams, err := b.source.ListStreams(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	out := &StreamHeads{GeneratedAt: b.now().UTC(), Streams: make([]StreamHead, 0, len(streams))}
	for _, s := range streams {
		out.Streams = append(out.Streams, StreamHead{
			StreamID:   s.ID,
			Class:      s.Class,
			OwnerScope: s.OwnerScope,
			HeadSeq:    s.HeadSeq,
			UpdatedAt:  s.UpdatedAt,
		})
	}
	sort.Slice(out.Streams, func(i, j int) bool { return out.Streams[i].StreamID < out.Streams[j].StreamID })
	return out, nil
}

func (b *Builder) outboxStatus(ctx context.Context) (*OutboxStatus, error) {
	sum, err := b.source.OutboxSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox summary: %w", err)
	}
	return &OutboxStatus{
		GeneratedAt:     b.now().UTC(),
		Pending:         sum.Pending,
		Delivered:       sum.Delivered,
		Failed:          sum.Failed,
		InFlight:        sum.InFlight,
		OldestPendingAt: sum.OldestPendingAt,
	}, nil
}

func (b *Builder) presence(ctx context.Context) (*Presence, error) {
	nodes, err := b.source.ListPresence(ctx)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	now := b.now()
	out := &Presence{GeneratedAt: now.UTC(), Window: b.window.String(), Nodes: make([]PresenceNode, 0, len(nodes))}
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, PresenceNode{
			NodeID:    n.NodeID,
			Status:    n.Status,
			Region:    n.Region,
			Live:      n.IsLive(now, b.window),
			SessionID: n.SessionID,
			LastSeen:  n.LastSeen,
		})
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].NodeID < out.Nodes[j].NodeID })
	return out, nil
}
