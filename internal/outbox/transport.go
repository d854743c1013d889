// Package outbox drains the bridge outbox to external transports.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// ErrTransportFailure marks a failed delivery attempt. It is always retryable.
var ErrTransportFailure = errors.New("transport failure")

// TransportError wraps a delivery failure with its transport and event.
type TransportError struct {
	Transport string
	EventID   string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deliver %s via %s: %v", e.EventID, e.Transport, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransportFailure.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

// Transport delivers one outbox entry. Implementations must use the entry's
// event id as their dedupe key, since the same entry can be delivered more than once.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, entry model.OutboxEntry) error
}

// Registry maps transport names to transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates a registry holding the given transports.
func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{transports: make(map[string]Transport)}
	for _, t := range transports {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a transport.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// Get looks up a transport by name.
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// streamIDOf extracts the stream id from a bridged event envelope, if any.
func streamIDOf(entry model.OutboxEntry) string {
	var envelope struct {
		StreamID string `json:"stream_id"`
	}
	if err := json.Unmarshal(entry.Payload, &envelope); err != nil {
		return ""
	}
	return envelope.StreamID
}
