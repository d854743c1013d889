// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// AppendsTotal counts append outcomes: created, duplicate, conflict, error.
	AppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_appends_total",
			Help: "Stream append attempts by outcome",
		},
		[]string{"stream_class", "outcome"},
	)

	// AppendDuration tracks append latency including the transaction.
	AppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stream_append_duration_seconds",
			Help:    "Stream append duration in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// CheckpointRegressions counts rejected checkpoint writes.
	CheckpointRegressions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpoint_regressions_total",
			Help: "Checkpoint advances rejected because they moved backwards",
		},
	)

	// OutboxDeliveries counts delivery attempts per transport and result.
	OutboxDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Outbox delivery attempts by transport and result",
		},
		[]string{"transport", "result"},
	)

	// OutboxDeliveryDuration tracks transport latency.
	OutboxDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_delivery_duration_seconds",
			Help:    "Outbox delivery duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"transport"},
	)

	// OutboxEntries tracks queue depth by status.
	OutboxEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_entries",
			Help: "Outbox entries by status",
		},
		[]string{"status"},
	)

	// OutboxRequeued counts failed entries moved back to pending.
	OutboxRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_requeued_total",
			Help: "Failed outbox entries moved back to pending",
		},
	)

	// SyncConnectionsActive tracks open websocket sync sessions.
	SyncConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_connections_active",
			Help: "Number of active sync connections",
		},
	)

	// SyncDisconnects counts server-initiated disconnects by reason.
	SyncDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_disconnects_total",
			Help: "Sync sessions closed by reason",
		},
		[]string{"reason"},
	)

	// ParityDecisions counts parity runs by decision.
	ParityDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parity_decisions_total",
			Help: "Parity harness decisions",
		},
		[]string{"decision"},
	)

	// SideChannelEvents counts side-channel appends by log.
	SideChannelEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "side_channel_events_total",
			Help: "Side-channel events appended",
		},
		[]string{"channel"},
	)

	// NATSStreamMessages tracks messages in the bridge JetStream stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSConnectionEvents counts NATS connection state changes.
	NATSConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_connection_events_total",
			Help: "NATS disconnects, reconnects and closes",
		},
		[]string{"event"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAppend records an append outcome.
func RecordAppend(class, outcome string, duration float64) {
	AppendsTotal.WithLabelValues(class, outcome).Inc()
	AppendDuration.Observe(duration)
}

// RecordDelivery records one outbox delivery attempt.
func RecordDelivery(transport, result string, duration float64) {
	OutboxDeliveries.WithLabelValues(transport, result).Inc()
	OutboxDeliveryDuration.WithLabelValues(transport).Observe(duration)
}

// IncrementSyncConnections increments the active sync connection count.
func IncrementSyncConnections() {
	SyncConnectionsActive.Inc()
}

// DecrementSyncConnections decrements the active sync connection count.
func DecrementSyncConnections() {
	SyncConnectionsActive.Dec()
}
