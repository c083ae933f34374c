package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	// Outbox metrics
	OutboxEvents     prometheus.Counter
	PublishedBatches prometheus.Counter
	PublishedEvents  prometheus.Counter
	PublishFailures  prometheus.Counter

	// Voice metrics
	VoiceParticipants prometheus.Gauge

	// GPT metrics
	GPTCycles       prometheus.Counter
	GPTCycleLatency prometheus.Histogram
	GPTErrors       *prometheus.CounterVec
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(connManager *ConnectionManager, registry interface{ Count() int }) *Metrics {
	metrics := &Metrics{
		// WebSocket active connections (gauge - can go up and down)
		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mindmesh_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		// WebSocket messages by type (counter - only goes up)
		WebSocketMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mindmesh_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		OutboxEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_outbox_events_total",
			Help: "Total number of document changes queued in the outbox",
		}),

		PublishedBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_outbox_batches_published_total",
			Help: "Total number of change batches published to the event log",
		}),

		PublishedEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_outbox_events_published_total",
			Help: "Total number of change events published to the event log",
		}),

		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_outbox_publish_failures_total",
			Help: "Total number of failed batch publishes (batch was requeued)",
		}),

		VoiceParticipants: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mindmesh_voice_participants_active",
			Help: "Number of participants across all voice rooms",
		}),

		GPTCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_gpt_cycles_total",
			Help: "Total number of GPT suggestion cycles processed",
		}),

		GPTCycleLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mindmesh_gpt_cycle_duration_seconds",
			Help:    "GPT suggestion cycle latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for slow model streams
		}),

		GPTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mindmesh_gpt_errors_total",
			Help: "Total number of GPT errors by type",
		}, []string{"error_type"}),
	}

	// Register a collector that reads live connection counts
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mindmesh_websocket_connections_current",
			Help: "Current number of active WebSocket connections (from connection manager)",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	// And one for resident documents
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mindmesh_documents_resident",
			Help: "Current number of resident workspace documents",
		},
		func() float64 {
			if registry != nil {
				return float64(registry.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordOutboxEvent records a change queued in the outbox
func (m *Metrics) RecordOutboxEvent() {
	m.OutboxEvents.Inc()
}

// RecordPublishedBatch records a successfully published batch
func (m *Metrics) RecordPublishedBatch(events int) {
	m.PublishedBatches.Inc()
	m.PublishedEvents.Add(float64(events))
}

// RecordPublishFailure records a failed publish (the batch was requeued)
func (m *Metrics) RecordPublishFailure() {
	m.PublishFailures.Inc()
}

// RecordVoiceJoin records a participant joining a voice room
func (m *Metrics) RecordVoiceJoin() {
	m.VoiceParticipants.Inc()
}

// RecordVoiceLeave records a participant leaving a voice room
func (m *Metrics) RecordVoiceLeave() {
	m.VoiceParticipants.Dec()
}

// RecordGPTCycle records a completed GPT suggestion cycle
func (m *Metrics) RecordGPTCycle(seconds float64) {
	m.GPTCycles.Inc()
	m.GPTCycleLatency.Observe(seconds)
}

// RecordGPTError records a GPT error
func (m *Metrics) RecordGPTError(errorType string) {
	m.GPTErrors.WithLabelValues(errorType).Inc()
}
