package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the bridge. A nil *Metrics is
// valid and records nothing, so components can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Inbound traffic
	EventsTotal   *prometheus.CounterVec
	MessagesTotal *prometheus.CounterVec
	HandlerPanics prometheus.Counter

	// Backend relay
	BackendRequestsTotal   *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec

	// Voice
	VoiceBytesTotal *prometheus.CounterVec

	// Session
	ConnectionState prometheus.Gauge
	ReconnectsTotal *prometheus.CounterVec
	RepliesTotal    *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors registered on a
// private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "wabridge"
	}

	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Transport events consumed by the session manager",
		},
		[]string{"type"},
	)

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by payload kind and routing outcome",
		},
		[]string{"kind", "outcome"},
	)

	handlerPanics := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Message handlers that panicked and were recovered",
		},
	)

	backendRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Relay requests sent to the backend",
		},
		[]string{"endpoint", "status"},
	)

	backendDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend relay latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
		},
		[]string{"endpoint"},
	)

	voiceBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_bytes_total",
			Help:      "Voice audio bytes downloaded and uploaded",
		},
		[]string{"direction"},
	)

	connectionState := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_open",
			Help:      "1 while the chat-network connection is open",
		},
	)

	reconnects := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by close reason",
		},
		[]string{"reason"},
	)

	replies := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies sent back to the chat network",
		},
		[]string{"kind", "status"},
	)

	registry.MustRegister(
		eventsTotal,
		messagesTotal,
		handlerPanics,
		backendRequests,
		backendDuration,
		voiceBytes,
		connectionState,
		reconnects,
		replies,
	)

	return &Metrics{
		registry:               registry,
		EventsTotal:            eventsTotal,
		MessagesTotal:          messagesTotal,
		HandlerPanics:          handlerPanics,
		BackendRequestsTotal:   backendRequests,
		BackendRequestDuration: backendDuration,
		VoiceBytesTotal:        voiceBytes,
		ConnectionState:        connectionState,
		ReconnectsTotal:        reconnects,
		RepliesTotal:           replies,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordMessage records an inbound message and what the router did with it
// (relayed, filtered_group, filtered_self, no_text, ...).
func (m *Metrics) RecordMessage(kind, outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.HandlerPanics.Inc()
}

// RecordBackend records a completed backend relay.
func (m *Metrics) RecordBackend(endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.BackendRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordVoiceBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.VoiceBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) SetConnected(open bool) {
	if m == nil {
		return
	}
	if open {
		m.ConnectionState.Set(1)
		return
	}
	m.ConnectionState.Set(0)
}

func (m *Metrics) RecordReconnect(reason string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReply(kind string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RepliesTotal.WithLabelValues(kind, status).Inc()
}
