// Package metrics exposes Prometheus instrumentation for the door bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "net2"

var (
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "frames_received_total",
		Help:      "Socket messages received from the Net2 event hub.",
	}, []string{"dialect"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "frames_dropped_total",
		Help:      "Sub-frames discarded while decoding.",
	}, []string{"dialect", "reason"})

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "events_dispatched_total",
		Help:      "Decoded event documents handed to the consumer.",
	}, []string{"dialect"})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts by dialect and result.",
	}, []string{"dialect", "result"})

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "connected",
		Help:      "1 while the event hub socket is open.",
	})

	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rest",
		Name:      "status_polls_total",
		Help:      "Door status polls by result.",
	}, []string{"result"})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "auth_failures_total",
		Help:      "Failed authentication attempts.",
	})

	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "online",
		Help:      "1 while the session with the Net2 server is authenticated.",
	})

	DoorCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "doors",
		Name:      "commands_total",
		Help:      "Door commands by kind and result.",
	}, []string{"command", "result"})

	DoorOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "doors",
		Name:      "open",
		Help:      "Canonical door status, 1 for ON.",
	}, []string{"door"})

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sinks",
		Name:      "errors_total",
		Help:      "Failed deliveries to status sinks.",
	}, []string{"sink"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method and status code.",
	}, []string{"method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Bool converts a flag to a gauge value
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
