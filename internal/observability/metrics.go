// Package observability holds the prometheus metrics and otel tracing used by
// the signaling server.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks signaling traffic and call outcomes.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
//	m.MessagesTotal.WithLabelValues("offer", "inbound").Inc()
type Metrics struct {
	// MessagesTotal counts signaling messages.
	// Labels: type, direction (inbound|outbound)
	MessagesTotal *prometheus.CounterVec

	// ProtocolErrors counts error replies by code.
	ProtocolErrors *prometheus.CounterVec

	// CallsTotal counts terminal call outcomes.
	// Labels: status (completed|missed|rejected)
	CallsTotal *prometheus.CounterVec

	// CallDuration measures answered call length in seconds.
	CallDuration prometheus.Histogram

	// Backpressure counts full outbound queues.
	Backpressure prometheus.Counter

	ActiveSessions prometheus.Gauge
	ActiveRooms    prometheus.Gauge
	ActiveCalls    prometheus.Gauge
}

// NewMetrics creates all metrics on reg. A nil reg uses a fresh registry, so
// several servers can coexist in one test binary.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_signal_messages_total",
				Help: "Signaling messages by type and direction",
			},
			[]string{"type", "direction"},
		),
		ProtocolErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_signal_protocol_errors_total",
				Help: "Error replies sent to clients by code",
			},
			[]string{"code"},
		),
		CallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_calls_total",
				Help: "Finished calls by terminal record status",
			},
			[]string{"status"},
		),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinic_call_duration_seconds",
			Help:    "Duration of answered calls in seconds",
			Buckets: []float64{30, 60, 300, 600, 1200, 1800, 3600},
		}),
		Backpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "clinic_signal_backpressure_total",
			Help: "Outbound messages that hit a full connection queue",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "clinic_active_sessions",
			Help: "Registered identities",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "clinic_active_rooms",
			Help: "Rooms with at least one member",
		}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "clinic_active_calls",
			Help: "Calls in the live ledger",
		}),
	}
}

// NewRegistry returns a registry preloaded with the go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
