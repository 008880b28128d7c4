// Package metric provides the Prometheus metrics registry for corvus.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all server metrics. Each server instance carries its own
// registry so tests can run several servers in one process.
type Registry struct {
	reg *prometheus.Registry

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Command metrics
	CommandsTotal *prometheus.CounterVec

	// Keyspace metrics
	Keys prometheus.Gauge

	// Pub/sub metrics
	MessagesPublished prometheus.Counter
	PublishedBytes    prometheus.Counter

	// Output multiplexer metrics
	QueuedMessages     prometheus.Counter
	QueuedBytes        prometheus.Counter
	SentMessages       prometheus.Counter
	SentBytes          prometheus.Counter
	QueueDrops         *prometheus.CounterVec
	BackpressureEvents prometheus.Counter
	FlushDuration      prometheus.Histogram
	SlotHealth         *prometheus.GaugeVec
}

// NewRegistry creates a new metrics registry with all collectors registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corvus", Name: "connections_active",
			Help: "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvus", Name: "connections_total",
			Help: "Client connections accepted since start.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corvus", Name: "commands_total",
			Help: "Commands processed, by command name.",
		}, []string{"command"}),
		Keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corvus", Name: "keys",
			Help: "Keys currently in the store.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvus", Name: "messages_published_total",
			Help: "Messages accepted by PUBLISH.",
		}),
		PublishedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvus", Name: "published_bytes_total",
			Help: "Payload bytes accepted by PUBLISH.",
		}),
		QueuedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvus", Subsystem: "outmux", Name: "queued_messages_total",
			Help: "Messages enqueued across all slots.",
		}),
		QueuedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvus", Subsystem: "outmux", Name: "queued_bytes_total",
			Help: "Bytes enqueued across all slots.",
		}),
		SentMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvus", Subsystem: "outmux", Name: "sent_messages_total",
			Help: "Messages fully written to sockets.",
		}),
		SentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvus", Subsystem: "outmux", Name: "sent_bytes_total",
			Help: "Bytes written to sockets.",
		}),
		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corvus", Subsystem: "outmux", Name: "queue_drops_total",
			Help: "Messages dropped, by reason.",
		}, []string{"reason"}),
		BackpressureEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvus", Subsystem: "outmux", Name: "backpressure_events_total",
			Help: "Flushes suspended by socket backpressure.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "corvus", Subsystem: "outmux", Name: "flush_duration_seconds",
			Help:    "Duration of slot flushes.",
			Buckets: prometheus.DefBuckets,
		}),
		SlotHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corvus", Subsystem: "outmux", Name: "slots",
			Help: "Slots per health label.",
		}, []string{"health"}),
	}

	r.reg.MustRegister(
		r.ConnectionsActive, r.ConnectionsTotal, r.CommandsTotal, r.Keys,
		r.MessagesPublished, r.PublishedBytes,
		r.QueuedMessages, r.QueuedBytes, r.SentMessages, r.SentBytes,
		r.QueueDrops, r.BackpressureEvents, r.FlushDuration, r.SlotHealth,
	)
	return r
}

// Gatherer exposes the underlying registry for scraping or tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
