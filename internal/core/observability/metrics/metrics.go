package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "distsync"

// Replication holds the counters of one replication process. A nil
// *Replication is valid and records nothing.
type Replication struct {
	registry *prometheus.Registry

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	StaleDropped     *prometheus.CounterVec
	ProtocolErrors   *prometheus.CounterVec
	AwaitingMessages prometheus.Gauge
	LiveObjects      prometheus.Gauge
	ConnectedPeers   prometheus.Gauge
}

// NewReplication creates the metrics on a fresh registry that also exports Go runtime metrics.
func NewReplication() *Replication {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewReplicationWith(registry)
}

// NewReplicationWith registers the metrics on registry.
func NewReplicationWith(registry *prometheus.Registry) *Replication {
	r := &Replication{
		registry: registry,

		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "sent_total",
				Help:      "Messages handed to the link",
			},
			[]string{"quality", "mode"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Messages routed to a registered receiver",
			},
			[]string{"quality"},
		),

		BytesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "sent_bytes_total",
				Help:      "Encoded frame bytes sent",
			},
		),

		BytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "received_bytes_total",
				Help:      "Encoded frame bytes received",
			},
		),

		StaleDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "snapshots",
				Name:      "stale_dropped_total",
				Help:      "Snapshots discarded because a newer one was already applied",
			},
			[]string{"component"},
		),

		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "protocol_errors_total",
				Help:      "Messages dropped because they could not be decoded",
			},
			[]string{"reason"},
		),

		AwaitingMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "awaiting",
				Help:      "Inbound messages held until their receiver registers",
			},
		),

		LiveObjects: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "objects",
				Name:      "registered",
				Help:      "Distributed objects registered in the root",
			},
		),

		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "peers",
				Help:      "Currently connected peers",
			},
		),
	}

	registry.MustRegister(
		r.MessagesSent,
		r.MessagesReceived,
		r.BytesSent,
		r.BytesReceived,
		r.StaleDropped,
		r.ProtocolErrors,
		r.AwaitingMessages,
		r.LiveObjects,
		r.ConnectedPeers,
	)

	return r
}

// Registry returns the registry the metrics were registered on.
func (r *Replication) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Replication) Sent(quality, mode string, bytes int) {
	if r == nil {
		return
	}
	r.MessagesSent.WithLabelValues(quality, mode).Inc()
	r.BytesSent.Add(float64(bytes))
}

func (r *Replication) Received(quality string, bytes int) {
	if r == nil {
		return
	}
	r.MessagesReceived.WithLabelValues(quality).Inc()
	r.BytesReceived.Add(float64(bytes))
}

func (r *Replication) Stale(component string) {
	if r == nil {
		return
	}
	r.StaleDropped.WithLabelValues(component).Inc()
}

func (r *Replication) ProtocolError(reason string) {
	if r == nil {
		return
	}
	r.ProtocolErrors.WithLabelValues(reason).Inc()
}

func (r *Replication) SetAwaiting(count int) {
	if r == nil {
		return
	}
	r.AwaitingMessages.Set(float64(count))
}

func (r *Replication) SetLiveObjects(count int) {
	if r == nil {
		return
	}
	r.LiveObjects.Set(float64(count))
}

func (r *Replication) SetPeers(count int) {
	if r == nil {
		return
	}
	r.ConnectedPeers.Set(float64(count))
}
