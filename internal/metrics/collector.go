// Package rconmetrics exports RCON client activity as Prometheus metrics.
package rconmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gorcon/rcon"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gorcon"
	subsystem = "client"
)

// Label names for client metrics.
const (
	labelProtocol  = "protocol"
	labelServer    = "server"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus RCON Metrics
// -------------------------------------------------------------------------

// Collector holds all RCON client Prometheus metrics.
//
// Packet counters track TX/RX/drop volumes per server; state transition
// counters record lifecycle changes for alerting on flapping sessions.
type Collector struct {
	// PacketsSent counts the protocol packets transmitted per server.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts the protocol packets received per server.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts inbound packets discarded by validation
	// (bad frame, CRC mismatch) or correlation (no matching request).
	PacketsDropped *prometheus.CounterVec

	// StateTransitions counts connection lifecycle transitions. Each
	// counter is labeled with the old state and new state for precise
	// alerting (e.g., Authenticated->Error).
	StateTransitions *prometheus.CounterVec
}

// NewCollector creates a Collector with all client metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gorcon_client_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.StateTransitions,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	serverLabels := []string{labelProtocol, labelServer}
	transitionLabels := []string{labelProtocol, labelServer, labelFromState, labelToState}

	return &Collector{
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total RCON protocol packets transmitted.",
		}, serverLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total RCON protocol packets received.",
		}, serverLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total inbound RCON packets dropped by validation or correlation.",
		}, serverLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total connection state machine transitions.",
		}, transitionLabels),
	}
}

// Reporter returns a per-client rcon.MetricsReporter with the protocol
// and server labels curried in.
func (c *Collector) Reporter(protocol, server string) rcon.MetricsReporter {
	return &clientReporter{
		sent:        c.PacketsSent.WithLabelValues(protocol, server),
		received:    c.PacketsReceived.WithLabelValues(protocol, server),
		dropped:     c.PacketsDropped.WithLabelValues(protocol, server),
		transitions: c.StateTransitions,
		protocol:    protocol,
		server:      server,
	}
}

// clientReporter adapts the collector to one client's label set.
type clientReporter struct {
	sent        prometheus.Counter
	received    prometheus.Counter
	dropped     prometheus.Counter
	transitions *prometheus.CounterVec
	protocol    string
	server      string
}

func (r *clientReporter) PacketSent()     { r.sent.Inc() }
func (r *clientReporter) PacketReceived() { r.received.Inc() }
func (r *clientReporter) PacketDropped()  { r.dropped.Inc() }

func (r *clientReporter) StateTransition(from, to rcon.State) {
	r.transitions.WithLabelValues(r.protocol, r.server, from.String(), to.String()).Inc()
}
