// Package cyphalmetrics exposes the protocol stack's counters as Prometheus
// metrics. The Collector implements transport.MetricsReporter and is wired
// into the redundant sessions and the presentation layer via their options.
package cyphalmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gocyphal"
	subsystem = "stack"
)

// Label names.
const (
	labelDataSpecifier = "data_specifier"
	labelPortKind      = "port_kind"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all protocol-stack Prometheus metrics.
//
// Metrics are designed for fleet monitoring of redundant networks:
//   - Accept/duplicate counters expose the health of each redundant link.
//   - Send outcome counters split success, timeout and hard error.
//   - Deserialization and unexpected-response counters flag misbehaving
//     peers without surfacing errors into the application.
type Collector struct {
	// TransfersAccepted counts transfers accepted by the deduplicators.
	TransfersAccepted *prometheus.CounterVec

	// DuplicatesDropped counts transfers rejected as redundant duplicates.
	DuplicatesDropped *prometheus.CounterVec

	// SendSuccesses counts transfers handed off to at least one media layer.
	SendSuccesses *prometheus.CounterVec

	// SendTimeouts counts transfers that missed their deadline on all paths.
	SendTimeouts *prometheus.CounterVec

	// SendErrors counts transfers that failed on all paths.
	SendErrors *prometheus.CounterVec

	// DeserializationFailures counts transfers whose payload could not be
	// deserialized into the port's DSDL type.
	DeserializationFailures *prometheus.CounterVec

	// UnexpectedResponses counts service responses matching no pending
	// request.
	UnexpectedResponses *prometheus.CounterVec

	// Ports tracks the number of live port implementations per kind.
	Ports *prometheus.GaugeVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "gocyphal_stack_" prefix (namespace_subsystem) to
// avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.TransfersAccepted,
		c.DuplicatesDropped,
		c.SendSuccesses,
		c.SendTimeouts,
		c.SendErrors,
		c.DeserializationFailures,
		c.UnexpectedResponses,
		c.Ports,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	dsLabels := []string{labelDataSpecifier}

	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, dsLabels)
	}

	return &Collector{
		TransfersAccepted: counter("transfers_accepted_total",
			"Transfers accepted by the redundant deduplicators."),
		DuplicatesDropped: counter("duplicates_dropped_total",
			"Transfers rejected as redundant duplicates."),
		SendSuccesses: counter("send_successes_total",
			"Outgoing transfers handed off to at least one media layer in time."),
		SendTimeouts: counter("send_timeouts_total",
			"Outgoing transfers that missed their deadline on every path."),
		SendErrors: counter("send_errors_total",
			"Outgoing transfers that failed with a transport error on every path."),
		DeserializationFailures: counter("deserialization_failures_total",
			"Received transfers with payloads that could not be deserialized."),
		UnexpectedResponses: counter("unexpected_responses_total",
			"Service responses that matched no pending request."),
		Ports: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ports",
			Help:      "Number of live presentation port implementations.",
		}, []string{labelPortKind}),
	}
}

// -------------------------------------------------------------------------
// transport.MetricsReporter implementation
// -------------------------------------------------------------------------

// RecordTransferAccepted implements transport.MetricsReporter.
func (c *Collector) RecordTransferAccepted(ds transport.DataSpecifier) {
	c.TransfersAccepted.WithLabelValues(ds.String()).Inc()
}

// RecordDuplicateDropped implements transport.MetricsReporter.
func (c *Collector) RecordDuplicateDropped(ds transport.DataSpecifier) {
	c.DuplicatesDropped.WithLabelValues(ds.String()).Inc()
}

// RecordSendSuccess implements transport.MetricsReporter.
func (c *Collector) RecordSendSuccess(ds transport.DataSpecifier) {
	c.SendSuccesses.WithLabelValues(ds.String()).Inc()
}

// RecordSendTimeout implements transport.MetricsReporter.
func (c *Collector) RecordSendTimeout(ds transport.DataSpecifier) {
	c.SendTimeouts.WithLabelValues(ds.String()).Inc()
}

// RecordSendError implements transport.MetricsReporter.
func (c *Collector) RecordSendError(ds transport.DataSpecifier) {
	c.SendErrors.WithLabelValues(ds.String()).Inc()
}

// RecordDeserializationFailure implements transport.MetricsReporter.
func (c *Collector) RecordDeserializationFailure(ds transport.DataSpecifier) {
	c.DeserializationFailures.WithLabelValues(ds.String()).Inc()
}

// RecordUnexpectedResponse implements transport.MetricsReporter.
func (c *Collector) RecordUnexpectedResponse(ds transport.DataSpecifier) {
	c.UnexpectedResponses.WithLabelValues(ds.String()).Inc()
}

// RegisterPort implements transport.MetricsReporter.
func (c *Collector) RegisterPort(kind string) {
	c.Ports.WithLabelValues(kind).Inc()
}

// UnregisterPort implements transport.MetricsReporter.
func (c *Collector) UnregisterPort(kind string) {
	c.Ports.WithLabelValues(kind).Dec()
}
