package transport

import (
	"context"
	"time"
)

// -------------------------------------------------------------------------
// Capture & Trace — promiscuous monitoring and postmortem analysis
// -------------------------------------------------------------------------

// Capture is a raw observed event wrapped with metadata. Each concrete
// transport emits captures of its own type so that tracers can dispatch on
// the framing; the redundant composite wraps inferior captures with the
// identity of the emitting inferior.
type Capture interface {
	// CaptureTimestamp is when the event was observed.
	CaptureTimestamp() time.Time

	// MakeTracer returns a new tracer consistent with the framing of the
	// transport kind that emitted this capture.
	MakeTracer() Tracer
}

// CaptureHandler consumes captures. Every emitted capture is delivered to the
// handler exactly once.
type CaptureHandler func(Capture)

// Trace is a high-level event reconstructed from captures by a tracer.
type Trace interface {
	// TraceTimestamp is the timestamp of the event the trace describes.
	TraceTimestamp() time.Time
}

// TransferTrace reports a fully reassembled transfer.
//
// Note that the duplicate-suppression event emitted by the redundant tracer
// is deliberately a different type so that downstream consumers do not
// double-count transfers.
type TransferTrace struct {
	// Timestamp is when the final frame of the transfer was observed.
	Timestamp time.Time

	// Transfer is the reconstructed transfer with full session metadata.
	Transfer AlienTransfer

	// TransferIDTimeout is the timeout configured on the emitting link,
	// needed by deduplicating consumers.
	TransferIDTimeout time.Duration
}

// TraceTimestamp implements Trace.
func (t *TransferTrace) TraceTimestamp() time.Time { return t.Timestamp }

// ErrorTrace reports a protocol-level reception error.
type ErrorTrace struct {
	Timestamp time.Time
	Err       error
}

// TraceTimestamp implements Trace.
func (t *ErrorTrace) TraceTimestamp() time.Time { return t.Timestamp }

// Tracer turns a stream of captures into a stream of traces. Tracers are
// stateful: captures must be fed in chronological order. Update returns nil
// when the capture did not complete a traceable event.
type Tracer interface {
	Update(cap Capture) Trace
}

// -------------------------------------------------------------------------
// Transport Statistics
// -------------------------------------------------------------------------

// TransportStatistics is an immutable snapshot of transport-wide counters.
// Each transport defines its own concrete type embedding
// TransportStatisticsBase.
type TransportStatistics interface {
	isTransportStatistics()
}

// TransportStatisticsBase is embedded by concrete statistics types to
// satisfy TransportStatistics.
type TransportStatisticsBase struct{}

func (TransportStatisticsBase) isTransportStatistics() {}

// -------------------------------------------------------------------------
// Transport — the uniform contract all concrete transports honor
// -------------------------------------------------------------------------

// Transport is the contract honored by every concrete transport and by the
// redundant composite.
type Transport interface {
	// ProtocolParameters returns the parameter triple. The value may change
	// if the transport is reconfigured at runtime.
	ProtocolParameters() ProtocolParameters

	// LocalNodeID returns the local node-ID; unset means anonymous. The
	// redundant composite returns an error if its inferiors disagree, which
	// indicates an inferior was reconfigured behind its back.
	LocalNodeID() (NodeID, error)

	// GetInputSession returns the input session for the specifier, creating
	// it if necessary. Idempotent on specifier equality.
	GetInputSession(spec InputSessionSpecifier, meta PayloadMetadata) (InputSession, error)

	// GetOutputSession returns the output session for the specifier,
	// creating it if necessary. Idempotent on specifier equality.
	GetOutputSession(spec OutputSessionSpecifier, meta PayloadMetadata) (OutputSession, error)

	// SampleStatistics returns an immutable snapshot of the counters.
	SampleStatistics() TransportStatistics

	// Close finalizes the transport and every session it owns. Idempotent.
	Close() error

	// BeginCapture enables promiscuous observation. The handler receives
	// every emitted capture exactly once. Handlers cannot be removed.
	BeginCapture(handler CaptureHandler)

	// CaptureActive reports whether at least one capture handler is set.
	CaptureActive() bool

	// Spoof injects a synthetic transfer bypassing session state. Returns
	// true on successful hand-off before the context deadline.
	Spoof(ctx context.Context, tr AlienTransfer) (bool, error)

	// MakeTracer returns a postmortem observer consistent with this
	// transport's framing.
	MakeTracer() Tracer
}
