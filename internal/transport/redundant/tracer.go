package redundant

import (
	"log/slog"
	"reflect"
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// Capture composes an inferior capture with the identity of the inferior
// transport that emitted it. Users may construct these manually when
// performing postmortem analysis of a network dump and feed them into a
// Tracer one by one.
type Capture struct {
	Timestamp time.Time

	// Inferior is the original capture from the inferior transport.
	Inferior transport.Capture

	// IfaceID uniquely identifies the emitting transport within its
	// redundant group.
	IfaceID uint64

	// TransferIDModulo is the group's transfer-ID modulo at capture time.
	// The Tracer uses it to select the transfer deduplication strategy.
	TransferIDModulo uint64
}

// CaptureTimestamp implements transport.Capture.
func (c *Capture) CaptureTimestamp() time.Time { return c.Timestamp }

// MakeTracer implements transport.Capture.
func (c *Capture) MakeTracer() transport.Tracer { return NewTracer() }

// DuplicateTransferTrace indicates that the last capture completed a valid
// transfer that was discarded as a duplicate received from another redundant
// interface. Deliberately NOT a TransferTrace: duplicates must not be
// processed as transfers, or downstream consumers would double-count.
type DuplicateTransferTrace struct {
	Timestamp time.Time
}

// TraceTimestamp implements transport.Trace.
func (t *DuplicateTransferTrace) TraceTimestamp() time.Time { return t.Timestamp }

// dedupSelector keys deduplicators by the transfer's session identity.
type dedupSelector struct {
	destination transport.NodeID
	data        transport.DataSpecifier
}

// tracerSelector keys inner tracers by transport kind and interface.
type tracerSelector struct {
	kind    reflect.Type
	ifaceID uint64
}

// Tracer deduplicates transfer traces received via multiple redundant
// interfaces. It works both live and during postmortem analysis. One inner
// tracer is kept per (inferior transport kind, iface-id), created lazily via
// the captures' own tracer factories; one deduplicator is kept per
// (destination node-ID, data specifier), keyed to the current transfer-ID
// modulo — the whole table is flushed if the modulo changes.
type Tracer struct {
	lastModulo      uint64
	dedups          map[dedupSelector]Deduplicator
	inferiorTracers map[tracerSelector]transport.Tracer
	logger          *slog.Logger
}

// NewTracer creates a redundant tracer.
func NewTracer() *Tracer {
	return &Tracer{
		dedups:          make(map[dedupSelector]Deduplicator),
		inferiorTracers: make(map[tracerSelector]transport.Tracer),
		logger:          slog.Default().With(slog.String("component", "transport.redundant.tracer")),
	}
}

// Update implements transport.Tracer. Transfer traces are deduplicated:
// duplicates yield a DuplicateTransferTrace. All other traces (errors and
// transport-specific events) pass through unchanged. Captures that are not
// redundant captures yield nil.
func (t *Tracer) Update(c transport.Capture) transport.Trace {
	rc, ok := c.(*Capture)
	if !ok {
		return nil
	}
	if rc.TransferIDModulo != t.lastModulo {
		t.logger.Info("transfer-ID modulo change detected, resetting deduplicator state",
			slog.Uint64("old", t.lastModulo),
			slog.Uint64("new", rc.TransferIDModulo),
			slog.Int("dropped", len(t.dedups)),
		)
		t.lastModulo = rc.TransferIDModulo
		clear(t.dedups)
	}

	trace := t.inferiorTracer(rc).Update(rc.Inferior)
	tt, ok := trace.(*transport.TransferTrace)
	if !ok {
		return trace
	}

	meta := tt.Transfer.Metadata
	dedup := t.deduplicator(meta.Session.Destination, meta.Session.Data, rc.TransferIDModulo)
	accept := dedup.ShouldAcceptTransfer(
		rc.IfaceID,
		tt.TransferIDTimeout,
		tt.Timestamp,
		meta.Session.Source,
		meta.TransferID,
	)
	if accept {
		return tt
	}
	return &DuplicateTransferTrace{Timestamp: rc.Timestamp}
}

func (t *Tracer) deduplicator(dest transport.NodeID, ds transport.DataSpecifier, modulo uint64) Deduplicator {
	sel := dedupSelector{destination: dest, data: ds}
	if d, ok := t.dedups[sel]; ok {
		return d
	}
	d := NewDeduplicator(modulo)
	t.dedups[sel] = d
	return d
}

func (t *Tracer) inferiorTracer(rc *Capture) transport.Tracer {
	sel := tracerSelector{kind: reflect.TypeOf(rc.Inferior), ifaceID: rc.IfaceID}
	if tr, ok := t.inferiorTracers[sel]; ok {
		return tr
	}
	tr := rc.Inferior.MakeTracer()
	t.inferiorTracers[sel] = tr
	return tr
}
