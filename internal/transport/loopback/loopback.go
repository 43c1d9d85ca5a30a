// Package loopback implements an in-process transport that routes outgoing
// transfers back into matching input sessions. Several loopback transports
// may be joined into a Bus to emulate a multi-node network without touching
// the OS. The loopback transport is used by the test suites, the CLI and the
// register-driven transport factory (the uavcan.loopback register).
package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// DefaultTransferIDTimeout is the initial transfer-ID timeout of newly
// created input sessions, per the Specification's recommended default.
const DefaultTransferIDTimeout = 2 * time.Second

// DefaultProtocolParameters are used unless overridden via
// WithProtocolParameters. The wide transfer-ID modulo classifies the
// loopback transport as monotonic.
var DefaultProtocolParameters = transport.ProtocolParameters{
	TransferIDModulo: transport.MaxTransferIDModulo,
	MaxNodes:         65535,
	MTU:              1024,
}

// Statistics is the transport-wide counter snapshot of a loopback transport.
type Statistics struct {
	transport.TransportStatisticsBase

	// TransfersRouted is the number of transfers routed to input sessions.
	TransfersRouted uint64

	// TransfersDropped is the number of transfers dropped because a
	// destination queue was full.
	TransfersDropped uint64

	// SpoofedTransfers is the number of transfers injected via Spoof.
	SpoofedTransfers uint64
}

// Option configures optional Transport parameters.
type Option func(*Transport)

// WithProtocolParameters overrides the default protocol parameters. Tests use
// this to emulate cyclic-transfer-ID transports such as CAN.
func WithProtocolParameters(p transport.ProtocolParameters) Option {
	return func(t *Transport) { t.params = p }
}

// WithLogger sets the logger. The default discards nothing and writes to the
// process-wide default handler.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport is an in-process loopback transport. A standalone instance
// delivers its own outgoing transfers back to itself; instances attached to
// a shared Bus deliver to every member whose sessions match.
type Transport struct {
	mu       sync.Mutex
	localID  transport.NodeID
	params   transport.ProtocolParameters
	inputs   map[transport.InputSessionSpecifier]*inputSession
	outputs  map[transport.OutputSessionSpecifier]*outputSession
	handlers []transport.CaptureHandler
	bus      *Bus
	closed   bool
	logger   *slog.Logger

	statRouted  uint64
	statDropped uint64
	statSpoofed uint64
}

// New creates a loopback transport with the given local node-ID; pass the
// zero NodeID for an anonymous instance.
func New(localNodeID transport.NodeID, opts ...Option) *Transport {
	t := &Transport{
		localID: localNodeID,
		params:  DefaultProtocolParameters,
		inputs:  make(map[transport.InputSessionSpecifier]*inputSession),
		outputs: make(map[transport.OutputSessionSpecifier]*outputSession),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(
		slog.String("component", "transport.loopback"),
		slog.String("local_node_id", localNodeID.String()),
	)
	return t
}

// ProtocolParameters implements transport.Transport.
func (t *Transport) ProtocolParameters() transport.ProtocolParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// SetProtocolParameters reconfigures the transport at runtime. Intended for
// diagnostics and tests.
func (t *Transport) SetProtocolParameters(p transport.ProtocolParameters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params = p
}

// LocalNodeID implements transport.Transport. The error is always nil.
func (t *Transport) LocalNodeID() (transport.NodeID, error) {
	return t.localID, nil
}

// GetInputSession implements transport.Transport. Idempotent on specifier
// equality.
func (t *Transport) GetInputSession(
	spec transport.InputSessionSpecifier,
	meta transport.PayloadMetadata,
) (transport.InputSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("get input session %s: %w", spec, transport.ErrResourceClosed)
	}
	if s, ok := t.inputs[spec]; ok {
		return s, nil
	}
	s := newInputSession(t, spec, meta)
	t.inputs[spec] = s
	return s, nil
}

// GetOutputSession implements transport.Transport. Idempotent on specifier
// equality.
func (t *Transport) GetOutputSession(
	spec transport.OutputSessionSpecifier,
	meta transport.PayloadMetadata,
) (transport.OutputSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("get output session %s: %w", spec, transport.ErrResourceClosed)
	}
	if s, ok := t.outputs[spec]; ok {
		return s, nil
	}
	s := newOutputSession(t, spec, meta)
	t.outputs[spec] = s
	return s, nil
}

// SampleStatistics implements transport.Transport.
func (t *Transport) SampleStatistics() transport.TransportStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Statistics{
		TransfersRouted:  t.statRouted,
		TransfersDropped: t.statDropped,
		SpoofedTransfers: t.statSpoofed,
	}
}

// Close implements transport.Transport. Idempotent; closes all owned
// sessions and detaches from the bus.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	inputs := make([]*inputSession, 0, len(t.inputs))
	for _, s := range t.inputs {
		inputs = append(inputs, s)
	}
	outputs := make([]*outputSession, 0, len(t.outputs))
	for _, s := range t.outputs {
		outputs = append(outputs, s)
	}
	bus := t.bus
	t.mu.Unlock()

	for _, s := range inputs {
		_ = s.Close()
	}
	for _, s := range outputs {
		_ = s.Close()
	}
	if bus != nil {
		bus.detach(t)
	}
	return nil
}

// BeginCapture implements transport.Transport.
func (t *Transport) BeginCapture(handler transport.CaptureHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

// CaptureActive implements transport.Transport.
func (t *Transport) CaptureActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers) > 0
}

// Spoof implements transport.Transport: the alien transfer is routed to
// matching input sessions bypassing all outgoing-session bookkeeping.
func (t *Transport) Spoof(ctx context.Context, tr transport.AlienTransfer) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, nil //nolint:nilerr // deadline expiry is a timeout, not a fault
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false, fmt.Errorf("spoof: %w", transport.ErrResourceClosed)
	}
	t.statSpoofed++
	t.mu.Unlock()

	tf := &transport.TransferFrom{
		Transfer: transport.Transfer{
			Timestamp:         time.Now(),
			Priority:          tr.Metadata.Priority,
			TransferID:        tr.Metadata.TransferID,
			FragmentedPayload: tr.FragmentedPayload,
		},
		SourceNodeID: tr.Metadata.Session.Source,
	}
	t.route(tf, tr.Metadata.Session.Data, tr.Metadata.Session.Destination)
	t.emitCapture(tr)
	return true, nil
}

// MakeTracer implements transport.Transport.
func (t *Transport) MakeTracer() transport.Tracer {
	return NewTracer()
}

// route delivers a received transfer to every matching input session of
// every reachable transport (self plus bus members).
func (t *Transport) route(tf *transport.TransferFrom, ds transport.DataSpecifier, dest transport.NodeID) {
	for _, member := range t.reachable() {
		member.deliverLocal(tf, ds, dest)
	}
}

// reachable returns the set of transports that can observe this instance's
// traffic: bus members when attached, otherwise just the instance itself.
func (t *Transport) reachable() []*Transport {
	t.mu.Lock()
	bus := t.bus
	t.mu.Unlock()
	if bus == nil {
		return []*Transport{t}
	}
	return bus.members()
}

// deliverLocal enqueues the transfer into this transport's matching input
// sessions. Service transfers are delivered only if the destination matches
// the local node-ID.
func (t *Transport) deliverLocal(tf *transport.TransferFrom, ds transport.DataSpecifier, dest transport.NodeID) {
	if _, svc := ds.(transport.ServiceDataSpecifier); svc {
		if t.localID != dest {
			return
		}
	}
	t.mu.Lock()
	targets := make([]*inputSession, 0, 2)
	for spec, s := range t.inputs {
		if spec.Data != ds {
			continue
		}
		if spec.Remote.IsSet() && spec.Remote != tf.SourceNodeID {
			continue
		}
		targets = append(targets, s)
	}
	t.mu.Unlock()
	for _, s := range targets {
		if s.push(tf) {
			t.mu.Lock()
			t.statRouted++
			t.mu.Unlock()
		} else {
			t.mu.Lock()
			t.statDropped++
			t.mu.Unlock()
			t.logger.Debug("input queue full, dropping transfer",
				slog.String("specifier", s.spec.String()),
			)
		}
	}
}

// emitCapture delivers the transfer to every capture handler of this
// transport.
func (t *Transport) emitCapture(tr transport.AlienTransfer) {
	t.mu.Lock()
	handlers := append([]transport.CaptureHandler(nil), t.handlers...)
	t.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	c := &Capture{Timestamp: time.Now(), Transfer: tr}
	for _, h := range handlers {
		h(c)
	}
}

// retireInput removes a closed input session from the registry.
func (t *Transport) retireInput(spec transport.InputSessionSpecifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inputs, spec)
}

// retireOutput removes a closed output session from the registry.
func (t *Transport) retireOutput(spec transport.OutputSessionSpecifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.outputs, spec)
}

// -------------------------------------------------------------------------
// Bus — in-process multi-node medium
// -------------------------------------------------------------------------

// Bus joins loopback transports into one shared medium: every transfer sent
// by a member is offered to the matching input sessions of all members.
type Bus struct {
	mu      sync.Mutex
	transps []*Transport
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Attach adds the transport to the bus. A transport can be attached to at
// most one bus; re-attaching is a no-op.
func (b *Bus) Attach(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.transps {
		if m == t {
			return
		}
	}
	b.transps = append(b.transps, t)
	t.mu.Lock()
	t.bus = b
	t.mu.Unlock()
}

// detach removes the transport from the bus.
func (b *Bus) detach(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.transps {
		if m == t {
			b.transps = append(b.transps[:i], b.transps[i+1:]...)
			return
		}
	}
}

// members returns a snapshot of the attached transports.
func (b *Bus) members() []*Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Transport(nil), b.transps...)
}
