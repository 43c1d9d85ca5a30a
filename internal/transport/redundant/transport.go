package redundant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// Statistics is the transport-wide snapshot: one entry per inferior, ordered
// to match the inferior list.
type Statistics struct {
	transport.TransportStatisticsBase

	Inferiors []transport.TransportStatistics
}

// Option configures optional Transport parameters.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics attaches a MetricsReporter propagated to all sessions the
// transport creates. If mr is nil, the no-op reporter is kept.
func WithMetrics(mr transport.MetricsReporter) Option {
	return func(t *Transport) {
		if mr != nil {
			t.metrics = mr
		}
	}
}

// column pairs an inferior transport with its group-unique iface-id.
type column struct {
	transport transport.Transport
	ifaceID   uint64
}

// Transport is a composite over a set of inferior transports. It maintains a
// two-dimensional session matrix: inferior transports are columns, redundant
// sessions are rows. Attaching or detaching an inferior is a column
// operation; creating or retiring a session is a row operation. Any partial
// failure rolls back to the last consistent state.
type Transport struct {
	mu         sync.Mutex
	cols       []column
	inputRows  map[transport.InputSessionSpecifier]*InputSession
	outputRows map[transport.OutputSessionSpecifier]*OutputSession
	handlers   []transport.CaptureHandler
	logger     *slog.Logger
	metrics    transport.MetricsReporter
}

// New creates an empty redundant transport. Inferiors are added with
// AttachInferior.
func New(opts ...Option) *Transport {
	t := &Transport{
		inputRows:  make(map[transport.InputSessionSpecifier]*InputSession),
		outputRows: make(map[transport.OutputSessionSpecifier]*OutputSession),
		logger:     slog.Default(),
		metrics:    transport.NopMetrics{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "transport.redundant"))
	return t
}

// ProtocolParameters implements transport.Transport: the element-wise
// minimum over the inferiors, or all-zeros when the group is empty.
func (t *Transport) ProtocolParameters() transport.ProtocolParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolParametersLocked()
}

func (t *Transport) protocolParametersLocked() transport.ProtocolParameters {
	if len(t.cols) == 0 {
		return transport.ProtocolParameters{}
	}
	out := t.cols[0].transport.ProtocolParameters()
	for _, c := range t.cols[1:] {
		out = out.Min(c.transport.ProtocolParameters())
	}
	return out
}

// LocalNodeID implements transport.Transport: the unique node-ID shared by
// all inferiors, anonymous when the group is empty. Heterogeneous node-IDs
// indicate an inferior was sneakily reconfigured and yield
// ErrInconsistentInferiorConfiguration.
func (t *Transport) LocalNodeID() (transport.NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localNodeIDLocked()
}

func (t *Transport) localNodeIDLocked() (transport.NodeID, error) {
	if len(t.cols) == 0 {
		return transport.NodeID{}, nil
	}
	first, err := t.cols[0].transport.LocalNodeID()
	if err != nil {
		return transport.NodeID{}, err
	}
	for _, c := range t.cols[1:] {
		nid, err := c.transport.LocalNodeID()
		if err != nil {
			return transport.NodeID{}, err
		}
		if nid != first {
			return transport.NodeID{}, fmt.Errorf(
				"inferiors have different node-IDs (%s vs %s): %w",
				first, nid, ErrInconsistentInferiorConfiguration,
			)
		}
	}
	return first, nil
}

// Inferiors returns the inferior transports in attachment order.
func (t *Transport) Inferiors() []transport.Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Transport, len(t.cols))
	for i, c := range t.cols {
		out[i] = c.transport
	}
	return out
}

// AttachInferior adds a new transport to the redundant group.
//
// Preconditions: the transport is not already a member and is not the group
// itself; its local node-ID matches the group's; its transfer-ID modulo is
// in the same category as the group's (and identical for the cyclic
// category). On success the inferior is appended as a new column and every
// existing row gains an inferior session. Any failure rolls the attachment
// back so the matrix stays consistent.
func (t *Transport) AttachInferior(inferior transport.Transport) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.validateInferiorLocked(inferior); err != nil {
		return err
	}
	col := column{transport: inferior, ifaceID: transport.NextIfaceID()}
	t.cols = append(t.cols, col)
	if err := t.populateColumnLocked(col); err != nil {
		t.detachInferiorLocked(inferior) // Roll back to a consistent state.
		return err
	}
	t.checkMatrixConsistencyLocked()

	// Wire capture as late as possible so a failed attachment never leaves a
	// dangling handler on the inferior.
	for _, h := range t.handlers {
		inferior.BeginCapture(t.wrapCaptureHandler(col, h))
	}
	t.logger.Info("inferior attached",
		slog.Uint64("iface_id", col.ifaceID),
		slog.Int("inferiors", len(t.cols)),
	)
	return nil
}

// validateInferiorLocked checks the attachment preconditions.
func (t *Transport) validateInferiorLocked(inferior transport.Transport) error {
	if self, ok := inferior.(*Transport); ok && self == t {
		return fmt.Errorf("attach inferior: %w", ErrSelfInferior)
	}
	for _, c := range t.cols {
		if c.transport == inferior {
			return fmt.Errorf("attach inferior: %w", ErrAlreadyInferior)
		}
	}
	if len(t.cols) == 0 {
		return nil
	}
	groupNID, err := t.localNodeIDLocked()
	if err != nil {
		return fmt.Errorf("attach inferior: %w", err)
	}
	infNID, err := inferior.LocalNodeID()
	if err != nil {
		return fmt.Errorf("attach inferior: %w", err)
	}
	if infNID != groupNID {
		return fmt.Errorf(
			"attach inferior: node-ID %s does not match the group's %s: %w",
			infNID, groupNID, ErrInconsistentInferiorConfiguration,
		)
	}
	groupModulo := t.protocolParametersLocked().TransferIDModulo
	infModulo := inferior.ProtocolParameters().TransferIDModulo
	if groupModulo >= MonotonicTransferIDModuloThreshold {
		if infModulo < MonotonicTransferIDModuloThreshold {
			return fmt.Errorf(
				"attach inferior: transfer-ID modulo %d is cyclic while the group is monotonic: %w",
				infModulo, ErrInconsistentInferiorConfiguration,
			)
		}
	} else if infModulo != groupModulo {
		return fmt.Errorf(
			"attach inferior: transfer-ID modulo %d does not match the group's %d: %w",
			infModulo, groupModulo, ErrInconsistentInferiorConfiguration,
		)
	}
	return nil
}

// populateColumnLocked creates the inferior session of every existing row on
// the new column.
func (t *Transport) populateColumnLocked(col column) error {
	for spec, row := range t.inputRows {
		inf, err := col.transport.GetInputSession(spec, row.PayloadMetadata())
		if err != nil {
			return fmt.Errorf("create inferior input session %s: %w", spec, err)
		}
		if err := addInferiorSession(row, inf, col.ifaceID); err != nil {
			return err
		}
	}
	for spec, row := range t.outputRows {
		inf, err := col.transport.GetOutputSession(spec, row.PayloadMetadata())
		if err != nil {
			return fmt.Errorf("create inferior output session %s: %w", spec, err)
		}
		if err := addInferiorSession(row, inf, col.ifaceID); err != nil {
			return err
		}
	}
	return nil
}

// addInferiorSession adds a freshly created inferior session to a row,
// closing the session if the row refuses it so it is never leaked.
func addInferiorSession(row redundantSession, inf transport.Session, ifaceID uint64) error {
	if err := row.addInferior(inf, ifaceID); err != nil {
		_ = inf.Close()
		return err
	}
	return nil
}

// DetachInferior removes the transport from the redundant group. Each row
// closes its session at that column; errors during child-close are logged,
// not propagated. The inferior transport itself is not closed.
func (t *Transport) DetachInferior(inferior transport.Transport) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detachInferiorLocked(inferior)
}

func (t *Transport) detachInferiorLocked(inferior transport.Transport) error {
	index := -1
	for i, c := range t.cols {
		if c.transport == inferior {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("detach inferior: %w", ErrNotInferior)
	}
	t.cols = append(t.cols[:index], t.cols[index+1:]...)
	for _, row := range t.allRowsLocked() {
		row.closeInferior(index)
	}
	t.checkMatrixConsistencyLocked()
	t.logger.Info("inferior detached", slog.Int("inferiors", len(t.cols)))
	return nil
}

// GetInputSession implements transport.Transport: returns the existing row
// for the specifier or creates one, constructing inferior sessions in column
// order and rolling all of them back on any failure.
func (t *Transport) GetInputSession(
	spec transport.InputSessionSpecifier,
	meta transport.PayloadMetadata,
) (transport.InputSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.inputRows[spec]; ok {
		return row, nil
	}
	row := newInputSession(spec, meta,
		// Invoked only while t.mu is held (row operations), so the unlocked
		// read is safe and avoids self-deadlock.
		func() uint64 { return t.protocolParametersLocked().TransferIDModulo },
		func() {
			t.mu.Lock()
			delete(t.inputRows, spec)
			t.mu.Unlock()
		},
		t.logger, t.metrics,
	)
	for _, col := range t.cols {
		inf, err := col.transport.GetInputSession(spec, meta)
		if err != nil {
			abandonRow(row)
			return nil, fmt.Errorf("create input session %s: %w", spec, err)
		}
		if err := addInferiorSession(row, inf, col.ifaceID); err != nil {
			abandonRow(row)
			return nil, fmt.Errorf("create input session %s: %w", spec, err)
		}
	}
	t.inputRows[spec] = row
	t.checkMatrixConsistencyLocked()
	return row, nil
}

// GetOutputSession implements transport.Transport; see GetInputSession.
func (t *Transport) GetOutputSession(
	spec transport.OutputSessionSpecifier,
	meta transport.PayloadMetadata,
) (transport.OutputSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.outputRows[spec]; ok {
		return row, nil
	}
	row := newOutputSession(spec, meta,
		func() {
			t.mu.Lock()
			delete(t.outputRows, spec)
			t.mu.Unlock()
		},
		t.logger, t.metrics,
	)
	for _, col := range t.cols {
		inf, err := col.transport.GetOutputSession(spec, meta)
		if err != nil {
			abandonRow(row)
			return nil, fmt.Errorf("create output session %s: %w", spec, err)
		}
		if err := addInferiorSession(row, inf, col.ifaceID); err != nil {
			abandonRow(row)
			return nil, fmt.Errorf("create output session %s: %w", spec, err)
		}
	}
	t.outputRows[spec] = row
	t.checkMatrixConsistencyLocked()
	return row, nil
}

// InputSessions returns the live redundant input sessions.
func (t *Transport) InputSessions() []*InputSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*InputSession, 0, len(t.inputRows))
	for _, row := range t.inputRows {
		out = append(out, row)
	}
	return out
}

// OutputSessions returns the live redundant output sessions.
func (t *Transport) OutputSessions() []*OutputSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*OutputSession, 0, len(t.outputRows))
	for _, row := range t.outputRows {
		out = append(out, row)
	}
	return out
}

// SampleStatistics implements transport.Transport.
func (t *Transport) SampleStatistics() transport.TransportStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Statistics{}
	for _, c := range t.cols {
		out.Inferiors = append(out.Inferiors, c.transport.SampleStatistics())
	}
	return out
}

// Close implements transport.Transport: closes every owned session and every
// inferior transport, suppressing and logging failures. The matrix returns
// to its original empty state, so closing is reversible: new inferiors and
// sessions can be added afterwards. Double-close is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	rows := t.allRowsLocked()
	cols := t.cols
	t.cols = nil
	t.mu.Unlock()

	for _, row := range rows {
		if err := row.Close(); err != nil {
			t.logger.Error("could not close session", slog.String("error", err.Error()))
		}
	}
	for _, c := range cols {
		if err := c.transport.Close(); err != nil {
			t.logger.Error("could not close inferior", slog.String("error", err.Error()))
		}
	}
	return nil
}

// BeginCapture implements transport.Transport: the handler is attached to
// every current and future inferior. Every per-inferior capture is wrapped
// into a redundant Capture carrying the emitting inferior's iface-id and the
// group's current transfer-ID modulo so a tracer can pick the correct
// deduplicator. If an inferior fails while enabling, the remaining inferiors
// are left untouched.
func (t *Transport) BeginCapture(handler transport.CaptureHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
	for _, c := range t.cols {
		c.transport.BeginCapture(t.wrapCaptureHandler(c, handler))
	}
}

// CaptureActive implements transport.Transport.
func (t *Transport) CaptureActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers) > 0
}

func (t *Transport) wrapCaptureHandler(col column, handler transport.CaptureHandler) transport.CaptureHandler {
	return func(c transport.Capture) {
		handler(&Capture{
			Timestamp:        c.CaptureTimestamp(),
			Inferior:         c,
			IfaceID:          col.ifaceID,
			TransferIDModulo: t.ProtocolParameters().TransferIDModulo,
		})
	}
}

// Spoof implements transport.Transport: the call is issued to every inferior
// concurrently and the result is the logical AND, false when the group is
// empty. The first error terminates the operation and is returned, because a
// caller spoofing a redundant group wants uniform results across all
// inferiors; spoof each inferior separately if that is not the case.
func (t *Transport) Spoof(ctx context.Context, tr transport.AlienTransfer) (bool, error) {
	t.mu.Lock()
	cols := append([]column(nil), t.cols...)
	t.mu.Unlock()
	if len(cols) == 0 {
		return false, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	results := make([]bool, len(cols))
	for i, c := range cols {
		g.Go(func() error {
			ok, err := c.transport.Spoof(gctx, tr)
			if err != nil {
				return err
			}
			results[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	for _, ok := range results {
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// MakeTracer implements transport.Transport.
func (t *Transport) MakeTracer() transport.Tracer {
	return NewTracer()
}

func (t *Transport) allRowsLocked() []redundantSession {
	out := make([]redundantSession, 0, len(t.inputRows)+len(t.outputRows))
	for _, row := range t.inputRows {
		out = append(out, row)
	}
	for _, row := range t.outputRows {
		out = append(out, row)
	}
	return out
}

// checkMatrixConsistencyLocked asserts the invariant that every row has
// exactly one inferior session per column at quiescent points.
func (t *Transport) checkMatrixConsistencyLocked() {
	for _, row := range t.allRowsLocked() {
		if n := row.inferiorCount(); n != len(t.cols) {
			t.logger.Error("session matrix inconsistency",
				slog.Int("row_inferiors", n),
				slog.Int("columns", len(t.cols)),
			)
		}
	}
}

// abandonRow discards a half-constructed row without invoking its retire
// finalizer, which would otherwise re-acquire the transport lock held by the
// caller. The row was never registered, so there is nothing to retire.
func abandonRow(row redundantSession) {
	switch r := row.(type) {
	case *InputSession:
		r.mu.Lock()
		r.finalizer = nil
		r.mu.Unlock()
	case *OutputSession:
		r.mu.Lock()
		r.finalizer = nil
		r.mu.Unlock()
	}
	_ = row.Close()
}
