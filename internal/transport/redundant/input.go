package redundant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// inferiorReadTimeout is the polling deadline of the per-inferior reader
// workers. Short enough that a worker notices finalization promptly.
const inferiorReadTimeout = time.Second

// readQueueSize bounds the accepted-transfer queue. Workers block when the
// reader falls this far behind, which applies natural backpressure to the
// inferiors instead of losing accepted transfers.
const readQueueSize = 256

// TransferFrom is a deduplicated transfer annotated with the inferior
// session it was accepted from.
type TransferFrom struct {
	transport.TransferFrom

	// InferiorSession is the inferior input session that received the
	// accepted copy of the transfer.
	InferiorSession transport.InputSession
}

// inputInferior pairs an inferior session with its reader worker.
type inputInferior struct {
	session transport.InputSession
	ifaceID uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func (i *inputInferior) close() {
	if err := i.session.Close(); err != nil {
		slog.Default().Error("could not close inferior session",
			slog.Uint64("iface_id", i.ifaceID),
			slog.String("error", err.Error()),
		)
	}
	i.cancel()
	<-i.done
}

// InputSession is a composite over a group of inferior input sessions.
// One worker goroutine per inferior feeds a shared deduplicator; accepted
// transfers are queued for the reader, each delivered at most once. The
// deduplication strategy is chosen when the first inferior is added and
// discarded when the last one is removed.
type InputSession struct {
	spec      transport.InputSessionSpecifier
	meta      transport.PayloadMetadata
	tidModulo func() uint64
	logger    *slog.Logger
	metrics   transport.MetricsReporter

	mu        sync.Mutex
	finalizer func() // nil once closed
	inferiors []*inputInferior
	dedup     Deduplicator

	// Accepted transfers for the reader. The error queue is one item deep
	// because stale errors lose relevance immediately; a worker blocks on it
	// after a fault, which keeps a broken inferior from spin-looping.
	readQueue chan *TransferFrom
	errQueue  chan error

	statTransfers    uint64
	statPayloadBytes uint64
	statErrors       uint64
}

func newInputSession(
	spec transport.InputSessionSpecifier,
	meta transport.PayloadMetadata,
	tidModulo func() uint64,
	finalizer func(),
	logger *slog.Logger,
	metrics transport.MetricsReporter,
) *InputSession {
	return &InputSession{
		spec:      spec,
		meta:      meta,
		tidModulo: tidModulo,
		finalizer: finalizer,
		logger:    logger.With(slog.String("specifier", spec.String())),
		metrics:   metrics,
		readQueue: make(chan *TransferFrom, readQueueSize),
		errQueue:  make(chan error, 1),
	}
}

// Specifier implements transport.InputSession.
func (s *InputSession) Specifier() transport.InputSessionSpecifier { return s.spec }

// PayloadMetadata implements transport.InputSession.
func (s *InputSession) PayloadMetadata() transport.PayloadMetadata { return s.meta }

// Inferiors returns a snapshot of the inferior sessions in attachment order.
func (s *InputSession) Inferiors() []transport.InputSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.InputSession, len(s.inferiors))
	for i, inf := range s.inferiors {
		out[i] = inf.session
	}
	return out
}

// Receive implements transport.InputSession. Deferred inferior errors
// preempt normal delivery: a transport error pushed by a worker is returned
// on the next call. Returns (nil, nil) on timeout and ErrResourceClosed
// once the session is finalized and drained.
func (s *InputSession) Receive(ctx context.Context) (*transport.TransferFrom, error) {
	// Handle pending errors first; freeing the slot unblocks the worker.
	select {
	case err := <-s.errQueue:
		return nil, err
	default:
	}
	rt, err := s.receiveRedundant(ctx)
	if rt == nil || err != nil {
		return nil, err
	}
	return &rt.TransferFrom, nil
}

// ReceiveRedundant is like Receive but preserves the inferior annotation.
func (s *InputSession) ReceiveRedundant(ctx context.Context) (*TransferFrom, error) {
	select {
	case err := <-s.errQueue:
		return nil, err
	default:
	}
	return s.receiveRedundant(ctx)
}

func (s *InputSession) receiveRedundant(ctx context.Context) (*TransferFrom, error) {
	select {
	case tr := <-s.readQueue:
		return tr, nil
	default:
	}
	if s.isClosed() {
		// Unprocessed transfers may still be drained after closure; the
		// empty-queue case above did not find any.
		return nil, fmt.Errorf("receive %s: %w", s.spec, transport.ErrResourceClosed)
	}
	select {
	case tr := <-s.readQueue:
		return tr, nil
	case <-ctx.Done():
		if s.isClosed() {
			return nil, fmt.Errorf("receive %s: %w", s.spec, transport.ErrResourceClosed)
		}
		return nil, nil //nolint:nilnil // timeout is not an error per the session contract
	}
}

// TransferIDTimeout implements transport.InputSession: the maximum across
// all inferiors, zero when the group is empty. The composite does not keep a
// timeout of its own.
func (s *InputSession) TransferIDTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferIDTimeoutLocked()
}

func (s *InputSession) transferIDTimeoutLocked() time.Duration {
	var out time.Duration
	for _, inf := range s.inferiors {
		out = max(out, inf.session.TransferIDTimeout())
	}
	return out
}

// SetTransferIDTimeout implements transport.InputSession: the assignment is
// propagated to every inferior so their settings stay synchronized.
func (s *InputSession) SetTransferIDTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("transfer-ID timeout %v: %w", d, transport.ErrInvalidTransferIDTimeout)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inf := range s.inferiors {
		if err := inf.session.SetTransferIDTimeout(d); err != nil {
			return err
		}
	}
	return nil
}

// SampleStatistics implements transport.InputSession. Transfer and payload
// counters are deduplicated totals; frame and drop counters are sums over
// the inferiors and are invalidated when the group changes.
func (s *InputSession) SampleStatistics() transport.SessionStatistics {
	return s.SampleStatisticsRedundant().SessionStatistics
}

// SampleStatisticsRedundant returns the extended snapshot with per-inferior
// breakdown.
func (s *InputSession) SampleStatisticsRedundant() SessionStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SessionStatistics{
		SessionStatistics: transport.SessionStatistics{
			Transfers:    s.statTransfers,
			PayloadBytes: s.statPayloadBytes,
			Errors:       s.statErrors,
		},
	}
	for _, inf := range s.inferiors {
		st := inf.session.SampleStatistics()
		out.Frames += st.Frames
		out.Drops += st.Drops
		out.Inferiors = append(out.Inferiors, st)
	}
	return out
}

// Close implements transport.InputSession. Idempotent. Errors from inferior
// closure are logged, not propagated.
func (s *InputSession) Close() error {
	s.mu.Lock()
	fin := s.finalizer
	s.finalizer = nil
	inferiors := s.inferiors
	s.inferiors = nil
	s.dedup = nil
	s.mu.Unlock()

	for _, inf := range inferiors {
		inf.close()
	}
	if fin != nil {
		fin()
	}
	return nil
}

func (s *InputSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizer == nil
}

// addInferior implements redundantSession. The first inferior seeds the
// deduplicator; later ones inherit the current transfer-ID timeout so the
// group stays synchronized.
func (s *InputSession) addInferior(session transport.Session, ifaceID uint64) error {
	in, ok := session.(transport.InputSession)
	if !ok {
		return fmt.Errorf("add inferior to %s: %w", s.spec, transport.ErrUnsupportedSession)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizer == nil {
		return fmt.Errorf("add inferior to %s: %w", s.spec, transport.ErrResourceClosed)
	}
	for _, inf := range s.inferiors {
		if inf.session == in {
			return nil
		}
	}
	if s.dedup == nil {
		s.dedup = NewDeduplicator(s.tidModulo())
		s.logger.Debug("constructed deduplicator",
			slog.Uint64("transfer_id_modulo", s.tidModulo()),
		)
	}
	if len(s.inferiors) > 0 {
		if err := in.SetTransferIDTimeout(s.transferIDTimeoutLocked()); err != nil {
			return fmt.Errorf("synchronize transfer-ID timeout: %w", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	inf := &inputInferior{session: in, ifaceID: ifaceID, cancel: cancel, done: make(chan struct{})}
	s.inferiors = append(s.inferiors, inf)
	go s.inferiorWorker(ctx, inf)
	return nil
}

// closeInferior implements redundantSession. Removing the last inferior
// discards the deduplicator: a subsequent attach may need a different
// strategy if the new inferior's category differs.
func (s *InputSession) closeInferior(index int) {
	s.mu.Lock()
	if index < 0 || index >= len(s.inferiors) {
		s.mu.Unlock()
		return
	}
	inf := s.inferiors[index]
	s.inferiors = append(s.inferiors[:index], s.inferiors[index+1:]...)
	if len(s.inferiors) == 0 {
		s.dedup = nil
	}
	s.mu.Unlock()
	inf.close()
}

func (s *InputSession) inferiorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inferiors)
}

// inferiorWorker repeatedly polls one inferior and feeds the deduplicator.
// Recoverable transport errors are parked on the one-item error queue until
// the reader collects them.
func (s *InputSession) inferiorWorker(ctx context.Context, inf *inputInferior) {
	defer close(inf.done)
	s.logger.Debug("inferior worker starting", slog.Uint64("iface_id", inf.ifaceID))
	defer s.logger.Debug("inferior worker stopping", slog.Uint64("iface_id", inf.ifaceID))
	for {
		if ctx.Err() != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, inferiorReadTimeout)
		tr, err := inf.session.Receive(rctx)
		cancel()
		switch {
		case errors.Is(err, transport.ErrResourceClosed) || ctx.Err() != nil:
			return
		case err != nil:
			s.mu.Lock()
			s.statErrors++
			s.mu.Unlock()
			s.logger.Debug("inferior receive failed",
				slog.Uint64("iface_id", inf.ifaceID),
				slog.String("error", err.Error()),
			)
			// Block until the error is collected; this keeps a continuously
			// failing inferior from spinning.
			select {
			case s.errQueue <- err:
			case <-ctx.Done():
				return
			}
		case tr != nil:
			s.processTransfer(ctx, inf, tr)
		}
	}
}

// processTransfer runs the deduplicator and enqueues accepted transfers.
func (s *InputSession) processTransfer(ctx context.Context, inf *inputInferior, tr *transport.TransferFrom) {
	s.mu.Lock()
	if s.dedup == nil {
		s.mu.Unlock()
		return // Finalized concurrently.
	}
	tidTimeout := s.transferIDTimeoutLocked()
	accept := s.dedup.ShouldAcceptTransfer(inf.ifaceID, tidTimeout, tr.Timestamp, tr.SourceNodeID, tr.TransferID)
	s.mu.Unlock()
	if !accept {
		s.logger.Debug("discarding redundant duplicate",
			slog.Uint64("iface_id", inf.ifaceID),
			slog.Uint64("transfer_id", tr.TransferID),
			slog.String("source", tr.SourceNodeID.String()),
		)
		s.metrics.RecordDuplicateDropped(s.spec.Data)
		return
	}
	out := &TransferFrom{TransferFrom: *tr, InferiorSession: inf.session}
	select {
	case s.readQueue <- out:
		s.mu.Lock()
		s.statTransfers++
		s.statPayloadBytes += uint64(tr.PayloadSize())
		s.mu.Unlock()
		s.metrics.RecordTransferAccepted(s.spec.Data)
	case <-ctx.Done():
	}
}
