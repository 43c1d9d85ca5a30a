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

// workQueueSize bounds the per-inferior work queue. A full queue means the
// inferior cannot keep up even with its own deadline budget; further items
// are failed as timeouts instead of blocking the transaction.
const workQueueSize = 64

// Feedback is the output feedback extended with the reference to the
// inferior session it originates from. A redundant output session yields one
// feedback entry per inferior for every outgoing transfer.
type Feedback struct {
	inferior transport.Feedback
	session  transport.OutputSession
}

// OriginalTransferTimestamp implements transport.Feedback.
func (f *Feedback) OriginalTransferTimestamp() time.Time {
	return f.inferior.OriginalTransferTimestamp()
}

// FirstFrameTransmissionTimestamp implements transport.Feedback.
func (f *Feedback) FirstFrameTransmissionTimestamp() time.Time {
	return f.inferior.FirstFrameTransmissionTimestamp()
}

// InferiorFeedback returns the original feedback entry.
func (f *Feedback) InferiorFeedback() transport.Feedback { return f.inferior }

// InferiorSession returns the inferior session that generated this entry.
func (f *Feedback) InferiorSession() transport.OutputSession { return f.session }

// sendResult is the outcome of one inferior transmission attempt.
type sendResult struct {
	ok  bool
	err error
}

// workItem instructs a worker to transmit the transfer before the context
// deadline and post the outcome.
type workItem struct {
	ctx      context.Context
	transfer *transport.Transfer
	results  chan<- sendResult
}

// outputInferior triples an inferior session with its worker and queue.
type outputInferior struct {
	session transport.OutputSession
	ifaceID uint64
	queue   chan workItem
	cancel  context.CancelFunc
	done    chan struct{}
}

func (i *outputInferior) close() {
	i.cancel()
	<-i.done
	if err := i.session.Close(); err != nil {
		slog.Default().Error("could not close inferior session",
			slog.Uint64("iface_id", i.ifaceID),
			slog.String("error", err.Error()),
		)
	}
}

// OutputSession is a composite over a group of inferior output sessions.
// Every outgoing transfer is forked into each inferior concurrently; the
// call completes on the first success while slower inferiors keep
// transmitting in the background for the remainder of their deadline.
type OutputSession struct {
	spec    transport.OutputSessionSpecifier
	meta    transport.PayloadMetadata
	logger  *slog.Logger
	metrics transport.MetricsReporter

	// sendMu serializes Send transactions so each observes a stable view of
	// the inferior list.
	sendMu sync.Mutex

	mu              sync.Mutex
	finalizer       func() // nil once closed
	inferiors       []*outputInferior
	feedbackHandler transport.FeedbackHandler
	idleCh          chan struct{} // non-nil while a send awaits the first inferior

	statTransfers    uint64
	statPayloadBytes uint64
	statErrors       uint64
	statDrops        uint64
}

func newOutputSession(
	spec transport.OutputSessionSpecifier,
	meta transport.PayloadMetadata,
	finalizer func(),
	logger *slog.Logger,
	metrics transport.MetricsReporter,
) *OutputSession {
	return &OutputSession{
		spec:      spec,
		meta:      meta,
		finalizer: finalizer,
		logger:    logger.With(slog.String("specifier", spec.String())),
		metrics:   metrics,
	}
}

// Specifier implements transport.OutputSession.
func (s *OutputSession) Specifier() transport.OutputSessionSpecifier { return s.spec }

// PayloadMetadata implements transport.OutputSession.
func (s *OutputSession) PayloadMetadata() transport.PayloadMetadata { return s.meta }

// Inferiors returns a snapshot of the inferior sessions in attachment order.
func (s *OutputSession) Inferiors() []transport.OutputSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.OutputSession, len(s.inferiors))
	for i, inf := range s.inferiors {
		out[i] = inf.session
	}
	return out
}

// Send implements transport.OutputSession.
//
// The outcome aggregation is optimistic: if at least one inferior succeeds,
// the transfer succeeded. If every inferior fails with an error, one error
// is returned and the rest are logged. If every inferior times out, false is
// returned. A send issued against an empty group waits for an inferior to be
// attached until the context deadline, so the transfer may still go out if
// the group is populated in time.
func (s *OutputSession) Send(ctx context.Context, tr *transport.Transfer) (bool, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.isClosed() {
		return false, fmt.Errorf("send %s: %w", s.spec, transport.ErrResourceClosed)
	}

	inferiors := s.snapshotInferiors()
	if len(inferiors) == 0 {
		inferiors = s.awaitFirstInferior(ctx)
		if len(inferiors) == 0 {
			s.mu.Lock()
			s.statDrops++
			s.mu.Unlock()
			s.metrics.RecordSendTimeout(s.spec.Data)
			return false, nil
		}
	}

	// One aggregated result channel; buffered so background completions
	// after this transaction returns never block the workers.
	results := make(chan sendResult, len(inferiors))
	dispatched := 0
	for _, inf := range inferiors {
		select {
		case inf.queue <- workItem{ctx: ctx, transfer: tr, results: results}:
			dispatched++
		default:
			// The inferior is hopelessly backlogged; count it as timed out.
			s.logger.Warn("inferior work queue full",
				slog.Uint64("iface_id", inf.ifaceID),
			)
			results <- sendResult{ok: false}
			dispatched++
		}
	}

	var (
		firstErr error
		errCount int
	)
	for seen := 0; seen < dispatched; seen++ {
		var r sendResult
		select {
		case r = <-results:
		case <-ctx.Done():
			// Workers resolve at their own deadline, which never exceeds
			// ours; leftover results land in the buffered channel.
			seen = dispatched
			continue
		}
		switch {
		case r.err != nil:
			errCount++
			if firstErr == nil {
				firstErr = r.err
			} else {
				s.logger.Error("inferior send failed",
					slog.String("error", r.err.Error()),
				)
			}
		case r.ok:
			// First success completes the transaction; the rest continue in
			// the background.
			s.mu.Lock()
			s.statTransfers++
			s.statPayloadBytes += uint64(tr.PayloadSize())
			s.mu.Unlock()
			s.metrics.RecordSendSuccess(s.spec.Data)
			return true, nil
		default:
			// Timed out on this inferior; keep waiting for the others.
		}
	}
	if errCount == dispatched && firstErr != nil {
		s.mu.Lock()
		s.statErrors++
		s.mu.Unlock()
		s.metrics.RecordSendError(s.spec.Data)
		return false, firstErr
	}
	if firstErr != nil {
		s.logger.Error("inferior send failed",
			slog.String("error", firstErr.Error()),
		)
	}
	s.mu.Lock()
	s.statDrops++
	s.mu.Unlock()
	s.metrics.RecordSendTimeout(s.spec.Data)
	return false, nil
}

// awaitFirstInferior parks the transaction until an inferior is attached or
// the deadline expires, then returns the refreshed snapshot.
func (s *OutputSession) awaitFirstInferior(ctx context.Context) []*outputInferior {
	s.mu.Lock()
	idle := make(chan struct{})
	s.idleCh = idle
	s.mu.Unlock()
	s.logger.Debug("no inferiors, suspending send")

	select {
	case <-idle:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.idleCh = nil
	out := append([]*outputInferior(nil), s.inferiors...)
	s.mu.Unlock()
	s.logger.Debug("send unsuspended", slog.Int("inferiors", len(out)))
	return out
}

// EnableFeedback implements transport.OutputSession. The operation is atomic
// across inferiors: if any inferior fails to enable feedback, all are rolled
// back into the disabled state before the error is returned.
func (s *OutputSession) EnableFeedback(handler transport.FeedbackHandler) error {
	_ = s.DisableFeedback() // State determinism.
	s.mu.Lock()
	s.feedbackHandler = handler
	inferiors := append([]*outputInferior(nil), s.inferiors...)
	s.mu.Unlock()
	for _, inf := range inferiors {
		if err := s.enableFeedbackOnInferior(inf); err != nil {
			s.logger.Info("could not enable feedback, rolling back",
				slog.String("error", err.Error()),
			)
			_ = s.DisableFeedback()
			return err
		}
	}
	return nil
}

// DisableFeedback implements transport.OutputSession. Best-effort: inferior
// failures are logged and suppressed.
func (s *OutputSession) DisableFeedback() error {
	s.mu.Lock()
	s.feedbackHandler = nil
	inferiors := append([]*outputInferior(nil), s.inferiors...)
	s.mu.Unlock()
	for _, inf := range inferiors {
		if err := inf.session.DisableFeedback(); err != nil {
			s.logger.Error("could not disable feedback on inferior",
				slog.Uint64("iface_id", inf.ifaceID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// enableFeedbackOnInferior wires the inferior's feedback through the
// redundant wrapper to the user handler.
func (s *OutputSession) enableFeedbackOnInferior(inf *outputInferior) error {
	session := inf.session
	return session.EnableFeedback(func(fb transport.Feedback) {
		s.mu.Lock()
		handler := s.feedbackHandler
		member := false
		for _, x := range s.inferiors {
			if x.session == session {
				member = true
				break
			}
		}
		s.mu.Unlock()
		if !member {
			s.logger.Warn("feedback from a session that is not a registered inferior")
			return
		}
		if handler != nil {
			handler(&Feedback{inferior: fb, session: session})
		}
	})
}

// SampleStatistics implements transport.OutputSession.
func (s *OutputSession) SampleStatistics() transport.SessionStatistics {
	return s.SampleStatisticsRedundant().SessionStatistics
}

// SampleStatisticsRedundant returns the extended snapshot with per-inferior
// breakdown. Transfers counts transactions where at least one inferior
// succeeded; errors counts transactions where all inferiors failed; drops
// counts every other unsuccessful transaction (all inferiors timed out, a mix
// of timeouts and errors, or no inferior attached before the deadline).
func (s *OutputSession) SampleStatisticsRedundant() SessionStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SessionStatistics{
		SessionStatistics: transport.SessionStatistics{
			Transfers:    s.statTransfers,
			PayloadBytes: s.statPayloadBytes,
			Errors:       s.statErrors,
			Drops:        s.statDrops,
		},
	}
	for _, inf := range s.inferiors {
		st := inf.session.SampleStatistics()
		out.Frames += st.Frames
		out.Inferiors = append(out.Inferiors, st)
	}
	return out
}

// Close implements transport.OutputSession. Idempotent.
func (s *OutputSession) Close() error {
	s.mu.Lock()
	fin := s.finalizer
	s.finalizer = nil
	inferiors := s.inferiors
	s.inferiors = nil
	s.mu.Unlock()

	for _, inf := range inferiors {
		inf.close()
	}
	if fin != nil {
		fin()
	}
	return nil
}

func (s *OutputSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizer == nil
}

func (s *OutputSession) snapshotInferiors() []*outputInferior {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*outputInferior(nil), s.inferiors...)
}

// addInferior implements redundantSession. The new inferior inherits the
// current feedback state; enabling feedback on it may fail, in which case
// the inferior is not added and the caller rolls back.
func (s *OutputSession) addInferior(session transport.Session, ifaceID uint64) error {
	out, ok := session.(transport.OutputSession)
	if !ok {
		return fmt.Errorf("add inferior to %s: %w", s.spec, transport.ErrUnsupportedSession)
	}
	s.mu.Lock()
	if s.finalizer == nil {
		s.mu.Unlock()
		return fmt.Errorf("add inferior to %s: %w", s.spec, transport.ErrResourceClosed)
	}
	for _, inf := range s.inferiors {
		if inf.session == out {
			s.mu.Unlock()
			return nil
		}
	}
	handler := s.feedbackHandler
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	inf := &outputInferior{
		session: out,
		ifaceID: ifaceID,
		queue:   make(chan workItem, workQueueSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	// Synchronize the feedback state before the inferior becomes visible.
	if handler != nil {
		if err := s.enableFeedbackOnInferior(inf); err != nil {
			cancel()
			close(inf.done)
			return err
		}
	} else if err := out.DisableFeedback(); err != nil {
		s.logger.Debug("could not disable feedback on new inferior",
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	s.inferiors = append(s.inferiors, inf)
	idle := s.idleCh
	s.idleCh = nil
	s.mu.Unlock()
	go s.inferiorWorker(ctx, inf)
	// Unlock any transaction parked on the empty group.
	if idle != nil {
		close(idle)
	}
	return nil
}

// closeInferior implements redundantSession.
func (s *OutputSession) closeInferior(index int) {
	s.mu.Lock()
	if index < 0 || index >= len(s.inferiors) {
		s.mu.Unlock()
		return
	}
	inf := s.inferiors[index]
	s.inferiors = append(s.inferiors[:index], s.inferiors[index+1:]...)
	s.mu.Unlock()
	inf.close()
}

func (s *OutputSession) inferiorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inferiors)
}

// inferiorWorker transmits queued work items on one inferior. On closure the
// worker exits without posting a result: the master transaction is already
// moving on.
func (s *OutputSession) inferiorWorker(ctx context.Context, inf *outputInferior) {
	defer close(inf.done)
	s.logger.Debug("inferior worker starting", slog.Uint64("iface_id", inf.ifaceID))
	defer s.logger.Debug("inferior worker stopping", slog.Uint64("iface_id", inf.ifaceID))
	for {
		var item workItem
		select {
		case <-ctx.Done():
			return
		case item = <-inf.queue:
		}
		ok, err := inf.session.Send(item.ctx, item.transfer)
		switch {
		case errors.Is(err, transport.ErrResourceClosed):
			return
		case err != nil:
			s.logger.Error("inferior send failed",
				slog.Uint64("iface_id", inf.ifaceID),
				slog.String("error", err.Error()),
			)
			item.results <- sendResult{err: err}
		default:
			item.results <- sendResult{ok: ok}
		}
	}
}
