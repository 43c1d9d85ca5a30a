package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// recvQueueSize bounds the per-session receive queue. Sized generously so
// that a slow reader does not immediately shed traffic.
const recvQueueSize = 256

// -------------------------------------------------------------------------
// Input Session
// -------------------------------------------------------------------------

type inputSession struct {
	t    *Transport
	spec transport.InputSessionSpecifier
	meta transport.PayloadMetadata

	mu         sync.Mutex
	closed     bool
	tidTimeout time.Duration

	queue chan *transport.TransferFrom

	statTransfers    uint64
	statPayloadBytes uint64
	statDrops        uint64
}

func newInputSession(t *Transport, spec transport.InputSessionSpecifier, meta transport.PayloadMetadata) *inputSession {
	return &inputSession{
		t:          t,
		spec:       spec,
		meta:       meta,
		tidTimeout: DefaultTransferIDTimeout,
		queue:      make(chan *transport.TransferFrom, recvQueueSize),
	}
}

// push enqueues a received transfer. Returns false if the queue is full, in
// which case the transfer is lost (loopback emulates a lossy link here).
func (s *inputSession) push(tf *transport.TransferFrom) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	select {
	case s.queue <- tf:
		s.mu.Lock()
		s.statTransfers++
		s.statPayloadBytes += uint64(tf.PayloadSize())
		s.mu.Unlock()
		return true
	default:
		s.mu.Lock()
		s.statDrops++
		s.mu.Unlock()
		return false
	}
}

func (s *inputSession) Specifier() transport.InputSessionSpecifier { return s.spec }

func (s *inputSession) PayloadMetadata() transport.PayloadMetadata { return s.meta }

func (s *inputSession) Receive(ctx context.Context) (*transport.TransferFrom, error) {
	// Queued transfers may be read even after the session is closed.
	select {
	case tf := <-s.queue:
		return tf, nil
	default:
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("receive %s: %w", s.spec, transport.ErrResourceClosed)
	}
	select {
	case tf := <-s.queue:
		return tf, nil
	case <-ctx.Done():
		return nil, nil //nolint:nilnil // timeout is not an error per the session contract
	}
}

func (s *inputSession) TransferIDTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tidTimeout
}

func (s *inputSession) SetTransferIDTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("transfer-ID timeout %v: %w", d, transport.ErrInvalidTransferIDTimeout)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tidTimeout = d
	return nil
}

func (s *inputSession) SampleStatistics() transport.SessionStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transport.SessionStatistics{
		Transfers:    s.statTransfers,
		Frames:       s.statTransfers, // One frame per transfer on the loopback medium.
		PayloadBytes: s.statPayloadBytes,
		Drops:        s.statDrops,
	}
}

func (s *inputSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.t.retireInput(s.spec)
	return nil
}

// -------------------------------------------------------------------------
// Output Session
// -------------------------------------------------------------------------

// feedback is the loopback feedback entry: the transfer reaches the media
// layer the moment it is routed, so both timestamps are locally generated.
type feedback struct {
	originalTimestamp time.Time
	firstFrameTime    time.Time
}

func (f feedback) OriginalTransferTimestamp() time.Time       { return f.originalTimestamp }
func (f feedback) FirstFrameTransmissionTimestamp() time.Time { return f.firstFrameTime }

type outputSession struct {
	t    *Transport
	spec transport.OutputSessionSpecifier
	meta transport.PayloadMetadata

	mu       sync.Mutex
	closed   bool
	feedback transport.FeedbackHandler

	statTransfers    uint64
	statPayloadBytes uint64
	statErrors       uint64
}

func newOutputSession(t *Transport, spec transport.OutputSessionSpecifier, meta transport.PayloadMetadata) *outputSession {
	return &outputSession{t: t, spec: spec, meta: meta}
}

func (s *outputSession) Specifier() transport.OutputSessionSpecifier { return s.spec }

func (s *outputSession) PayloadMetadata() transport.PayloadMetadata { return s.meta }

func (s *outputSession) Send(ctx context.Context, tr *transport.Transfer) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, fmt.Errorf("send %s: %w", s.spec, transport.ErrResourceClosed)
	}
	fb := s.feedback
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, nil //nolint:nilerr // deadline expiry is a timeout, not a fault
	}

	src, _ := s.t.LocalNodeID()
	if _, svc := s.spec.Data.(transport.ServiceDataSpecifier); svc && !src.IsSet() {
		s.mu.Lock()
		s.statErrors++
		s.mu.Unlock()
		return false, fmt.Errorf("send %s: %w", s.spec, transport.ErrAnonymousNode)
	}

	modulo := s.t.ProtocolParameters().TransferIDModulo
	wireTID := tr.TransferID
	if modulo != 0 {
		wireTID %= modulo
	}

	tf := &transport.TransferFrom{
		Transfer: transport.Transfer{
			Timestamp:         time.Now(),
			Priority:          tr.Priority,
			TransferID:        wireTID,
			FragmentedPayload: tr.FragmentedPayload,
		},
		SourceNodeID: src,
	}
	s.t.route(tf, s.spec.Data, s.spec.Remote)
	s.t.emitCapture(transport.AlienTransfer{
		Metadata: transport.AlienTransferMetadata{
			Priority:   tr.Priority,
			TransferID: wireTID,
			Session: transport.AlienSessionSpecifier{
				Source:      src,
				Destination: s.spec.Remote,
				Data:        s.spec.Data,
			},
		},
		FragmentedPayload: tr.FragmentedPayload,
	})

	s.mu.Lock()
	s.statTransfers++
	s.statPayloadBytes += uint64(tr.PayloadSize())
	s.mu.Unlock()

	if fb != nil {
		now := time.Now()
		fb(feedback{originalTimestamp: tr.Timestamp, firstFrameTime: now})
	}
	return true, nil
}

func (s *outputSession) EnableFeedback(handler transport.FeedbackHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("enable feedback %s: %w", s.spec, transport.ErrResourceClosed)
	}
	s.feedback = handler
	return nil
}

func (s *outputSession) DisableFeedback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = nil
	return nil
}

func (s *outputSession) SampleStatistics() transport.SessionStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transport.SessionStatistics{
		Transfers:    s.statTransfers,
		Frames:       s.statTransfers,
		PayloadBytes: s.statPayloadBytes,
		Errors:       s.statErrors,
	}
}

func (s *outputSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.t.retireOutput(s.spec)
	return nil
}
