package presentation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gocyphal/internal/dsdl"
	"github.com/dantte-lp/gocyphal/internal/transport"
)

// MakePublisher creates a new publisher proxy for the given subject. All
// publishers sharing one subject share one hidden implementation holding the
// output transport session and the outgoing transfer-ID counter; per-proxy
// settings (priority, send timeout) are independent.
func MakePublisher[T dsdl.Message](
	p *Presentation,
	ty dsdl.Type[T],
	subjectID transport.SubjectID,
) (*Publisher[T], error) {
	ds := transport.MessageDataSpecifier{Subject: subjectID}
	key := portKey{data: ds, kind: kindPublisher}
	impl, err := p.getOrCreateImpl(key, ty.FullName, func() (portImpl, error) {
		spec := transport.NewOutputSessionSpecifier(ds, transport.NodeID{})
		session, err := p.tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: ty.ExtentBytes})
		if err != nil {
			return nil, fmt.Errorf("make publisher for subject %d: %w", subjectID, err)
		}
		return &publisherImpl[T]{
			implBase: implBase{key: key, typeName: ty.FullName},
			session:  session,
			counter:  p.counterLocked(ds, transport.NodeID{}),
			logger:   p.logger.With(slog.String("port", ds.String())),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	pub, ok := impl.(*publisherImpl[T])
	if !ok {
		p.removeProxy(impl)
		return nil, fmt.Errorf("make publisher for subject %d: %w", subjectID, ErrPortTypeConflict)
	}
	return &Publisher[T]{
		p:           p,
		impl:        pub,
		priority:    DefaultPriority,
		sendTimeout: DefaultSendTimeout,
	}, nil
}

// MakePublisherWithFixedSubjectID creates a publisher on the type's fixed
// subject-ID.
func MakePublisherWithFixedSubjectID[T dsdl.Message](p *Presentation, ty dsdl.Type[T]) (*Publisher[T], error) {
	if !ty.HasFixedPortID {
		return nil, fmt.Errorf("make publisher for %s: %w", ty.FullName, ErrNoFixedPortID)
	}
	return MakePublisher(p, ty, transport.SubjectID(ty.FixedPortID))
}

// publisherImpl is the shared publisher implementation: at most one per
// session specifier, reference-counted by its proxies.
type publisherImpl[T dsdl.Message] struct {
	implBase

	session transport.OutputSession
	counter *TransferIDCounter
	logger  *slog.Logger

	// mu serializes publications so transfers leave in call order with
	// consecutive transfer-IDs.
	mu sync.Mutex
}

func (i *publisherImpl[T]) base() *implBase { return &i.implBase }

func (i *publisherImpl[T]) destroy() {
	_ = i.session.Close()
}

func (i *publisherImpl[T]) publish(ctx context.Context, msg T, prio transport.Priority) (bool, error) {
	payload, err := msg.MarshalCyphal()
	if err != nil {
		return false, fmt.Errorf("serialize message: %w", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	tr := &transport.Transfer{
		Timestamp:         time.Now(),
		Priority:          prio,
		TransferID:        i.counter.GetThenIncrement(),
		FragmentedPayload: [][]byte{payload},
	}
	return i.session.Send(ctx, tr)
}

// Publisher is a user-facing publisher proxy. Each task should request its
// own proxy; do not share one across tasks.
type Publisher[T dsdl.Message] struct {
	p    *Presentation
	impl *publisherImpl[T]

	mu          sync.Mutex
	closed      bool
	priority    transport.Priority
	sendTimeout time.Duration
}

// Priority returns the priority applied to transfers published via this
// proxy.
func (pub *Publisher[T]) Priority() transport.Priority {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	return pub.priority
}

// SetPriority sets the per-proxy priority.
func (pub *Publisher[T]) SetPriority(prio transport.Priority) {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	pub.priority = prio
}

// SendTimeout returns the per-proxy send timeout.
func (pub *Publisher[T]) SendTimeout() time.Duration {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	return pub.sendTimeout
}

// SetSendTimeout sets the per-proxy send timeout. Must be positive.
func (pub *Publisher[T]) SetSendTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("send timeout %v must be positive", d)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	pub.sendTimeout = d
	return nil
}

// TransferIDCounter exposes the shared outgoing transfer-ID counter, which
// may be overridden for protocols that mandate specific transfer-ID values.
func (pub *Publisher[T]) TransferIDCounter() *TransferIDCounter {
	return pub.impl.counter
}

// TransportSession exposes the underlying output session.
func (pub *Publisher[T]) TransportSession() transport.OutputSession {
	return pub.impl.session
}

// Publish serializes and publishes the message at the proxy's priority,
// waiting for completion. Returns false if the publication could not be
// completed within the send timeout.
func (pub *Publisher[T]) Publish(ctx context.Context, msg T) (bool, error) {
	pub.mu.Lock()
	if pub.closed {
		pub.mu.Unlock()
		return false, fmt.Errorf("publish: %w", ErrPortClosed)
	}
	prio, timeout := pub.priority, pub.sendTimeout
	pub.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return pub.impl.publish(sctx, msg, prio)
}

// PublishSoon is like Publish but does not block: the publication proceeds
// in the background and failures are logged and dropped. Do not mix with
// Publish on one proxy, or the message ordering becomes undefined.
func (pub *Publisher[T]) PublishSoon(msg T) error {
	pub.mu.Lock()
	if pub.closed {
		pub.mu.Unlock()
		return fmt.Errorf("publish soon: %w", ErrPortClosed)
	}
	prio, timeout := pub.priority, pub.sendTimeout
	pub.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ok, err := pub.impl.publish(ctx, msg, prio)
		switch {
		case err != nil:
			pub.impl.logger.Error("deferred publication failed",
				slog.String("error", err.Error()),
			)
		case !ok:
			pub.impl.logger.Info("deferred publication timed out")
		}
	}()
	return nil
}

// Close detaches the proxy from the shared implementation. Double-close is a
// no-op. The implementation and its transport session are finalized when the
// last proxy is closed.
func (pub *Publisher[T]) Close() error {
	pub.mu.Lock()
	if pub.closed {
		pub.mu.Unlock()
		return nil
	}
	pub.closed = true
	pub.mu.Unlock()
	pub.p.removeProxy(pub.impl)
	return nil
}
