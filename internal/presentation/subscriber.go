package presentation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dantte-lp/gocyphal/internal/dsdl"
	"github.com/dantte-lp/gocyphal/internal/transport"
)

// subscriberQueueSize bounds the per-proxy receive queue. When a proxy
// lags this far behind the oldest message is shed, so one slow consumer
// never stalls its siblings.
const subscriberQueueSize = 256

// received pairs a decoded message with its transfer metadata.
type received[T dsdl.Message] struct {
	msg      T
	transfer transport.TransferFrom
}

// MakeSubscriber creates a new subscriber proxy for the given subject. All
// subscribers sharing one subject share one hidden implementation that
// demultiplexes the single underlying input session to every proxy, so each
// of them observes every message.
func MakeSubscriber[T dsdl.Message](
	p *Presentation,
	ty dsdl.Type[T],
	subjectID transport.SubjectID,
) (*Subscriber[T], error) {
	ds := transport.MessageDataSpecifier{Subject: subjectID}
	key := portKey{data: ds, kind: kindSubscriber}
	impl, err := p.getOrCreateImpl(key, ty.FullName, func() (portImpl, error) {
		spec := transport.NewInputSessionSpecifier(ds, transport.NodeID{})
		session, err := p.tr.GetInputSession(spec, transport.PayloadMetadata{ExtentBytes: ty.ExtentBytes})
		if err != nil {
			return nil, fmt.Errorf("make subscriber for subject %d: %w", subjectID, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		si := &subscriberImpl[T]{
			implBase: implBase{key: key, typeName: ty.FullName},
			p:        p,
			ty:       ty,
			session:  session,
			cancel:   cancel,
			done:     make(chan struct{}),
			logger:   p.logger.With(slog.String("port", ds.String())),
		}
		go si.task(ctx)
		return si, nil
	})
	if err != nil {
		return nil, err
	}
	sub, ok := impl.(*subscriberImpl[T])
	if !ok {
		p.removeProxy(impl)
		return nil, fmt.Errorf("make subscriber for subject %d: %w", subjectID, ErrPortTypeConflict)
	}
	proxy := &Subscriber[T]{
		p:     p,
		impl:  sub,
		queue: make(chan received[T], subscriberQueueSize),
	}
	sub.attach(proxy)
	return proxy, nil
}

// MakeSubscriberWithFixedSubjectID creates a subscriber on the type's fixed
// subject-ID.
func MakeSubscriberWithFixedSubjectID[T dsdl.Message](p *Presentation, ty dsdl.Type[T]) (*Subscriber[T], error) {
	if !ty.HasFixedPortID {
		return nil, fmt.Errorf("make subscriber for %s: %w", ty.FullName, ErrNoFixedPortID)
	}
	return MakeSubscriber(p, ty, transport.SubjectID(ty.FixedPortID))
}

// subscriberImpl is the shared subscriber implementation: one background
// task reads the input session, deserializes and fans out to proxies.
type subscriberImpl[T dsdl.Message] struct {
	implBase

	p       *Presentation
	ty      dsdl.Type[T]
	session transport.InputSession
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger

	mu      sync.Mutex
	proxies []*Subscriber[T]

	statDeserializationFailures uint64
	statDrops                   uint64
}

func (i *subscriberImpl[T]) base() *implBase { return &i.implBase }

func (i *subscriberImpl[T]) destroy() {
	i.cancel()
	<-i.done
	_ = i.session.Close()
	i.mu.Lock()
	proxies := i.proxies
	i.proxies = nil
	i.mu.Unlock()
	// Wake pending receivers so they observe the closed state.
	for _, pr := range proxies {
		pr.markImplClosed()
	}
}

func (i *subscriberImpl[T]) attach(proxy *Subscriber[T]) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.proxies = append(i.proxies, proxy)
}

func (i *subscriberImpl[T]) detach(proxy *Subscriber[T]) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, pr := range i.proxies {
		if pr == proxy {
			i.proxies = append(i.proxies[:idx], i.proxies[idx+1:]...)
			return
		}
	}
}

// task reads the input session and distributes decoded messages to every
// proxy queue. Transfers that cannot be deserialized are counted and
// dropped silently, per the error-handling design.
func (i *subscriberImpl[T]) task(ctx context.Context) {
	defer close(i.done)
	for ctx.Err() == nil {
		rctx, cancel := context.WithTimeout(ctx, portReceiveTimeout)
		tr, err := i.session.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Debug("subscriber receive failed", slog.String("error", err.Error()))
			continue
		}
		if tr == nil {
			continue
		}
		msg := i.ty.New()
		if err := msg.UnmarshalCyphal(tr.PayloadBytes()); err != nil {
			i.mu.Lock()
			i.statDeserializationFailures++
			i.mu.Unlock()
			i.p.metrics.RecordDeserializationFailure(i.key.data)
			i.logger.Debug("message deserialization failed",
				slog.Uint64("transfer_id", tr.TransferID),
				slog.String("source", tr.SourceNodeID.String()),
			)
			continue
		}
		i.distribute(received[T]{msg: msg, transfer: *tr})
	}
}

// distribute offers the message to every proxy, shedding the oldest entry
// of a full queue so slow consumers lose data instead of stalling the rest.
func (i *subscriberImpl[T]) distribute(item received[T]) {
	i.mu.Lock()
	proxies := append([]*Subscriber[T](nil), i.proxies...)
	i.mu.Unlock()
	for _, pr := range proxies {
		select {
		case pr.queue <- item:
			continue
		default:
		}
		select {
		case <-pr.queue:
			i.mu.Lock()
			i.statDrops++
			i.mu.Unlock()
		default:
		}
		select {
		case pr.queue <- item:
		default:
		}
	}
}

// SubscriberStatistics is a snapshot of the shared subscriber counters.
type SubscriberStatistics struct {
	TransportSession         transport.SessionStatistics
	DeserializationFailures  uint64
	MessagesDroppedByProxies uint64
}

// Subscriber is a user-facing subscriber proxy. All proxies of one subject
// observe every received message independently.
type Subscriber[T dsdl.Message] struct {
	p    *Presentation
	impl *subscriberImpl[T]

	queue chan received[T]

	mu         sync.Mutex
	closed     bool
	implClosed chan struct{} // lazily created; closed when the impl dies
}

// Receive returns the next message together with its transfer metadata.
// Returns (zero, nil, nil) on context expiry and ErrPortClosed after the
// proxy or its implementation is finalized.
func (s *Subscriber[T]) Receive(ctx context.Context) (T, *transport.TransferFrom, error) {
	var zero T
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return zero, nil, fmt.Errorf("receive: %w", ErrPortClosed)
	}
	implClosed := s.implClosedCh()
	s.mu.Unlock()

	select {
	case item := <-s.queue:
		return item.msg, &item.transfer, nil
	default:
	}
	select {
	case item := <-s.queue:
		return item.msg, &item.transfer, nil
	case <-implClosed:
		return zero, nil, fmt.Errorf("receive: %w", ErrPortClosed)
	case <-ctx.Done():
		return zero, nil, nil
	}
}

// SampleStatistics returns the shared implementation's counters.
func (s *Subscriber[T]) SampleStatistics() SubscriberStatistics {
	i := s.impl
	i.mu.Lock()
	defer i.mu.Unlock()
	return SubscriberStatistics{
		TransportSession:         i.session.SampleStatistics(),
		DeserializationFailures:  i.statDeserializationFailures,
		MessagesDroppedByProxies: i.statDrops,
	}
}

// TransportSession exposes the underlying input session.
func (s *Subscriber[T]) TransportSession() transport.InputSession {
	return s.impl.session
}

// Close detaches the proxy. Double-close is a no-op.
func (s *Subscriber[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.impl.detach(s)
	s.p.removeProxy(s.impl)
	return nil
}

func (s *Subscriber[T]) implClosedCh() chan struct{} {
	if s.implClosed == nil {
		s.implClosed = make(chan struct{})
	}
	return s.implClosed
}

func (s *Subscriber[T]) markImplClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.implClosedCh()
	select {
	case <-ch:
	default:
		close(ch)
	}
}
