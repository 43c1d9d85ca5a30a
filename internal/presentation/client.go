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

// response pairs a decoded service response with its transfer metadata.
type response[Resp dsdl.Message] struct {
	msg      Resp
	transfer transport.TransferFrom
}

// MakeClient creates a new client proxy for the given service on the given
// server node. Clients sharing one (service-ID, server node-ID) pair share
// one hidden implementation owning the request output session, the response
// input session and the transfer-ID counter; per-proxy priority and response
// timeout are independent.
func MakeClient[Req dsdl.Message, Resp dsdl.Message](
	p *Presentation,
	ty dsdl.ServiceType[Req, Resp],
	serviceID transport.ServiceID,
	serverNodeID transport.NodeID,
) (*Client[Req, Resp], error) {
	if !serverNodeID.IsSet() {
		return nil, fmt.Errorf("make client for service %d: server node-ID: %w",
			serviceID, transport.ErrAnonymousNode)
	}
	reqDS := transport.ServiceDataSpecifier{Service: serviceID, Role: transport.RoleRequest}
	respDS := transport.ServiceDataSpecifier{Service: serviceID, Role: transport.RoleResponse}
	key := portKey{data: reqDS, remote: serverNodeID, kind: kindClient}
	impl, err := p.getOrCreateImpl(key, ty.FullName, func() (portImpl, error) {
		outSpec := transport.NewOutputSessionSpecifier(reqDS, serverNodeID)
		out, err := p.tr.GetOutputSession(outSpec, transport.PayloadMetadata{ExtentBytes: ty.RequestExtentBytes})
		if err != nil {
			return nil, fmt.Errorf("make client for service %d: %w", serviceID, err)
		}
		inSpec := transport.NewInputSessionSpecifier(respDS, serverNodeID)
		in, err := p.tr.GetInputSession(inSpec, transport.PayloadMetadata{ExtentBytes: ty.ResponseExtentBytes})
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("make client for service %d: %w", serviceID, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		ci := &clientImpl[Req, Resp]{
			implBase: implBase{key: key, typeName: ty.FullName},
			p:        p,
			ty:       ty,
			out:      out,
			in:       in,
			counter:  p.counterLocked(reqDS, serverNodeID),
			futures:  make(map[uint64]chan response[Resp]),
			cancel:   cancel,
			done:     make(chan struct{}),
			logger: p.logger.With(
				slog.String("port", reqDS.String()),
				slog.String("server", serverNodeID.String()),
			),
		}
		go ci.task(ctx)
		return ci, nil
	})
	if err != nil {
		return nil, err
	}
	ci, ok := impl.(*clientImpl[Req, Resp])
	if !ok {
		p.removeProxy(impl)
		return nil, fmt.Errorf("make client for service %d: %w", serviceID, ErrPortTypeConflict)
	}
	return &Client[Req, Resp]{
		p:               p,
		impl:            ci,
		priority:        DefaultPriority,
		responseTimeout: DefaultServiceRequestTimeout,
	}, nil
}

// MakeClientWithFixedServiceID creates a client on the type's fixed
// service-ID.
func MakeClientWithFixedServiceID[Req dsdl.Message, Resp dsdl.Message](
	p *Presentation,
	ty dsdl.ServiceType[Req, Resp],
	serverNodeID transport.NodeID,
) (*Client[Req, Resp], error) {
	if !ty.HasFixedServiceID {
		return nil, fmt.Errorf("make client for %s: %w", ty.FullName, ErrNoFixedPortID)
	}
	return MakeClient(p, ty, transport.ServiceID(ty.FixedServiceID), serverNodeID)
}

// clientImpl is the shared client implementation. Responses are matched to
// requests strictly by transfer-ID modulo the transport's modulus, which is
// why the modulus is applied here rather than left to the transport.
type clientImpl[Req dsdl.Message, Resp dsdl.Message] struct {
	implBase

	p       *Presentation
	ty      dsdl.ServiceType[Req, Resp]
	out     transport.OutputSession
	in      transport.InputSession
	counter *TransferIDCounter
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger

	// sendMu serializes request transmission and slot allocation.
	sendMu sync.Mutex

	mu      sync.Mutex
	futures map[uint64]chan response[Resp]

	statSentRequests            uint64
	statUnsentRequests          uint64
	statDeserializationFailures uint64
	statUnexpectedResponses     uint64
}

func (i *clientImpl[Req, Resp]) base() *implBase { return &i.implBase }

func (i *clientImpl[Req, Resp]) destroy() {
	i.cancel()
	<-i.done
	_ = i.in.Close()
	_ = i.out.Close()
	// Pending awaiters fail with the closed-port error.
	i.mu.Lock()
	futures := i.futures
	i.futures = nil
	i.mu.Unlock()
	for _, fut := range futures {
		close(fut)
	}
}

// call issues one request and awaits the matching response. In all exit
// paths the transfer-ID slot is cleared.
func (i *clientImpl[Req, Resp]) call(
	ctx context.Context,
	req Req,
	prio transport.Priority,
	responseTimeout time.Duration,
) (*response[Resp], error) {
	i.sendMu.Lock()
	// The modulus must be computed here manually rather than left to the
	// transport: the response carries the reduced value and has to be
	// matched back to the request. An empty redundant group reports zero;
	// treat that as the widest modulus since nothing is on the wire yet.
	modulo := i.p.TransferIDModulo()
	if modulo == 0 {
		modulo = transport.MaxTransferIDModulo
	}
	transferID := i.counter.GetThenIncrement() % modulo
	i.mu.Lock()
	if i.futures == nil {
		i.mu.Unlock()
		i.sendMu.Unlock()
		return nil, fmt.Errorf("call: %w", ErrPortClosed)
	}
	if _, taken := i.futures[transferID]; taken {
		i.mu.Unlock()
		i.sendMu.Unlock()
		return nil, fmt.Errorf("call: transfer-ID %d: %w",
			transferID, ErrRequestTransferIDVariabilityExhausted)
	}
	fut := make(chan response[Resp], 1)
	i.futures[transferID] = fut
	i.mu.Unlock()

	sent, err := i.sendRequest(ctx, req, transferID, prio, responseTimeout)
	i.sendMu.Unlock()
	if err != nil || !sent {
		i.forgetFuture(transferID)
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.statUnsentRequests++
		i.mu.Unlock()
		return nil, nil //nolint:nilnil // send timeout maps to no-response
	}
	i.mu.Lock()
	i.statSentRequests++
	i.mu.Unlock()

	defer i.forgetFuture(transferID)
	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-fut:
		if !ok {
			return nil, fmt.Errorf("call: %w", ErrPortClosed)
		}
		return &r, nil
	case <-timer.C:
		return nil, nil //nolint:nilnil // response timeout maps to no-response
	case <-ctx.Done():
		return nil, nil //nolint:nilnil // cancellation maps to no-response
	}
}

func (i *clientImpl[Req, Resp]) sendRequest(
	ctx context.Context,
	req Req,
	transferID uint64,
	prio transport.Priority,
	timeout time.Duration,
) (bool, error) {
	payload, err := req.MarshalCyphal()
	if err != nil {
		return false, fmt.Errorf("serialize request: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return i.out.Send(sctx, &transport.Transfer{
		Timestamp:         time.Now(),
		Priority:          prio,
		TransferID:        transferID,
		FragmentedPayload: [][]byte{payload},
	})
}

func (i *clientImpl[Req, Resp]) forgetFuture(transferID uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.futures != nil {
		delete(i.futures, transferID)
	}
}

// task demultiplexes responses to the pending futures. Malformed responses
// and responses matching no pending request are counted and dropped.
func (i *clientImpl[Req, Resp]) task(ctx context.Context) {
	defer close(i.done)
	for ctx.Err() == nil {
		rctx, cancel := context.WithTimeout(ctx, portReceiveTimeout)
		tr, err := i.in.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Debug("response receive failed", slog.String("error", err.Error()))
			continue
		}
		if tr == nil {
			continue
		}
		msg := i.ty.NewResponse()
		if err := msg.UnmarshalCyphal(tr.PayloadBytes()); err != nil {
			i.mu.Lock()
			i.statDeserializationFailures++
			i.mu.Unlock()
			i.p.metrics.RecordDeserializationFailure(i.key.data)
			continue
		}
		i.mu.Lock()
		fut, ok := i.futures[tr.TransferID]
		if ok {
			delete(i.futures, tr.TransferID)
		} else {
			i.statUnexpectedResponses++
		}
		i.mu.Unlock()
		if !ok {
			i.p.metrics.RecordUnexpectedResponse(i.key.data)
			i.logger.Info("unexpected response",
				slog.Uint64("transfer_id", tr.TransferID),
				slog.String("source", tr.SourceNodeID.String()),
			)
			continue
		}
		fut <- response[Resp]{msg: msg, transfer: *tr}
	}
}

// ClientStatistics is a snapshot of the shared client counters. Clients with
// the same session specifier share one set of counters.
type ClientStatistics struct {
	RequestTransportSession  transport.SessionStatistics
	ResponseTransportSession transport.SessionStatistics
	SentRequests             uint64
	UnsentRequests           uint64
	DeserializationFailures  uint64
	UnexpectedResponses      uint64
}

// Client is a user-facing service client proxy. Each task should request
// its own proxy; do not share one across tasks.
type Client[Req dsdl.Message, Resp dsdl.Message] struct {
	p    *Presentation
	impl *clientImpl[Req, Resp]

	mu              sync.Mutex
	closed          bool
	priority        transport.Priority
	responseTimeout time.Duration
}

// Call sends the request at the proxy's priority and awaits the response.
// Returns (zero, nil, nil) if the server did not provide a valid response
// within the response timeout. On transports with few distinct transfer-ID
// values the call may fail with ErrRequestTransferIDVariabilityExhausted if
// too many requests are pending concurrently.
func (c *Client[Req, Resp]) Call(ctx context.Context, req Req) (Resp, *transport.TransferFrom, error) {
	var zero Resp
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, nil, fmt.Errorf("call: %w", ErrPortClosed)
	}
	prio, timeout := c.priority, c.responseTimeout
	c.mu.Unlock()

	r, err := c.impl.call(ctx, req, prio, timeout)
	if err != nil || r == nil {
		return zero, nil, err
	}
	return r.msg, &r.transfer, nil
}

// Priority returns the per-proxy request priority.
func (c *Client[Req, Resp]) Priority() transport.Priority {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

// SetPriority sets the per-proxy request priority.
func (c *Client[Req, Resp]) SetPriority(prio transport.Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priority = prio
}

// ResponseTimeout returns the per-proxy response timeout. The same value
// bounds the request transmission.
func (c *Client[Req, Resp]) ResponseTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseTimeout
}

// SetResponseTimeout sets the per-proxy response timeout. Must be positive.
func (c *Client[Req, Resp]) SetResponseTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("response timeout %v must be positive", d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseTimeout = d
	return nil
}

// TransferIDCounter exposes the shared outgoing transfer-ID counter. The
// counter is shared by all clients naming the same service on the same
// server node.
func (c *Client[Req, Resp]) TransferIDCounter() *TransferIDCounter {
	return c.impl.counter
}

// SampleStatistics returns the shared implementation's counters.
func (c *Client[Req, Resp]) SampleStatistics() ClientStatistics {
	i := c.impl
	i.mu.Lock()
	defer i.mu.Unlock()
	return ClientStatistics{
		RequestTransportSession:  i.out.SampleStatistics(),
		ResponseTransportSession: i.in.SampleStatistics(),
		SentRequests:             i.statSentRequests,
		UnsentRequests:           i.statUnsentRequests,
		DeserializationFailures:  i.statDeserializationFailures,
		UnexpectedResponses:      i.statUnexpectedResponses,
	}
}

// Close detaches the proxy from the shared implementation. Double-close is
// a no-op.
func (c *Client[Req, Resp]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.p.removeProxy(c.impl)
	return nil
}
