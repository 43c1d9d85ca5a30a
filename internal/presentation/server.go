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

// serverRestartDelay is how long a background-serving server waits before
// restarting after a recoverable transport error.
const serverRestartDelay = time.Second

// ServiceRequestMetadata accompanies every received request. The same
// priority and transfer-ID are reused for the response, per the
// Specification.
type ServiceRequestMetadata struct {
	Timestamp    time.Time
	Priority     transport.Priority
	TransferID   uint64
	ClientNodeID uint16
}

// ServiceHandler processes one request. Returning a nil response suppresses
// the reply (discouraged); returning an error is logged and also suppresses
// the reply.
type ServiceHandler[Req dsdl.Message, Resp dsdl.Message] func(
	ctx context.Context,
	req Req,
	meta ServiceRequestMetadata,
) (Resp, error)

// GetServer creates or returns the server for the given service. Unlike the
// other ports, a server is a single shared instance rather than a proxy: at
// most one serve task may be active at any time.
func GetServer[Req dsdl.Message, Resp dsdl.Message](
	p *Presentation,
	ty dsdl.ServiceType[Req, Resp],
	serviceID transport.ServiceID,
) (*Server[Req, Resp], error) {
	reqDS := transport.ServiceDataSpecifier{Service: serviceID, Role: transport.RoleRequest}
	key := portKey{data: reqDS, kind: kindServer}
	impl, err := p.getOrCreateImpl(key, ty.FullName, func() (portImpl, error) {
		spec := transport.NewInputSessionSpecifier(reqDS, transport.NodeID{})
		in, err := p.tr.GetInputSession(spec, transport.PayloadMetadata{ExtentBytes: ty.RequestExtentBytes})
		if err != nil {
			return nil, fmt.Errorf("get server for service %d: %w", serviceID, err)
		}
		return &Server[Req, Resp]{
			implBase:  implBase{key: key, typeName: ty.FullName},
			p:         p,
			ty:        ty,
			serviceID: serviceID,
			in:        in,
			outputs:   make(map[uint16]transport.OutputSession),
			logger:    p.logger.With(slog.String("port", reqDS.String())),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	srv, ok := impl.(*Server[Req, Resp])
	if !ok {
		p.removeProxy(impl)
		return nil, fmt.Errorf("get server for service %d: %w", serviceID, ErrPortTypeConflict)
	}
	return srv, nil
}

// GetServerWithFixedServiceID creates or returns the server on the type's
// fixed service-ID.
func GetServerWithFixedServiceID[Req dsdl.Message, Resp dsdl.Message](
	p *Presentation,
	ty dsdl.ServiceType[Req, Resp],
) (*Server[Req, Resp], error) {
	if !ty.HasFixedServiceID {
		return nil, fmt.Errorf("get server for %s: %w", ty.FullName, ErrNoFixedPortID)
	}
	return GetServer(p, ty, transport.ServiceID(ty.FixedServiceID))
}

// ServerStatistics is a snapshot of the server counters.
type ServerStatistics struct {
	RequestTransportSession   transport.SessionStatistics
	ResponseTransportSessions map[uint16]transport.SessionStatistics
	ServedRequests            uint64
	DeserializationFailures   uint64
	MalformedRequests         uint64
}

// Server accepts requests, invokes the user handler and sends the returned
// response back on an output session keyed by the client's node-ID, created
// lazily and cached.
type Server[Req dsdl.Message, Resp dsdl.Message] struct {
	implBase

	p         *Presentation
	ty        dsdl.ServiceType[Req, Resp]
	serviceID transport.ServiceID
	in        transport.InputSession
	logger    *slog.Logger

	mu          sync.Mutex
	outputs     map[uint16]transport.OutputSession
	bgCancel    context.CancelFunc
	bgDone      chan struct{}
	sendTimeout time.Duration

	statServed    uint64
	statDeser     uint64
	statMalformed uint64
}

func (s *Server[Req, Resp]) base() *implBase { return &s.implBase }

func (s *Server[Req, Resp]) destroy() {
	s.mu.Lock()
	cancel, done := s.bgCancel, s.bgDone
	s.bgCancel, s.bgDone = nil, nil
	outputs := s.outputs
	s.outputs = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	_ = s.in.Close()
	for _, out := range outputs {
		_ = out.Close()
	}
}

// Serve listens for requests and invokes the handler until the context is
// cancelled or the server is closed. Transport errors are returned to the
// caller; handler errors are logged and suppressed.
func (s *Server[Req, Resp]) Serve(ctx context.Context, handler ServiceHandler[Req, Resp]) error {
	for {
		if s.isClosed() {
			return fmt.Errorf("serve: %w", ErrPortClosed)
		}
		if ctx.Err() != nil {
			return nil
		}
		rctx, cancel := context.WithTimeout(ctx, portReceiveTimeout)
		tr, err := s.in.Receive(rctx)
		cancel()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		}
		if tr == nil {
			continue
		}
		s.processRequest(ctx, tr, handler)
	}
}

// ServeFor is like Serve but returns after the given duration.
func (s *Server[Req, Resp]) ServeFor(
	ctx context.Context,
	handler ServiceHandler[Req, Resp],
	timeout time.Duration,
) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Serve(sctx, handler)
}

// ServeInBackground starts a task that runs the server until it is closed,
// restarting after a short delay on recoverable transport errors. If a
// background task is already running it is stopped and replaced. Do not mix
// with the blocking serve methods.
func (s *Server[Req, Resp]) ServeInBackground(handler ServiceHandler[Req, Resp]) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	prevCancel, prevDone := s.bgCancel, s.bgDone
	s.bgCancel, s.bgDone = cancel, done
	s.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	go func() {
		defer close(done)
		for ctx.Err() == nil && !s.isClosed() {
			if err := s.Serve(ctx, handler); err != nil {
				if s.isClosed() || ctx.Err() != nil {
					return
				}
				s.logger.Error("server task failed, will restart",
					slog.String("error", err.Error()),
					slog.Duration("delay", serverRestartDelay),
				)
				select {
				case <-time.After(serverRestartDelay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// processRequest deserializes one request, invokes the handler and sends
// the response, if any, back to the client.
func (s *Server[Req, Resp]) processRequest(
	ctx context.Context,
	tr *transport.TransferFrom,
	handler ServiceHandler[Req, Resp],
) {
	clientNodeID, ok := tr.SourceNodeID.Get()
	if !ok {
		// A service request cannot be anonymous; the transport is misbehaving.
		s.mu.Lock()
		s.statMalformed++
		s.mu.Unlock()
		return
	}
	req := s.ty.NewRequest()
	if err := req.UnmarshalCyphal(tr.PayloadBytes()); err != nil {
		s.mu.Lock()
		s.statDeser++
		s.mu.Unlock()
		s.p.metrics.RecordDeserializationFailure(s.key.data)
		return
	}
	s.mu.Lock()
	s.statServed++
	s.mu.Unlock()

	meta := ServiceRequestMetadata{
		Timestamp:    tr.Timestamp,
		Priority:     tr.Priority,
		TransferID:   tr.TransferID,
		ClientNodeID: clientNodeID,
	}
	resp, err := handler(ctx, req, meta)
	if err != nil {
		s.logger.Error("unhandled error in the service handler",
			slog.String("error", err.Error()),
			slog.Uint64("transfer_id", meta.TransferID),
		)
		return
	}
	var zero Resp
	if any(resp) == any(zero) {
		return // The application opted out of responding.
	}
	s.sendResponse(ctx, resp, meta)
}

func (s *Server[Req, Resp]) sendResponse(ctx context.Context, resp Resp, meta ServiceRequestMetadata) {
	out, err := s.outputSession(meta.ClientNodeID)
	if err != nil {
		s.logger.Error("could not create response session",
			slog.Uint64("client_node_id", uint64(meta.ClientNodeID)),
			slog.String("error", err.Error()),
		)
		return
	}
	payload, err := resp.MarshalCyphal()
	if err != nil {
		s.logger.Error("could not serialize response", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	timeout := s.sendTimeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = DefaultServiceRequestTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := out.Send(sctx, &transport.Transfer{
		Timestamp:         time.Now(),
		Priority:          meta.Priority,
		TransferID:        meta.TransferID,
		FragmentedPayload: [][]byte{payload},
	})
	switch {
	case err != nil:
		s.logger.Error("could not send response", slog.String("error", err.Error()))
	case !ok:
		s.logger.Info("response send timed out",
			slog.Uint64("client_node_id", uint64(meta.ClientNodeID)),
		)
	}
}

// outputSession returns the cached response session for the client node,
// creating it lazily.
func (s *Server[Req, Resp]) outputSession(clientNodeID uint16) (transport.OutputSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputs == nil {
		return nil, ErrPortClosed
	}
	if out, ok := s.outputs[clientNodeID]; ok {
		return out, nil
	}
	ds := transport.ServiceDataSpecifier{Service: s.serviceID, Role: transport.RoleResponse}
	spec := transport.NewOutputSessionSpecifier(ds, transport.NewNodeID(clientNodeID))
	out, err := s.p.tr.GetOutputSession(spec, transport.PayloadMetadata{ExtentBytes: s.ty.ResponseExtentBytes})
	if err != nil {
		return nil, err
	}
	s.outputs[clientNodeID] = out
	return out, nil
}

// SetResponseSendTimeout overrides the timeout applied to response
// transmissions. Must be positive.
func (s *Server[Req, Resp]) SetResponseSendTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("send timeout %v must be positive", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendTimeout = d
	return nil
}

// SampleStatistics returns a snapshot of the server counters.
func (s *Server[Req, Resp]) SampleStatistics() ServerStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ServerStatistics{
		RequestTransportSession:   s.in.SampleStatistics(),
		ResponseTransportSessions: make(map[uint16]transport.SessionStatistics, len(s.outputs)),
		ServedRequests:            s.statServed,
		DeserializationFailures:   s.statDeser,
		MalformedRequests:         s.statMalformed,
	}
	for nid, sess := range s.outputs {
		out.ResponseTransportSessions[nid] = sess.SampleStatistics()
	}
	return out
}

// Close stops the server and releases its sessions. Double-close is a no-op.
func (s *Server[Req, Resp]) Close() error {
	s.p.removeProxy(s)
	return nil
}

func (s *Server[Req, Resp]) isClosed() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.implBase.closed
}
