// Package presentation provides the high-level port-oriented interface on
// top of the transport layer: publishers, subscribers, service clients and
// servers. Ports sharing one session specifier share one hidden
// implementation object holding the transport sessions; implementations are
// reference-counted through lightweight user-facing proxies and finalized
// when the last proxy is closed.
package presentation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// Defaults applied to newly created proxies. Per-proxy overrides never
// affect sibling proxies of the same implementation.
const (
	// DefaultPriority is the initial priority of every proxy.
	DefaultPriority = transport.PriorityNominal

	// DefaultSendTimeout bounds message publications.
	DefaultSendTimeout = time.Second

	// DefaultServiceRequestTimeout bounds service calls, per the
	// recommendation of the Specification.
	DefaultServiceRequestTimeout = time.Second
)

// portReceiveTimeout is the polling deadline of background reader tasks.
// Short enough that a task promptly detects its transport being closed.
const portReceiveTimeout = time.Second

// portKind discriminates registry entries that share a data specifier.
type portKind uint8

const (
	kindPublisher portKind = iota + 1
	kindSubscriber
	kindClient
	kindServer
)

func (k portKind) String() string {
	switch k {
	case kindPublisher:
		return "publisher"
	case kindSubscriber:
		return "subscriber"
	case kindClient:
		return "client"
	case kindServer:
		return "server"
	default:
		return "unknown"
	}
}

// portKey identifies a port implementation in the registry.
type portKey struct {
	data   transport.DataSpecifier
	remote transport.NodeID
	kind   portKind
}

// counterKey identifies a shared outgoing transfer-ID counter.
type counterKey struct {
	data transport.DataSpecifier
	dest transport.NodeID
}

// implBase is the part of a port implementation managed by the controller:
// the registry key and the proxy reference count. Both are guarded by the
// controller's lock, never by the implementation's own.
type implBase struct {
	key        portKey
	typeName   string
	proxyCount int
	closed     bool
}

// portImpl is the private contract between the controller and the
// implementations it owns.
type portImpl interface {
	base() *implBase

	// destroy releases the implementation's resources: background tasks and
	// transport sessions. Called exactly once, outside the controller lock.
	destroy()
}

// Option configures optional Presentation parameters.
type Option func(*Presentation)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Presentation) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches a MetricsReporter. If mr is nil, the no-op reporter
// is kept.
func WithMetrics(mr transport.MetricsReporter) Option {
	return func(p *Presentation) {
		if mr != nil {
			p.metrics = mr
		}
	}
}

// Presentation is the presentation-layer controller. It owns its transport
// and the map from session specifier to port implementation, and
// reference-counts the user-facing proxies over those implementations.
// Finalization is strictly bottom-up: closing the controller closes every
// implementation and then the transport.
type Presentation struct {
	tr      transport.Transport
	logger  *slog.Logger
	metrics transport.MetricsReporter

	mu       sync.Mutex
	closed   bool
	registry map[portKey]portImpl
	counters map[counterKey]*TransferIDCounter
}

// New creates a presentation controller over the given transport. The
// controller takes ownership: closing it closes the transport.
func New(tr transport.Transport, opts ...Option) *Presentation {
	p := &Presentation{
		tr:       tr,
		logger:   slog.Default(),
		metrics:  transport.NopMetrics{},
		registry: make(map[portKey]portImpl),
		counters: make(map[counterKey]*TransferIDCounter),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "presentation"))
	return p
}

// Transport returns the underlying transport instance.
func (p *Presentation) Transport() transport.Transport { return p.tr }

// TransferIDModulo returns the current transfer-ID modulo of the transport.
// The value may change if the transport is reconfigured at runtime.
func (p *Presentation) TransferIDModulo() uint64 {
	return p.tr.ProtocolParameters().TransferIDModulo
}

// OutgoingTransferIDCounter returns the shared counter for the given
// session. All proxies naming the same (data specifier, destination) share
// one counter instance.
func (p *Presentation) OutgoingTransferIDCounter(
	ds transport.DataSpecifier,
	destination transport.NodeID,
) *TransferIDCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counterLocked(ds, destination)
}

// counterLocked is OutgoingTransferIDCounter for callers that already hold
// the controller lock, such as port factories.
func (p *Presentation) counterLocked(
	ds transport.DataSpecifier,
	destination transport.NodeID,
) *TransferIDCounter {
	key := counterKey{data: ds, dest: destination}
	c, ok := p.counters[key]
	if !ok {
		c = NewTransferIDCounter()
		p.counters[key] = c
	}
	return c
}

// Close finalizes every port implementation and then the transport.
// Idempotent.
func (p *Presentation) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	impls := make([]portImpl, 0, len(p.registry))
	for _, impl := range p.registry {
		if !impl.base().closed {
			impl.base().closed = true
			impls = append(impls, impl)
		}
	}
	clear(p.registry)
	p.mu.Unlock()

	for _, impl := range impls {
		impl.destroy()
		p.metrics.UnregisterPort(impl.base().key.kind.String())
	}
	return p.tr.Close()
}

// getOrCreateImpl returns the registered implementation for the key,
// creating and registering a new one when absent. The factory runs under
// the controller lock and must pre-fill the implBase (its background tasks
// may start reading it immediately); it must not call back into the
// controller. The returned implementation has its proxy count already
// incremented.
func (p *Presentation) getOrCreateImpl(
	key portKey,
	typeName string,
	factory func() (portImpl, error),
) (portImpl, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("make %s %s: %w", key.kind, key.data, ErrPortClosed)
	}
	impl, ok := p.registry[key]
	if !ok {
		var err error
		impl, err = factory()
		if err != nil {
			return nil, err
		}
		p.registry[key] = impl
		p.metrics.RegisterPort(key.kind.String())
		p.logger.Debug("port implementation created",
			slog.String("kind", key.kind.String()),
			slog.String("specifier", key.data.String()),
			slog.String("type", typeName),
		)
	} else if impl.base().typeName != typeName {
		return nil, fmt.Errorf(
			"make %s %s: existing port uses type %s, requested %s: %w",
			key.kind, key.data, impl.base().typeName, typeName, ErrPortTypeConflict,
		)
	}
	impl.base().proxyCount++
	return impl, nil
}

// removeProxy decrements the reference count of the implementation and
// destroys it when the count reaches zero. Safe to call from any goroutine;
// the destroy step runs outside the controller lock.
func (p *Presentation) removeProxy(impl portImpl) {
	b := impl.base()
	p.mu.Lock()
	b.proxyCount--
	if b.proxyCount > 0 || b.closed {
		p.mu.Unlock()
		return
	}
	b.closed = true
	delete(p.registry, b.key)
	p.mu.Unlock()

	impl.destroy()
	p.metrics.UnregisterPort(b.key.kind.String())
	p.logger.Debug("port implementation destroyed",
		slog.String("kind", b.key.kind.String()),
		slog.String("specifier", b.key.data.String()),
	)
}
