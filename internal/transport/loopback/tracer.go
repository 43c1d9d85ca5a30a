package loopback

import (
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// Capture is the loopback capture: the medium is transfer-oriented, so every
// capture carries one complete transfer.
type Capture struct {
	Timestamp time.Time
	Transfer  transport.AlienTransfer
}

// CaptureTimestamp implements transport.Capture.
func (c *Capture) CaptureTimestamp() time.Time { return c.Timestamp }

// MakeTracer implements transport.Capture.
func (c *Capture) MakeTracer() transport.Tracer { return NewTracer() }

// Tracer converts loopback captures into transfer traces. Since the loopback
// medium does not fragment transfers, every capture yields a trace.
type Tracer struct{}

// NewTracer creates a loopback tracer.
func NewTracer() *Tracer {
	return &Tracer{}
}

// Update implements transport.Tracer. Captures of foreign transports are
// ignored.
func (t *Tracer) Update(c transport.Capture) transport.Trace {
	lc, ok := c.(*Capture)
	if !ok {
		return nil
	}
	return &transport.TransferTrace{
		Timestamp:         lc.Timestamp,
		Transfer:          lc.Transfer,
		TransferIDTimeout: DefaultTransferIDTimeout,
	}
}
