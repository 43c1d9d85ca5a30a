package transport

import (
	"context"
	"time"
)

// SessionStatistics is an immutable snapshot of per-session counters.
type SessionStatistics struct {
	// Transfers is the number of transfers exchanged over the session.
	Transfers uint64

	// Frames is the number of wire frames exchanged over the session.
	Frames uint64

	// PayloadBytes is the number of payload bytes in counted transfers.
	PayloadBytes uint64

	// Errors is the number of failed operations.
	Errors uint64

	// Drops is the number of transfers lost to timeouts or overflow.
	Drops uint64
}

// Feedback reports the transmission timing of an outgoing transfer. It is
// delivered to the handler installed via OutputSession.EnableFeedback.
type Feedback interface {
	// OriginalTransferTimestamp is the timestamp of the sent transfer,
	// identifying which transfer this feedback refers to.
	OriginalTransferTimestamp() time.Time

	// FirstFrameTransmissionTimestamp is when the first frame of the
	// transfer reached the media layer.
	FirstFrameTransmissionTimestamp() time.Time
}

// FeedbackHandler consumes transmission feedback entries.
type FeedbackHandler func(Feedback)

// Session is the contract common to input and output sessions.
type Session interface {
	// PayloadMetadata describes the data carried over the session.
	PayloadMetadata() PayloadMetadata

	// SampleStatistics returns an immutable snapshot of the counters.
	SampleStatistics() SessionStatistics

	// Close finalizes the session. Idempotent. Pending blocked calls fail
	// with ErrResourceClosed.
	Close() error
}

// InputSession receives transfers matching its specifier.
type InputSession interface {
	Session

	// Specifier returns the session identity.
	Specifier() InputSessionSpecifier

	// Receive returns the next transfer, blocking until one is available or
	// the context expires. Returns (nil, nil) on timeout. Returns
	// ErrResourceClosed after the session is finalized and the queue is
	// drained.
	Receive(ctx context.Context) (*TransferFrom, error)

	// TransferIDTimeout returns the current transfer-ID timeout used to
	// detect remote node restarts.
	TransferIDTimeout() time.Duration

	// SetTransferIDTimeout updates the transfer-ID timeout.
	// The value must be positive.
	SetTransferIDTimeout(d time.Duration) error
}

// OutputSession emits transfers matching its specifier.
type OutputSession interface {
	Session

	// Specifier returns the session identity.
	Specifier() OutputSessionSpecifier

	// Send hands the transfer to the media layer. Returns true on successful
	// hand-off before the context deadline, false on timeout. Unrecoverable
	// faults are reported as errors.
	Send(ctx context.Context, tr *Transfer) (bool, error)

	// EnableFeedback installs a transmission feedback handler. Replaces any
	// previously installed handler.
	EnableFeedback(handler FeedbackHandler) error

	// DisableFeedback removes the feedback handler, if any.
	DisableFeedback() error
}
