package presentation

import "errors"

// Sentinel errors of the presentation layer.
var (
	// ErrPortClosed indicates use of a finalized port. Callers blocked on
	// the port observe it as well.
	ErrPortClosed = errors.New("port is closed")

	// ErrRequestTransferIDVariabilityExhausted indicates the client cannot
	// find an unused transfer-ID slot because too many requests are pending
	// concurrently. Relevant on transports with small transfer-ID modulo
	// such as CAN; recoverable by retrying after other calls complete.
	ErrRequestTransferIDVariabilityExhausted = errors.New("request transfer-ID variability exhausted")

	// ErrPortTypeConflict indicates an attempt to create a port whose data
	// type disagrees with the one already registered for the same session
	// specifier.
	ErrPortTypeConflict = errors.New("port data type conflicts with the existing port for this specifier")

	// ErrNoFixedPortID indicates the data type does not define a fixed
	// port-ID.
	ErrNoFixedPortID = errors.New("data type does not define a fixed port-ID")
)
