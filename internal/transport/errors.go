package transport

import "errors"

// Sentinel errors of the transport layer.
var (
	// ErrResourceClosed indicates use of a finalized transport or session.
	ErrResourceClosed = errors.New("resource is closed")

	// ErrUnsupportedSession indicates the session specifier cannot be
	// served by this transport.
	ErrUnsupportedSession = errors.New("session specifier is not supported by this transport")

	// ErrAnonymousNode indicates an operation that requires a local node-ID
	// was attempted on an anonymous transport.
	ErrAnonymousNode = errors.New("operation is not defined for an anonymous node")

	// ErrInvalidTransferIDTimeout indicates a non-positive transfer-ID
	// timeout value.
	ErrInvalidTransferIDTimeout = errors.New("transfer-ID timeout must be positive")
)
