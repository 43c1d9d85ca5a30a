package transport

import "math"

// MaxTransferIDModulo is the practical upper bound of the transfer-ID modulo
// for transports with wide transfer-ID fields (UDP, serial, loopback). A
// counter with this modulo does not wrap within any realistic system
// lifetime, which is what classifies such transports as monotonic.
const MaxTransferIDModulo = uint64(math.MaxUint64)

// ProtocolParameters is the transport parameter triple. A redundant transport
// reports the element-wise minimum of its inferiors, or all-zeros when empty.
type ProtocolParameters struct {
	// TransferIDModulo is the number of distinct transfer-ID values on the
	// wire. Values below 2^48 classify the transport as cyclic; values at or
	// above it as monotonic.
	TransferIDModulo uint64

	// MaxNodes is the number of node-ID values supported by the transport.
	MaxNodes uint32

	// MTU is the maximum number of payload bytes per frame.
	MTU uint32
}

// Min returns the element-wise minimum of the two parameter sets.
func (p ProtocolParameters) Min(other ProtocolParameters) ProtocolParameters {
	return ProtocolParameters{
		TransferIDModulo: min(p.TransferIDModulo, other.TransferIDModulo),
		MaxNodes:         min(p.MaxNodes, other.MaxNodes),
		MTU:              min(p.MTU, other.MTU),
	}
}

// PayloadMetadata describes the data carried over a session. It is immutable
// once the session is created; transports use it to size receive buffers.
type PayloadMetadata struct {
	// ExtentBytes is the maximum serialized size of the DSDL type.
	ExtentBytes uint64
}
