// Package dsdl defines the contract between the protocol stack and
// DSDL-generated code. The DSDL compiler itself is an external collaborator;
// the stack only needs serialization, deserialization and type metadata,
// which generated packages provide through the descriptors defined here.
package dsdl

import "errors"

// ErrDeserialization indicates a malformed serialized representation. The
// presentation layer counts such failures and drops the transfer; they never
// surface to the application except via statistics.
var ErrDeserialization = errors.New("malformed serialized representation")

// Marshaler serializes a DSDL value into its wire representation.
type Marshaler interface {
	MarshalCyphal() ([]byte, error)
}

// Unmarshaler populates a DSDL value from its wire representation.
type Unmarshaler interface {
	UnmarshalCyphal(data []byte) error
}

// Message is implemented by every generated DSDL composite type.
type Message interface {
	Marshaler
	Unmarshaler
}

// Type describes a message type: its full DSDL name, the extent (maximum
// serialized size, used to size receive buffers), the optional fixed
// subject-ID, and a constructor. Generated packages expose one descriptor
// per type.
type Type[T Message] struct {
	// FullName is the full DSDL type name, e.g. "uavcan.node.Heartbeat.1.0".
	FullName string

	// ExtentBytes is the maximum serialized size.
	ExtentBytes uint64

	// FixedPortID is the fixed subject-ID if the type defines one.
	FixedPortID uint16

	// HasFixedPortID reports whether FixedPortID is meaningful.
	HasFixedPortID bool

	// New constructs a zero value of the type.
	New func() T
}

// ServiceType describes a service type: request and response halves plus the
// optional fixed service-ID.
type ServiceType[Req Message, Resp Message] struct {
	// FullName is the full DSDL type name, e.g. "uavcan.node.GetInfo.1.0".
	FullName string

	// RequestExtentBytes is the maximum serialized size of the request.
	RequestExtentBytes uint64

	// ResponseExtentBytes is the maximum serialized size of the response.
	ResponseExtentBytes uint64

	// FixedServiceID is the fixed service-ID if the type defines one.
	FixedServiceID uint16

	// HasFixedServiceID reports whether FixedServiceID is meaningful.
	HasFixedServiceID bool

	// NewRequest constructs a zero request value.
	NewRequest func() Req

	// NewResponse constructs a zero response value.
	NewResponse func() Resp
}
