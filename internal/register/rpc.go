package register

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dantte-lp/gocyphal/internal/dsdl"
)

// Fixed service-IDs of the standard register services.
const (
	// AccessServiceID is the fixed service-ID of uavcan.register.Access.
	AccessServiceID uint16 = 384

	// ListServiceID is the fixed service-ID of uavcan.register.List.
	ListServiceID uint16 = 385
)

// maxRegisterNameLength bounds register names on the wire.
const maxRegisterNameLength = 255

// -------------------------------------------------------------------------
// Value wire codec, shared by the Access request and response
// -------------------------------------------------------------------------

func appendValue(out []byte, v Value) []byte {
	out = append(out, byte(v.kind))
	switch v.kind {
	case KindEmpty:
		return out
	case KindString, KindUnstructured:
		out = binary.LittleEndian.AppendUint16(out, uint16(len(v.bytes)))
		return append(out, v.bytes...)
	case KindBit:
		out = binary.LittleEndian.AppendUint16(out, uint16(len(v.bits)))
		for _, b := range v.bits {
			if b {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		}
		return out
	case KindReal16, KindReal32, KindReal64:
		out = binary.LittleEndian.AppendUint16(out, uint16(len(v.reals)))
		for _, x := range v.reals {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(x))
		}
		return out
	default:
		out = binary.LittleEndian.AppendUint16(out, uint16(len(v.ints)))
		for _, x := range v.ints {
			out = binary.LittleEndian.AppendUint64(out, uint64(x))
		}
		return out
	}
}

func consumeValue(data []byte) (Value, []byte, error) {
	if len(data) < 1 {
		return Value{}, nil, fmt.Errorf("value header: %w", dsdl.ErrDeserialization)
	}
	kind := Kind(data[0])
	data = data[1:]
	if kind == KindEmpty {
		return Value{}, data, nil
	}
	if kind > KindReal64 {
		return Value{}, nil, fmt.Errorf("value kind %d: %w", kind, dsdl.ErrDeserialization)
	}
	if len(data) < 2 {
		return Value{}, nil, fmt.Errorf("value length: %w", dsdl.ErrDeserialization)
	}
	n := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	out := Value{kind: kind}
	switch kind {
	case KindString, KindUnstructured:
		if len(data) < n {
			return Value{}, nil, fmt.Errorf("value payload: %w", dsdl.ErrDeserialization)
		}
		out.bytes = append([]byte(nil), data[:n]...)
		return out, data[n:], nil
	case KindBit:
		if len(data) < n {
			return Value{}, nil, fmt.Errorf("value payload: %w", dsdl.ErrDeserialization)
		}
		for _, b := range data[:n] {
			out.bits = append(out.bits, b != 0)
		}
		return out, data[n:], nil
	case KindReal16, KindReal32, KindReal64:
		if len(data) < 8*n {
			return Value{}, nil, fmt.Errorf("value payload: %w", dsdl.ErrDeserialization)
		}
		for i := range n {
			out.reals = append(out.reals, math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:])))
		}
		return out, data[8*n:], nil
	default:
		if len(data) < 8*n {
			return Value{}, nil, fmt.Errorf("value payload: %w", dsdl.ErrDeserialization)
		}
		for i := range n {
			out.ints = append(out.ints, int64(binary.LittleEndian.Uint64(data[8*i:])))
		}
		return out, data[8*n:], nil
	}
}

func appendName(out []byte, name string) []byte {
	out = append(out, byte(len(name)))
	return append(out, name...)
}

func consumeName(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("name header: %w", dsdl.ErrDeserialization)
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, fmt.Errorf("name payload: %w", dsdl.ErrDeserialization)
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}

// -------------------------------------------------------------------------
// uavcan.register.List
// -------------------------------------------------------------------------

// ListRequest is the request half of uavcan.register.List.1.0.
type ListRequest struct {
	Index uint16
}

// MarshalCyphal implements dsdl.Marshaler.
func (m *ListRequest) MarshalCyphal() ([]byte, error) {
	return binary.LittleEndian.AppendUint16(nil, m.Index), nil
}

// UnmarshalCyphal implements dsdl.Unmarshaler.
func (m *ListRequest) UnmarshalCyphal(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("list request: %w", dsdl.ErrDeserialization)
	}
	m.Index = binary.LittleEndian.Uint16(data)
	return nil
}

// ListResponse is the response half of uavcan.register.List.1.0. An empty
// name means the index is out of range.
type ListResponse struct {
	Name string
}

// MarshalCyphal implements dsdl.Marshaler.
func (m *ListResponse) MarshalCyphal() ([]byte, error) {
	if len(m.Name) > maxRegisterNameLength {
		return nil, fmt.Errorf("register name length %d exceeds %d", len(m.Name), maxRegisterNameLength)
	}
	return appendName(nil, m.Name), nil
}

// UnmarshalCyphal implements dsdl.Unmarshaler.
func (m *ListResponse) UnmarshalCyphal(data []byte) error {
	name, _, err := consumeName(data)
	if err != nil {
		return err
	}
	m.Name = name
	return nil
}

// ListType is the descriptor of the List service.
var ListType = dsdl.ServiceType[*ListRequest, *ListResponse]{
	FullName:            "uavcan.register.List.1.0",
	RequestExtentBytes:  2,
	ResponseExtentBytes: 256,
	FixedServiceID:      ListServiceID,
	HasFixedServiceID:   true,
	NewRequest:          func() *ListRequest { return &ListRequest{} },
	NewResponse:         func() *ListResponse { return &ListResponse{} },
}

// -------------------------------------------------------------------------
// uavcan.register.Access
// -------------------------------------------------------------------------

// AccessRequest is the request half of uavcan.register.Access.1.0. An empty
// value makes the request a pure read.
type AccessRequest struct {
	Name  string
	Value Value
}

// MarshalCyphal implements dsdl.Marshaler.
func (m *AccessRequest) MarshalCyphal() ([]byte, error) {
	if len(m.Name) > maxRegisterNameLength {
		return nil, fmt.Errorf("register name length %d exceeds %d", len(m.Name), maxRegisterNameLength)
	}
	return appendValue(appendName(nil, m.Name), m.Value), nil
}

// UnmarshalCyphal implements dsdl.Unmarshaler.
func (m *AccessRequest) UnmarshalCyphal(data []byte) error {
	name, rest, err := consumeName(data)
	if err != nil {
		return err
	}
	value, _, err := consumeValue(rest)
	if err != nil {
		return err
	}
	m.Name, m.Value = name, value
	return nil
}

// AccessResponse is the response half of uavcan.register.Access.1.0. An
// empty value means the register does not exist.
type AccessResponse struct {
	Mutable    bool
	Persistent bool
	Value      Value
}

// MarshalCyphal implements dsdl.Marshaler.
func (m *AccessResponse) MarshalCyphal() ([]byte, error) {
	var flags byte
	if m.Mutable {
		flags |= 1
	}
	if m.Persistent {
		flags |= 2
	}
	return appendValue([]byte{flags}, m.Value), nil
}

// UnmarshalCyphal implements dsdl.Unmarshaler.
func (m *AccessResponse) UnmarshalCyphal(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("access response: %w", dsdl.ErrDeserialization)
	}
	m.Mutable = data[0]&1 != 0
	m.Persistent = data[0]&2 != 0
	value, _, err := consumeValue(data[1:])
	if err != nil {
		return err
	}
	m.Value = value
	return nil
}

// AccessType is the descriptor of the Access service.
var AccessType = dsdl.ServiceType[*AccessRequest, *AccessResponse]{
	FullName:            "uavcan.register.Access.1.0",
	RequestExtentBytes:  515,
	ResponseExtentBytes: 515,
	FixedServiceID:      AccessServiceID,
	HasFixedServiceID:   true,
	NewRequest:          func() *AccessRequest { return &AccessRequest{} },
	NewResponse:         func() *AccessResponse { return &AccessResponse{} },
}
