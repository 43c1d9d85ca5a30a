package dsdl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// This file provides hand-maintained equivalents of a few standard
// uavcan.* data types that the stack itself needs (diagnostics, the CLI and
// the test suites). Applications are expected to use generated packages for
// everything else.

// -------------------------------------------------------------------------
// uavcan.primitive.scalar.Real64
// -------------------------------------------------------------------------

// Real64 is the uavcan.primitive.scalar.Real64.1.0 message.
type Real64 struct {
	Value float64
}

// MarshalCyphal implements Marshaler.
func (m *Real64) MarshalCyphal() ([]byte, error) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, math.Float64bits(m.Value))
	return out, nil
}

// UnmarshalCyphal implements Unmarshaler.
func (m *Real64) UnmarshalCyphal(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("real64: %d bytes: %w", len(data), ErrDeserialization)
	}
	m.Value = math.Float64frombits(binary.LittleEndian.Uint64(data))
	return nil
}

// Real64Type is the descriptor of Real64.
var Real64Type = Type[*Real64]{
	FullName:    "uavcan.primitive.scalar.Real64.1.0",
	ExtentBytes: 8,
	New:         func() *Real64 { return &Real64{} },
}

// -------------------------------------------------------------------------
// uavcan.primitive.String
// -------------------------------------------------------------------------

// Text is the uavcan.primitive.String.1.0 message.
type Text struct {
	Value string
}

// MarshalCyphal implements Marshaler.
func (m *Text) MarshalCyphal() ([]byte, error) {
	if len(m.Value) > 256 {
		return nil, fmt.Errorf("string length %d exceeds 256", len(m.Value))
	}
	out := make([]byte, 2+len(m.Value))
	binary.LittleEndian.PutUint16(out, uint16(len(m.Value)))
	copy(out[2:], m.Value)
	return out, nil
}

// UnmarshalCyphal implements Unmarshaler.
func (m *Text) UnmarshalCyphal(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("string header: %w", ErrDeserialization)
	}
	n := int(binary.LittleEndian.Uint16(data))
	if n > 256 || len(data) < 2+n {
		return fmt.Errorf("string length %d: %w", n, ErrDeserialization)
	}
	m.Value = string(data[2 : 2+n])
	return nil
}

// TextType is the descriptor of Text.
var TextType = Type[*Text]{
	FullName:    "uavcan.primitive.String.1.0",
	ExtentBytes: 258,
	New:         func() *Text { return &Text{} },
}

// -------------------------------------------------------------------------
// uavcan.node.Heartbeat
// -------------------------------------------------------------------------

// Node health values per uavcan.node.Health.1.0.
const (
	HealthNominal  uint8 = 0
	HealthAdvisory uint8 = 1
	HealthCaution  uint8 = 2
	HealthWarning  uint8 = 3
)

// Node mode values per uavcan.node.Mode.1.0.
const (
	ModeOperational    uint8 = 0
	ModeInitialization uint8 = 1
	ModeMaintenance    uint8 = 2
	ModeSoftwareUpdate uint8 = 3
)

// Heartbeat is the uavcan.node.Heartbeat.1.0 message published periodically
// by every non-anonymous node.
type Heartbeat struct {
	UptimeSeconds            uint32
	Health                   uint8
	Mode                     uint8
	VendorSpecificStatusCode uint8
}

// HeartbeatSubjectID is the fixed subject-ID of uavcan.node.Heartbeat.
const HeartbeatSubjectID uint16 = 7509

// MarshalCyphal implements Marshaler.
func (m *Heartbeat) MarshalCyphal() ([]byte, error) {
	out := make([]byte, 7)
	binary.LittleEndian.PutUint32(out, m.UptimeSeconds)
	out[4] = m.Health
	out[5] = m.Mode
	out[6] = m.VendorSpecificStatusCode
	return out, nil
}

// UnmarshalCyphal implements Unmarshaler.
func (m *Heartbeat) UnmarshalCyphal(data []byte) error {
	if len(data) < 7 {
		return fmt.Errorf("heartbeat: %d bytes: %w", len(data), ErrDeserialization)
	}
	m.UptimeSeconds = binary.LittleEndian.Uint32(data)
	m.Health = data[4]
	m.Mode = data[5]
	m.VendorSpecificStatusCode = data[6]
	return nil
}

// HeartbeatType is the descriptor of Heartbeat.
var HeartbeatType = Type[*Heartbeat]{
	FullName:       "uavcan.node.Heartbeat.1.0",
	ExtentBytes:    12,
	FixedPortID:    HeartbeatSubjectID,
	HasFixedPortID: true,
	New:            func() *Heartbeat { return &Heartbeat{} },
}

// -------------------------------------------------------------------------
// uavcan.node.GetInfo
// -------------------------------------------------------------------------

// GetInfoServiceID is the fixed service-ID of uavcan.node.GetInfo.
const GetInfoServiceID uint16 = 430

// GetInfoRequest is the empty request half of uavcan.node.GetInfo.1.0.
type GetInfoRequest struct{}

// MarshalCyphal implements Marshaler.
func (m *GetInfoRequest) MarshalCyphal() ([]byte, error) { return []byte{}, nil }

// UnmarshalCyphal implements Unmarshaler.
func (m *GetInfoRequest) UnmarshalCyphal([]byte) error { return nil }

// GetInfoResponse is the response half of uavcan.node.GetInfo.1.0, reduced
// to the fields the stack itself consumes.
type GetInfoResponse struct {
	ProtocolVersionMajor uint8
	ProtocolVersionMinor uint8
	UniqueID             [16]byte
	Name                 string
}

// MarshalCyphal implements Marshaler.
func (m *GetInfoResponse) MarshalCyphal() ([]byte, error) {
	if len(m.Name) > 50 {
		return nil, fmt.Errorf("node name length %d exceeds 50", len(m.Name))
	}
	out := make([]byte, 0, 19+len(m.Name))
	out = append(out, m.ProtocolVersionMajor, m.ProtocolVersionMinor)
	out = append(out, m.UniqueID[:]...)
	out = append(out, byte(len(m.Name)))
	out = append(out, m.Name...)
	return out, nil
}

// UnmarshalCyphal implements Unmarshaler.
func (m *GetInfoResponse) UnmarshalCyphal(data []byte) error {
	if len(data) < 19 {
		return fmt.Errorf("get-info response: %d bytes: %w", len(data), ErrDeserialization)
	}
	m.ProtocolVersionMajor = data[0]
	m.ProtocolVersionMinor = data[1]
	copy(m.UniqueID[:], data[2:18])
	n := int(data[18])
	if n > 50 || len(data) < 19+n {
		return fmt.Errorf("get-info node name length %d: %w", n, ErrDeserialization)
	}
	m.Name = string(data[19 : 19+n])
	return nil
}

// GetInfoType is the descriptor of the GetInfo service.
var GetInfoType = ServiceType[*GetInfoRequest, *GetInfoResponse]{
	FullName:            "uavcan.node.GetInfo.1.0",
	RequestExtentBytes:  0,
	ResponseExtentBytes: 448,
	FixedServiceID:      GetInfoServiceID,
	HasFixedServiceID:   true,
	NewRequest:          func() *GetInfoRequest { return &GetInfoRequest{} },
	NewResponse:         func() *GetInfoResponse { return &GetInfoResponse{} },
}
