package transport

import (
	"fmt"
	"sync/atomic"
)

// NodeID is an optional node identifier. The zero value represents the
// anonymous state (no node-ID assigned). The type is comparable and can be
// used as a map key; two anonymous node-IDs compare equal.
type NodeID struct {
	value uint16
	valid bool
}

// NewNodeID returns a set node-ID holding the given value.
func NewNodeID(value uint16) NodeID {
	return NodeID{value: value, valid: true}
}

// IsSet reports whether the node-ID holds a value. False means anonymous.
func (id NodeID) IsSet() bool { return id.valid }

// Get returns the node-ID value and whether it is set.
func (id NodeID) Get() (uint16, bool) { return id.value, id.valid }

// Or returns the node-ID value if set, otherwise the supplied fallback.
func (id NodeID) Or(fallback uint16) uint16 {
	if id.valid {
		return id.value
	}
	return fallback
}

// String returns the decimal node-ID value or "anonymous".
func (id NodeID) String() string {
	if !id.valid {
		return "anonymous"
	}
	return fmt.Sprintf("%d", id.value)
}

// SubjectID identifies a message subject. Valid range is transport-specific;
// the protocol-level maximum is 8191.
type SubjectID uint16

// MaxSubjectID is the highest subject-ID defined by the Specification.
const MaxSubjectID SubjectID = 8191

// ServiceID identifies a service. The protocol-level maximum is 511.
type ServiceID uint16

// MaxServiceID is the highest service-ID defined by the Specification.
const MaxServiceID ServiceID = 511

// ifaceIDCounter backs NextIfaceID. Starts at one so that zero never
// identifies a live interface.
var ifaceIDCounter atomic.Uint64

// NextIfaceID returns a process-unique interface identifier. Redundant
// sessions and transports use these values to tell inferiors apart in
// deduplicator state and captures, in place of object identity.
func NextIfaceID() uint64 {
	return ifaceIDCounter.Add(1)
}
