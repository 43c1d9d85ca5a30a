package transport

import "fmt"

// -------------------------------------------------------------------------
// Data Specifier — what is being exchanged
// -------------------------------------------------------------------------

// ServiceRole distinguishes the two directions of a service exchange.
type ServiceRole uint8

const (
	// RoleRequest marks the client-to-server direction.
	RoleRequest ServiceRole = iota + 1

	// RoleResponse marks the server-to-client direction.
	RoleResponse
)

// String returns the human-readable name for the service role.
func (r ServiceRole) String() string {
	switch r {
	case RoleRequest:
		return "request"
	case RoleResponse:
		return "response"
	default:
		return "unknown"
	}
}

// DataSpecifier identifies what is being exchanged over a session: either a
// message subject or a service invocation direction. The two concrete
// implementations are comparable value types, so a DataSpecifier is usable
// as a map key.
type DataSpecifier interface {
	fmt.Stringer

	isDataSpecifier()
}

// MessageDataSpecifier identifies a message subject.
type MessageDataSpecifier struct {
	Subject SubjectID
}

func (MessageDataSpecifier) isDataSpecifier() {}

func (d MessageDataSpecifier) String() string {
	return fmt.Sprintf("message:%d", d.Subject)
}

// ServiceDataSpecifier identifies one direction of a service exchange.
type ServiceDataSpecifier struct {
	Service ServiceID
	Role    ServiceRole
}

func (ServiceDataSpecifier) isDataSpecifier() {}

func (d ServiceDataSpecifier) String() string {
	return fmt.Sprintf("service:%d:%s", d.Service, d.Role)
}

// -------------------------------------------------------------------------
// Session Specifiers — session identity tuples
// -------------------------------------------------------------------------

// SessionSpecifier is the identity tuple shared by input and output session
// specifiers: the data specifier plus an optional remote node-ID. Equality
// over this tuple (within one direction) defines session identity.
type SessionSpecifier struct {
	// Data identifies what is exchanged over the session.
	Data DataSpecifier

	// Remote is the optional remote node-ID. For input sessions it is the
	// source filter (unset means promiscuous); for output sessions it is the
	// destination (unset means broadcast, which is only valid for messages).
	Remote NodeID
}

// String returns a compact representation of the specifier.
func (s SessionSpecifier) String() string {
	return fmt.Sprintf("%s@%s", s.Data, s.Remote)
}

// InputSessionSpecifier identifies an input session.
type InputSessionSpecifier struct {
	SessionSpecifier
}

// NewInputSessionSpecifier constructs an input session specifier. The remote
// node-ID filters by source; pass the zero NodeID to accept all sources.
func NewInputSessionSpecifier(data DataSpecifier, source NodeID) InputSessionSpecifier {
	return InputSessionSpecifier{SessionSpecifier{Data: data, Remote: source}}
}

// OutputSessionSpecifier identifies an output session.
type OutputSessionSpecifier struct {
	SessionSpecifier
}

// NewOutputSessionSpecifier constructs an output session specifier. Service
// output sessions require a set destination; message output sessions are
// normally broadcast (destination unset).
func NewOutputSessionSpecifier(data DataSpecifier, destination NodeID) OutputSessionSpecifier {
	return OutputSessionSpecifier{SessionSpecifier{Data: data, Remote: destination}}
}

// AlienSessionSpecifier is the session identity of an alien transfer: unlike
// regular session specifiers it carries both endpoints explicitly because it
// does not belong to any local session.
type AlienSessionSpecifier struct {
	// Source is the node the transfer claims to originate from.
	// Unset means anonymous.
	Source NodeID

	// Destination is the target node for service transfers; unset for
	// broadcast messages.
	Destination NodeID

	// Data identifies what is exchanged.
	Data DataSpecifier
}

// String returns a compact representation of the alien specifier.
func (s AlienSessionSpecifier) String() string {
	return fmt.Sprintf("%s:%s->%s", s.Data, s.Source, s.Destination)
}
