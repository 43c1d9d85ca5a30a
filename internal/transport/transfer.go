package transport

import "time"

// Transfer is one outgoing logical message or service invocation, possibly
// split across multiple wire frames by the transport.
type Transfer struct {
	// Timestamp is when the transfer was created by the sender.
	Timestamp time.Time

	// Priority is the transfer priority level.
	Priority Priority

	// TransferID is the value of the outgoing transfer-ID counter. The
	// transport applies its own modulus on the wire.
	TransferID uint64

	// FragmentedPayload is the serialized payload as ordered byte slices.
	// The transport concatenates the fragments; the split carries no meaning.
	FragmentedPayload [][]byte
}

// PayloadSize returns the total number of payload bytes across fragments.
func (t *Transfer) PayloadSize() int {
	var n int
	for _, f := range t.FragmentedPayload {
		n += len(f)
	}
	return n
}

// PayloadBytes returns the payload fragments concatenated into one slice.
func (t *Transfer) PayloadBytes() []byte {
	out := make([]byte, 0, t.PayloadSize())
	for _, f := range t.FragmentedPayload {
		out = append(out, f...)
	}
	return out
}

// TransferFrom is a received transfer annotated with its origin.
type TransferFrom struct {
	Transfer

	// SourceNodeID is the node the transfer was received from.
	// Unset for anonymous transfers.
	SourceNodeID NodeID
}

// AlienTransferMetadata is the full metadata of an alien transfer.
type AlienTransferMetadata struct {
	Priority   Priority
	TransferID uint64
	Session    AlienSessionSpecifier
}

// AlienTransfer is a transfer that does not belong to any local session: it
// carries a complete session specifier of its own. Alien transfers are used
// for spoofing and are reconstructed by tracers from captures.
type AlienTransfer struct {
	Metadata          AlienTransferMetadata
	FragmentedPayload [][]byte
}

// PayloadSize returns the total number of payload bytes across fragments.
func (t *AlienTransfer) PayloadSize() int {
	var n int
	for _, f := range t.FragmentedPayload {
		n += len(f)
	}
	return n
}
