package transport_test

import (
	"testing"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

func TestNodeID(t *testing.T) {
	t.Parallel()

	var anon transport.NodeID
	if anon.IsSet() {
		t.Error("zero NodeID reports as set")
	}
	if got := anon.String(); got != "anonymous" {
		t.Errorf("anonymous String() = %q", got)
	}
	if got := anon.Or(99); got != 99 {
		t.Errorf("anonymous Or(99) = %d", got)
	}

	id := transport.NewNodeID(42)
	if v, ok := id.Get(); !ok || v != 42 {
		t.Errorf("Get() = (%d, %v), want (42, true)", v, ok)
	}
	if id == anon {
		t.Error("set NodeID compares equal to anonymous")
	}
	if id != transport.NewNodeID(42) {
		t.Error("equal NodeIDs do not compare equal")
	}
}

func TestProtocolParametersMin(t *testing.T) {
	t.Parallel()

	a := transport.ProtocolParameters{TransferIDModulo: 32, MaxNodes: 128, MTU: 1024}
	b := transport.ProtocolParameters{TransferIDModulo: transport.MaxTransferIDModulo, MaxNodes: 64, MTU: 508}
	want := transport.ProtocolParameters{TransferIDModulo: 32, MaxNodes: 64, MTU: 508}
	if got := a.Min(b); got != want {
		t.Errorf("Min = %+v, want %+v", got, want)
	}
	if got := b.Min(a); got != want {
		t.Errorf("Min is not commutative: %+v", got)
	}
}

// TestSessionSpecifierIdentity verifies that specifiers are usable as map
// keys and that input/output specifiers of the same tuple stay distinct
// types.
func TestSessionSpecifierIdentity(t *testing.T) {
	t.Parallel()

	ds := transport.MessageDataSpecifier{Subject: 2000}
	a := transport.NewInputSessionSpecifier(ds, transport.NodeID{})
	b := transport.NewInputSessionSpecifier(ds, transport.NodeID{})
	if a != b {
		t.Error("equal input specifiers do not compare equal")
	}
	c := transport.NewInputSessionSpecifier(ds, transport.NewNodeID(5))
	if a == c {
		t.Error("specifiers with different source filters compare equal")
	}

	m := map[transport.InputSessionSpecifier]int{a: 1}
	if m[b] != 1 {
		t.Error("specifier map lookup by equal value failed")
	}

	svc := transport.ServiceDataSpecifier{Service: 430, Role: transport.RoleRequest}
	if svc == (transport.ServiceDataSpecifier{Service: 430, Role: transport.RoleResponse}) {
		t.Error("request and response specifiers compare equal")
	}
}

func TestNextIfaceIDUniqueness(t *testing.T) {
	t.Parallel()

	seen := make(map[uint64]bool)
	for range 1000 {
		id := transport.NextIfaceID()
		if id == 0 {
			t.Fatal("iface-id zero issued")
		}
		if seen[id] {
			t.Fatalf("iface-id %d issued twice", id)
		}
		seen[id] = true
	}
}

func TestPriorityString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prio transport.Priority
		want string
	}{
		{transport.PriorityExceptional, "Exceptional"},
		{transport.PriorityNominal, "Nominal"},
		{transport.PriorityOptional, "Optional"},
		{transport.Priority(200), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.prio.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %q, want %q", tt.prio, got, tt.want)
		}
	}
}
