package register_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dantte-lp/gocyphal/internal/presentation"
	"github.com/dantte-lp/gocyphal/internal/register"
	"github.com/dantte-lp/gocyphal/internal/transport"
	"github.com/dantte-lp/gocyphal/internal/transport/loopback"
)

// TestRegisterNetworkService exercises the List and Access endpoints over a
// loopback bus end-to-end: index enumeration, read, converting write, and
// the silent rejection of writes to immutable registers.
func TestRegisterNetworkService(t *testing.T) {
	t.Parallel()

	bus := loopback.NewBus()
	serverTr := loopback.New(transport.NewNodeID(88))
	clientTr := loopback.New(transport.NewNodeID(89))
	bus.Attach(serverTr)
	bus.Attach(clientTr)

	serverP := presentation.New(serverTr)
	defer serverP.Close()
	clientP := presentation.New(clientTr)
	defer clientP.Close()

	reg := register.NewRegistry(register.WithEnvironment(map[string]string{}))
	if _, err := reg.SetDefault("uavcan.node.id", register.NewNatural16(88),
		register.Flags{Mutable: true, Persistent: true}); err != nil {
		t.Fatalf("seed register: %v", err)
	}
	if _, err := reg.SetDefault("uavcan.node.unique_id", register.NewUnstructured(make([]byte, 16)),
		register.Flags{}); err != nil {
		t.Fatalf("seed register: %v", err)
	}

	srv, err := register.StartServer(serverP, reg, slog.Default())
	if err != nil {
		t.Fatalf("start register server: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// List by index.
	listClient, err := presentation.MakeClientWithFixedServiceID(clientP, register.ListType, transport.NewNodeID(88))
	if err != nil {
		t.Fatalf("make list client: %v", err)
	}
	defer listClient.Close()
	if err := listClient.SetResponseTimeout(2 * time.Second); err != nil {
		t.Fatalf("set timeout: %v", err)
	}

	listResp, meta, err := listClient.Call(ctx, &register.ListRequest{Index: 0})
	if err != nil {
		t.Fatalf("list call: %v", err)
	}
	if meta == nil {
		t.Fatal("list call timed out")
	}
	if listResp.Name != "uavcan.node.id" {
		t.Fatalf("List(0) = %q, want uavcan.node.id", listResp.Name)
	}
	listResp, meta, err = listClient.Call(ctx, &register.ListRequest{Index: 999})
	if err != nil || meta == nil {
		t.Fatalf("list out-of-range call = (%v, %v)", meta, err)
	}
	if listResp.Name != "" {
		t.Fatalf("List(999) = %q, want empty (out of range)", listResp.Name)
	}

	// Access: read, then write with cross-type conversion.
	accessClient, err := presentation.MakeClientWithFixedServiceID(clientP, register.AccessType, transport.NewNodeID(88))
	if err != nil {
		t.Fatalf("make access client: %v", err)
	}
	defer accessClient.Close()
	if err := accessClient.SetResponseTimeout(2 * time.Second); err != nil {
		t.Fatalf("set timeout: %v", err)
	}

	read, meta, err := accessClient.Call(ctx, &register.AccessRequest{Name: "uavcan.node.id"})
	if err != nil || meta == nil {
		t.Fatalf("access read = (%v, %v)", meta, err)
	}
	if !read.Mutable || read.Value.Uints()[0] != 88 {
		t.Fatalf("access read = %+v, want mutable [88]", read)
	}

	write, meta, err := accessClient.Call(ctx, &register.AccessRequest{
		Name:  "uavcan.node.id",
		Value: register.NewReal64(90), // Converted to the stored natural16.
	})
	if err != nil || meta == nil {
		t.Fatalf("access write = (%v, %v)", meta, err)
	}
	if write.Value.Kind() != register.KindNatural16 || write.Value.Uints()[0] != 90 {
		t.Fatalf("access write returned %s %v, want natural16 [90]",
			write.Value.Kind(), write.Value.Uints())
	}

	// Writes to immutable registers silently return the current state.
	immutable, meta, err := accessClient.Call(ctx, &register.AccessRequest{
		Name:  "uavcan.node.unique_id",
		Value: register.NewUnstructured([]byte{1, 2, 3}),
	})
	if err != nil || meta == nil {
		t.Fatalf("access immutable write = (%v, %v)", meta, err)
	}
	if immutable.Mutable {
		t.Fatal("unique-id register reported mutable")
	}
	if got := immutable.Value.Bytes(); len(got) != 16 || got[0] != 0 {
		t.Fatalf("immutable register changed: %x", got)
	}

	// Unknown registers yield the empty value.
	missing, meta, err := accessClient.Call(ctx, &register.AccessRequest{Name: "no.such.register"})
	if err != nil || meta == nil {
		t.Fatalf("access missing = (%v, %v)", meta, err)
	}
	if !missing.Value.IsEmpty() {
		t.Fatalf("missing register value kind = %s, want empty", missing.Value.Kind())
	}
}
