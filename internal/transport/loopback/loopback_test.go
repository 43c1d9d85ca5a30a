package loopback_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
	"github.com/dantte-lp/gocyphal/internal/transport/loopback"
)

func subjectIn(subject transport.SubjectID, source transport.NodeID) transport.InputSessionSpecifier {
	return transport.NewInputSessionSpecifier(transport.MessageDataSpecifier{Subject: subject}, source)
}

func subjectOut(subject transport.SubjectID) transport.OutputSessionSpecifier {
	return transport.NewOutputSessionSpecifier(transport.MessageDataSpecifier{Subject: subject}, transport.NodeID{})
}

func TestMessageLoopback(t *testing.T) {
	t.Parallel()

	lb := loopback.New(transport.NewNodeID(1234))
	defer lb.Close()

	in, err := lb.GetInputSession(subjectIn(2000, transport.NodeID{}), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}
	out, err := lb.GetOutputSession(subjectOut(2000), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get output session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := out.Send(ctx, &transport.Transfer{
		Timestamp:         time.Now(),
		Priority:          transport.PriorityFast,
		TransferID:        7,
		FragmentedPayload: [][]byte{{0xAA}, {0xBB}},
	})
	if err != nil || !ok {
		t.Fatalf("send = (%v, %v), want (true, nil)", ok, err)
	}

	tr, err := in.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if tr == nil {
		t.Fatal("transfer not looped back")
	}
	if src, _ := tr.SourceNodeID.Get(); src != 1234 {
		t.Errorf("source node-ID = %s, want 1234", tr.SourceNodeID)
	}
	if tr.TransferID != 7 {
		t.Errorf("transfer-ID = %d, want 7", tr.TransferID)
	}
	if got := tr.PayloadBytes(); len(got) != 2 || got[0] != 0xAA || got[1] != 0xBB {
		t.Errorf("payload = %x, want aabb", got)
	}
	if tr.Priority != transport.PriorityFast {
		t.Errorf("priority = %s, want Fast", tr.Priority)
	}
}

func TestSessionFactoriesAreIdempotent(t *testing.T) {
	t.Parallel()

	lb := loopback.New(transport.NewNodeID(5))
	defer lb.Close()

	spec := subjectIn(10, transport.NodeID{})
	a, err := lb.GetInputSession(spec, transport.PayloadMetadata{ExtentBytes: 4})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}
	b, err := lb.GetInputSession(spec, transport.PayloadMetadata{ExtentBytes: 4})
	if err != nil {
		t.Fatalf("get input session again: %v", err)
	}
	if a != b {
		t.Fatal("input session factory is not idempotent on specifier equality")
	}
}

// TestSourceFilter verifies that an input session with a source filter only
// observes transfers from that node.
func TestSourceFilter(t *testing.T) {
	t.Parallel()

	bus := loopback.NewBus()
	a := loopback.New(transport.NewNodeID(1))
	b := loopback.New(transport.NewNodeID(2))
	sink := loopback.New(transport.NewNodeID(3))
	for _, tr := range []*loopback.Transport{a, b, sink} {
		bus.Attach(tr)
		defer tr.Close()
	}

	in, err := sink.GetInputSession(subjectIn(20, transport.NewNodeID(1)), transport.PayloadMetadata{ExtentBytes: 4})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, sender := range []*loopback.Transport{b, a} {
		out, err := sender.GetOutputSession(subjectOut(20), transport.PayloadMetadata{ExtentBytes: 4})
		if err != nil {
			t.Fatalf("get output session: %v", err)
		}
		if ok, err := out.Send(ctx, &transport.Transfer{
			Timestamp:         time.Now(),
			TransferID:        1,
			FragmentedPayload: [][]byte{{9}},
		}); err != nil || !ok {
			t.Fatalf("send = (%v, %v), want (true, nil)", ok, err)
		}
	}

	tr, err := in.Receive(ctx)
	if err != nil || tr == nil {
		t.Fatalf("receive = (%+v, %v), want transfer", tr, err)
	}
	if src, _ := tr.SourceNodeID.Get(); src != 1 {
		t.Fatalf("filtered session observed node %s, want only node 1", tr.SourceNodeID)
	}
	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if extra, err := in.Receive(short); err != nil || extra != nil {
		t.Fatalf("filtered session observed extra transfer %+v (err %v)", extra, err)
	}
}

// TestServiceRouting verifies that service transfers are delivered only to
// the destination node and that anonymous service sends are rejected.
func TestServiceRouting(t *testing.T) {
	t.Parallel()

	bus := loopback.NewBus()
	client := loopback.New(transport.NewNodeID(42))
	server := loopback.New(transport.NewNodeID(1234))
	bystander := loopback.New(transport.NewNodeID(7))
	for _, tr := range []*loopback.Transport{client, server, bystander} {
		bus.Attach(tr)
		defer tr.Close()
	}

	reqDS := transport.ServiceDataSpecifier{Service: 430, Role: transport.RoleRequest}
	serverIn, err := server.GetInputSession(
		transport.NewInputSessionSpecifier(reqDS, transport.NodeID{}),
		transport.PayloadMetadata{ExtentBytes: 16},
	)
	if err != nil {
		t.Fatalf("get server input: %v", err)
	}
	bystanderIn, err := bystander.GetInputSession(
		transport.NewInputSessionSpecifier(reqDS, transport.NodeID{}),
		transport.PayloadMetadata{ExtentBytes: 16},
	)
	if err != nil {
		t.Fatalf("get bystander input: %v", err)
	}

	out, err := client.GetOutputSession(
		transport.NewOutputSessionSpecifier(reqDS, transport.NewNodeID(1234)),
		transport.PayloadMetadata{ExtentBytes: 16},
	)
	if err != nil {
		t.Fatalf("get client output: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if ok, err := out.Send(ctx, &transport.Transfer{
		Timestamp:         time.Now(),
		TransferID:        3,
		FragmentedPayload: [][]byte{{1}},
	}); err != nil || !ok {
		t.Fatalf("send = (%v, %v), want (true, nil)", ok, err)
	}

	if tr, err := serverIn.Receive(ctx); err != nil || tr == nil {
		t.Fatalf("server receive = (%+v, %v), want transfer", tr, err)
	}
	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if tr, err := bystanderIn.Receive(short); err != nil || tr != nil {
		t.Fatalf("bystander observed a unicast service transfer: %+v (err %v)", tr, err)
	}

	// Anonymous nodes cannot participate in service calls.
	anon := loopback.New(transport.NodeID{})
	defer anon.Close()
	anonOut, err := anon.GetOutputSession(
		transport.NewOutputSessionSpecifier(reqDS, transport.NewNodeID(1234)),
		transport.PayloadMetadata{ExtentBytes: 16},
	)
	if err != nil {
		t.Fatalf("get anonymous output: %v", err)
	}
	if _, err := anonOut.Send(ctx, &transport.Transfer{
		Timestamp:         time.Now(),
		FragmentedPayload: [][]byte{{1}},
	}); !errors.Is(err, transport.ErrAnonymousNode) {
		t.Fatalf("anonymous service send error = %v, want ErrAnonymousNode", err)
	}
}

// TestTransferIDModuloOnTheWire verifies that the wire transfer-ID is the
// counter value under the transport's modulus.
func TestTransferIDModuloOnTheWire(t *testing.T) {
	t.Parallel()

	lb := loopback.New(transport.NewNodeID(8), loopback.WithProtocolParameters(transport.ProtocolParameters{
		TransferIDModulo: 32,
		MaxNodes:         128,
		MTU:              63,
	}))
	defer lb.Close()

	in, err := lb.GetInputSession(subjectIn(30, transport.NodeID{}), transport.PayloadMetadata{ExtentBytes: 4})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}
	out, err := lb.GetOutputSession(subjectOut(30), transport.PayloadMetadata{ExtentBytes: 4})
	if err != nil {
		t.Fatalf("get output session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if ok, err := out.Send(ctx, &transport.Transfer{
		Timestamp:         time.Now(),
		TransferID:        33,
		FragmentedPayload: [][]byte{{1}},
	}); err != nil || !ok {
		t.Fatalf("send = (%v, %v), want (true, nil)", ok, err)
	}
	tr, err := in.Receive(ctx)
	if err != nil || tr == nil {
		t.Fatalf("receive = (%+v, %v), want transfer", tr, err)
	}
	if tr.TransferID != 1 {
		t.Fatalf("wire transfer-ID = %d, want 33 mod 32 = 1", tr.TransferID)
	}
}

// TestSpoofAndTracer verifies spoof injection, capture emission and trace
// reconstruction.
func TestSpoofAndTracer(t *testing.T) {
	t.Parallel()

	lb := loopback.New(transport.NewNodeID(9))
	defer lb.Close()

	captures := make(chan transport.Capture, 4)
	lb.BeginCapture(func(c transport.Capture) { captures <- c })

	in, err := lb.GetInputSession(subjectIn(40, transport.NodeID{}), transport.PayloadMetadata{ExtentBytes: 4})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	alien := transport.AlienTransfer{
		Metadata: transport.AlienTransferMetadata{
			Priority:   transport.PrioritySlow,
			TransferID: 88,
			Session: transport.AlienSessionSpecifier{
				Source: transport.NewNodeID(77),
				Data:   transport.MessageDataSpecifier{Subject: 40},
			},
		},
		FragmentedPayload: [][]byte{{4, 5}},
	}
	if ok, err := lb.Spoof(ctx, alien); err != nil || !ok {
		t.Fatalf("spoof = (%v, %v), want (true, nil)", ok, err)
	}

	// The spoofed transfer bypasses output sessions but reaches inputs with
	// the alien source identity.
	tr, err := in.Receive(ctx)
	if err != nil || tr == nil {
		t.Fatalf("receive = (%+v, %v), want spoofed transfer", tr, err)
	}
	if src, _ := tr.SourceNodeID.Get(); src != 77 {
		t.Fatalf("spoofed source = %s, want 77", tr.SourceNodeID)
	}

	select {
	case c := <-captures:
		trace := lb.MakeTracer().Update(c)
		tt, ok := trace.(*transport.TransferTrace)
		if !ok {
			t.Fatalf("trace type %T, want *transport.TransferTrace", trace)
		}
		if tt.Transfer.Metadata.TransferID != 88 {
			t.Fatalf("trace transfer-ID = %d, want 88", tt.Transfer.Metadata.TransferID)
		}
	case <-time.After(time.Second):
		t.Fatal("capture not emitted for spoofed transfer")
	}
}

func TestClosedTransportBehavior(t *testing.T) {
	t.Parallel()

	lb := loopback.New(transport.NewNodeID(3))
	in, err := lb.GetInputSession(subjectIn(50, transport.NodeID{}), transport.PayloadMetadata{ExtentBytes: 4})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}
	if err := lb.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := lb.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := in.Receive(ctx); !errors.Is(err, transport.ErrResourceClosed) {
		t.Fatalf("receive after close error = %v, want ErrResourceClosed", err)
	}
	if _, err := lb.GetInputSession(subjectIn(51, transport.NodeID{}), transport.PayloadMetadata{ExtentBytes: 4}); !errors.Is(err, transport.ErrResourceClosed) {
		t.Fatalf("session factory after close error = %v, want ErrResourceClosed", err)
	}
}
