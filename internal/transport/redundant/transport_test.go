package redundant_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
	"github.com/dantte-lp/gocyphal/internal/transport/loopback"
	"github.com/dantte-lp/gocyphal/internal/transport/redundant"
)

// cyclicParams emulates a CAN-like inferior with a 5-bit transfer-ID.
var cyclicParams = transport.ProtocolParameters{
	TransferIDModulo: 32,
	MaxNodes:         128,
	MTU:              63,
}

func messageSpec(subject transport.SubjectID) transport.OutputSessionSpecifier {
	return transport.NewOutputSessionSpecifier(
		transport.MessageDataSpecifier{Subject: subject}, transport.NodeID{},
	)
}

func inputSpec(subject transport.SubjectID) transport.InputSessionSpecifier {
	return transport.NewInputSessionSpecifier(
		transport.MessageDataSpecifier{Subject: subject}, transport.NodeID{},
	)
}

func TestProtocolParameterAggregation(t *testing.T) {
	t.Parallel()

	rt := redundant.New()
	defer rt.Close()

	if got := rt.ProtocolParameters(); got != (transport.ProtocolParameters{}) {
		t.Fatalf("empty group parameters = %+v, want all-zeros", got)
	}

	a := loopback.New(transport.NewNodeID(7), loopback.WithProtocolParameters(transport.ProtocolParameters{
		TransferIDModulo: transport.MaxTransferIDModulo,
		MaxNodes:         65535,
		MTU:              1024,
	}))
	b := loopback.New(transport.NewNodeID(7), loopback.WithProtocolParameters(transport.ProtocolParameters{
		TransferIDModulo: redundant.MonotonicTransferIDModuloThreshold,
		MaxNodes:         4096,
		MTU:              508,
	}))
	if err := rt.AttachInferior(a); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if err := rt.AttachInferior(b); err != nil {
		t.Fatalf("attach b: %v", err)
	}

	want := transport.ProtocolParameters{
		TransferIDModulo: redundant.MonotonicTransferIDModuloThreshold,
		MaxNodes:         4096,
		MTU:              508,
	}
	if got := rt.ProtocolParameters(); got != want {
		t.Fatalf("aggregated parameters = %+v, want %+v (element-wise minimum)", got, want)
	}

	nid, err := rt.LocalNodeID()
	if err != nil {
		t.Fatalf("local node-ID: %v", err)
	}
	if v, ok := nid.Get(); !ok || v != 7 {
		t.Fatalf("local node-ID = %s, want 7", nid)
	}
}

// TestAttachValidation covers the rejection rules: double-add, self-add,
// node-ID mismatch and transfer-ID category mismatch. Each rejection must
// leave the group unchanged.
func TestAttachValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(rt *redundant.Transport) transport.Transport
		wantErr error
	}{
		{
			name: "double add",
			prepare: func(rt *redundant.Transport) transport.Transport {
				a := loopback.New(transport.NewNodeID(7))
				if err := rt.AttachInferior(a); err != nil {
					t.Fatalf("attach: %v", err)
				}
				return a
			},
			wantErr: redundant.ErrAlreadyInferior,
		},
		{
			name: "self attachment",
			prepare: func(rt *redundant.Transport) transport.Transport {
				return rt
			},
			wantErr: redundant.ErrSelfInferior,
		},
		{
			name: "node-ID mismatch",
			prepare: func(rt *redundant.Transport) transport.Transport {
				if err := rt.AttachInferior(loopback.New(transport.NewNodeID(7))); err != nil {
					t.Fatalf("attach: %v", err)
				}
				return loopback.New(transport.NewNodeID(8))
			},
			wantErr: redundant.ErrInconsistentInferiorConfiguration,
		},
		{
			name: "cyclic inferior joining a monotonic group",
			prepare: func(rt *redundant.Transport) transport.Transport {
				if err := rt.AttachInferior(loopback.New(transport.NewNodeID(7))); err != nil {
					t.Fatalf("attach: %v", err)
				}
				return loopback.New(transport.NewNodeID(7),
					loopback.WithProtocolParameters(cyclicParams))
			},
			wantErr: redundant.ErrInconsistentInferiorConfiguration,
		},
		{
			name: "cyclic inferior with a different modulus",
			prepare: func(rt *redundant.Transport) transport.Transport {
				if err := rt.AttachInferior(loopback.New(transport.NewNodeID(7),
					loopback.WithProtocolParameters(cyclicParams))); err != nil {
					t.Fatalf("attach: %v", err)
				}
				other := cyclicParams
				other.TransferIDModulo = 64
				return loopback.New(transport.NewNodeID(7),
					loopback.WithProtocolParameters(other))
			},
			wantErr: redundant.ErrInconsistentInferiorConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rt := redundant.New()
			defer rt.Close()
			candidate := tt.prepare(rt)
			before := len(rt.Inferiors())
			err := rt.AttachInferior(candidate)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AttachInferior error = %v, want %v", err, tt.wantErr)
			}
			if got := len(rt.Inferiors()); got != before {
				t.Fatalf("group grew from %d to %d on rejected attach", before, got)
			}
		})
	}
}

// TestSessionMatrixConsistency verifies that every redundant session always
// holds one inferior session per attached transport, through attach, detach
// and session creation in either order.
func TestSessionMatrixConsistency(t *testing.T) {
	t.Parallel()

	rt := redundant.New()
	defer rt.Close()

	out, err := rt.GetOutputSession(messageSpec(2345), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get output session: %v", err)
	}
	ros := out.(*redundant.OutputSession)
	if n := len(ros.Inferiors()); n != 0 {
		t.Fatalf("inferior sessions = %d, want 0", n)
	}

	a := loopback.New(transport.NewNodeID(42))
	if err := rt.AttachInferior(a); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if n := len(ros.Inferiors()); n != 1 {
		t.Fatalf("inferior sessions after first attach = %d, want 1", n)
	}

	b := loopback.New(transport.NewNodeID(42))
	if err := rt.AttachInferior(b); err != nil {
		t.Fatalf("attach b: %v", err)
	}
	if n := len(ros.Inferiors()); n != 2 {
		t.Fatalf("inferior sessions after second attach = %d, want 2", n)
	}

	// A session created after the attachments starts fully populated.
	in, err := rt.GetInputSession(inputSpec(2345), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}
	ris := in.(*redundant.InputSession)
	if n := len(ris.Inferiors()); n != 2 {
		t.Fatalf("input inferior sessions = %d, want 2", n)
	}

	if err := rt.DetachInferior(a); err != nil {
		t.Fatalf("detach a: %v", err)
	}
	if n := len(ros.Inferiors()); n != 1 {
		t.Fatalf("inferior sessions after detach = %d, want 1", n)
	}
	if n := len(ris.Inferiors()); n != 1 {
		t.Fatalf("input inferior sessions after detach = %d, want 1", n)
	}
}

// TestAttachDetachPreservesSessions reproduces the end-to-end scenario: a
// transfer sent before and after detaching an inferior is received exactly
// once each time by a subscriber session on the same group.
func TestAttachDetachPreservesSessions(t *testing.T) {
	t.Parallel()

	rt := redundant.New()
	defer rt.Close()

	out, err := rt.GetOutputSession(messageSpec(2345), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get output session: %v", err)
	}
	in, err := rt.GetInputSession(inputSpec(2345), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}

	a := loopback.New(transport.NewNodeID(42))
	b := loopback.New(transport.NewNodeID(42))
	if err := rt.AttachInferior(a); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if err := rt.AttachInferior(b); err != nil {
		t.Fatalf("attach b: %v", err)
	}

	send := func(tid uint64) {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ok, err := out.Send(ctx, &transport.Transfer{
			Timestamp:         time.Now(),
			Priority:          transport.PriorityNominal,
			TransferID:        tid,
			FragmentedPayload: [][]byte{{0xDE, 0xAD}},
		})
		if err != nil {
			t.Fatalf("send %d: %v", tid, err)
		}
		if !ok {
			t.Fatalf("send %d timed out", tid)
		}
	}
	receive := func(wantTID uint64) {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tr, err := in.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if tr == nil {
			t.Fatalf("receive timed out waiting for transfer-ID %d", wantTID)
		}
		if tr.TransferID != wantTID {
			t.Fatalf("received transfer-ID %d, want %d", tr.TransferID, wantTID)
		}
	}

	send(1111)
	receive(1111)

	if err := rt.DetachInferior(a); err != nil {
		t.Fatalf("detach a: %v", err)
	}
	send(1112)
	receive(1112)

	// The duplicate copies from the second inferior must not surface.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if tr, err := in.Receive(ctx); err != nil || tr != nil {
		t.Fatalf("unexpected extra transfer %+v (err %v)", tr, err)
	}
}

// TestCloseIsIdempotentAndCompletes verifies that closing the group closes
// its sessions and inferiors and that a second close is a no-op.
func TestCloseIsIdempotentAndCompletes(t *testing.T) {
	t.Parallel()

	rt := redundant.New()
	a := loopback.New(transport.NewNodeID(9))
	if err := rt.AttachInferior(a); err != nil {
		t.Fatalf("attach: %v", err)
	}
	in, err := rt.GetInputSession(inputSpec(100), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if got := len(rt.Inferiors()); got != 0 {
		t.Fatalf("inferiors after close = %d, want 0", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := in.Receive(ctx); !errors.Is(err, transport.ErrResourceClosed) {
		t.Fatalf("receive after close error = %v, want ErrResourceClosed", err)
	}
}

// TestSpoof verifies the concurrent spoof fan-out: logical AND across
// inferiors, false with none.
func TestSpoof(t *testing.T) {
	t.Parallel()

	rt := redundant.New()
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	alien := transport.AlienTransfer{
		Metadata: transport.AlienTransferMetadata{
			Priority:   transport.PriorityHigh,
			TransferID: 5,
			Session: transport.AlienSessionSpecifier{
				Source: transport.NewNodeID(10),
				Data:   transport.MessageDataSpecifier{Subject: 77},
			},
		},
		FragmentedPayload: [][]byte{{1, 2, 3}},
	}

	if ok, err := rt.Spoof(ctx, alien); err != nil || ok {
		t.Fatalf("spoof with no inferiors = (%v, %v), want (false, nil)", ok, err)
	}

	a := loopback.New(transport.NewNodeID(9))
	b := loopback.New(transport.NewNodeID(9))
	for _, tr := range []transport.Transport{a, b} {
		if err := rt.AttachInferior(tr); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	if ok, err := rt.Spoof(ctx, alien); err != nil || !ok {
		t.Fatalf("spoof = (%v, %v), want (true, nil)", ok, err)
	}
}
