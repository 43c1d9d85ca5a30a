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

// TestTransferIDTimeoutPropagation verifies that the redundant input session
// reports the maximum timeout across inferiors, propagates assignment to all
// of them, and hands the current value to newly attached inferiors.
func TestTransferIDTimeoutPropagation(t *testing.T) {
	t.Parallel()

	rt := redundant.New()
	defer rt.Close()

	in, err := rt.GetInputSession(inputSpec(500), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}
	if got := in.TransferIDTimeout(); got != 0 {
		t.Fatalf("empty-group transfer-ID timeout = %v, want 0", got)
	}

	a := loopback.New(transport.NewNodeID(3))
	if err := rt.AttachInferior(a); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if got := in.TransferIDTimeout(); got != loopback.DefaultTransferIDTimeout {
		t.Fatalf("transfer-ID timeout = %v, want inferior default %v",
			got, loopback.DefaultTransferIDTimeout)
	}

	if err := in.SetTransferIDTimeout(5 * time.Second); err != nil {
		t.Fatalf("set transfer-ID timeout: %v", err)
	}

	// A newly attached inferior inherits the current value.
	b := loopback.New(transport.NewNodeID(3))
	if err := rt.AttachInferior(b); err != nil {
		t.Fatalf("attach b: %v", err)
	}
	bIn, err := b.GetInputSession(inputSpec(500), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get inferior session: %v", err)
	}
	if got := bIn.TransferIDTimeout(); got != 5*time.Second {
		t.Fatalf("new inferior transfer-ID timeout = %v, want 5s", got)
	}

	if err := in.SetTransferIDTimeout(0); !errors.Is(err, transport.ErrInvalidTransferIDTimeout) {
		t.Fatalf("set zero timeout error = %v, want ErrInvalidTransferIDTimeout", err)
	}
}

// TestOutputSessionIdleSend verifies that a send issued against an empty
// group succeeds if an inferior is attached before the deadline, and fails
// with a timeout otherwise.
func TestOutputSessionIdleSend(t *testing.T) {
	t.Parallel()

	t.Run("inferior attached in time", func(t *testing.T) {
		t.Parallel()
		rt := redundant.New()
		defer rt.Close()
		out, err := rt.GetOutputSession(messageSpec(600), transport.PayloadMetadata{ExtentBytes: 8})
		if err != nil {
			t.Fatalf("get output session: %v", err)
		}

		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = rt.AttachInferior(loopback.New(transport.NewNodeID(1)))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, err := out.Send(ctx, &transport.Transfer{
			Timestamp:         time.Now(),
			Priority:          transport.PriorityNominal,
			TransferID:        0,
			FragmentedPayload: [][]byte{{1}},
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if !ok {
			t.Fatal("send against a group populated before the deadline timed out")
		}
	})

	t.Run("no inferior before the deadline", func(t *testing.T) {
		t.Parallel()
		rt := redundant.New()
		defer rt.Close()
		out, err := rt.GetOutputSession(messageSpec(601), transport.PayloadMetadata{ExtentBytes: 8})
		if err != nil {
			t.Fatalf("get output session: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		ok, err := out.Send(ctx, &transport.Transfer{
			Timestamp:         time.Now(),
			Priority:          transport.PriorityNominal,
			TransferID:        0,
			FragmentedPayload: [][]byte{{1}},
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if ok {
			t.Fatal("send against an empty group reported success")
		}
	})
}

// TestOutputSessionFeedback verifies the per-inferior feedback wrapping and
// that disabling is effective.
func TestOutputSessionFeedback(t *testing.T) {
	t.Parallel()

	rt := redundant.New()
	defer rt.Close()

	a := loopback.New(transport.NewNodeID(2))
	b := loopback.New(transport.NewNodeID(2))
	for _, tr := range []transport.Transport{a, b} {
		if err := rt.AttachInferior(tr); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	out, err := rt.GetOutputSession(messageSpec(700), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get output session: %v", err)
	}

	feedbackCh := make(chan transport.Feedback, 8)
	if err := out.EnableFeedback(func(fb transport.Feedback) {
		feedbackCh <- fb
	}); err != nil {
		t.Fatalf("enable feedback: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if ok, err := out.Send(ctx, &transport.Transfer{
		Timestamp:         time.Now(),
		Priority:          transport.PriorityNominal,
		TransferID:        1,
		FragmentedPayload: [][]byte{{2}},
	}); err != nil || !ok {
		t.Fatalf("send = (%v, %v), want (true, nil)", ok, err)
	}

	// One feedback entry per inferior session.
	for i := range 2 {
		select {
		case fb := <-feedbackCh:
			rfb, ok := fb.(*redundant.Feedback)
			if !ok {
				t.Fatalf("feedback %d is %T, want *redundant.Feedback", i, fb)
			}
			if rfb.InferiorSession() == nil {
				t.Fatalf("feedback %d carries no inferior session", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("feedback entry %d not delivered", i)
		}
	}

	if err := out.DisableFeedback(); err != nil {
		t.Fatalf("disable feedback: %v", err)
	}
	if ok, err := out.Send(ctx, &transport.Transfer{
		Timestamp:         time.Now(),
		Priority:          transport.PriorityNominal,
		TransferID:        2,
		FragmentedPayload: [][]byte{{3}},
	}); err != nil || !ok {
		t.Fatalf("send = (%v, %v), want (true, nil)", ok, err)
	}
	select {
	case fb := <-feedbackCh:
		t.Fatalf("feedback %+v delivered after disable", fb)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestInputSessionStatistics verifies that accepted transfers and duplicate
// drops are reflected in the session statistics.
func TestInputSessionStatistics(t *testing.T) {
	t.Parallel()

	rt := redundant.New()
	defer rt.Close()

	out, err := rt.GetOutputSession(messageSpec(800), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get output session: %v", err)
	}
	in, err := rt.GetInputSession(inputSpec(800), transport.PayloadMetadata{ExtentBytes: 8})
	if err != nil {
		t.Fatalf("get input session: %v", err)
	}
	ris := in.(*redundant.InputSession)

	for _, tr := range []transport.Transport{
		loopback.New(transport.NewNodeID(5)),
		loopback.New(transport.NewNodeID(5)),
	} {
		if err := rt.AttachInferior(tr); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if ok, err := out.Send(ctx, &transport.Transfer{
		Timestamp:         time.Now(),
		Priority:          transport.PriorityNominal,
		TransferID:        0,
		FragmentedPayload: [][]byte{{1, 2, 3, 4}},
	}); err != nil || !ok {
		t.Fatalf("send = (%v, %v), want (true, nil)", ok, err)
	}
	if tr, err := in.Receive(ctx); err != nil || tr == nil {
		t.Fatalf("receive = (%+v, %v), want transfer", tr, err)
	}

	// Both inferiors looped the transfer back; exactly one copy must have
	// been accepted. The duplicate is dropped asynchronously, so poll.
	deadline := time.Now().Add(time.Second)
	for {
		st := ris.SampleStatisticsRedundant()
		if st.Transfers == 1 && st.PayloadBytes == 4 && len(st.Inferiors) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("statistics did not converge: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
