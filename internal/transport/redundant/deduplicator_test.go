package redundant_test

import (
	"testing"
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
	"github.com/dantte-lp/gocyphal/internal/transport/redundant"
)

const tidTimeout = 2 * time.Second

// step is one deduplicator invocation with its expected verdict.
type step struct {
	name    string
	ifaceID uint64
	atMs    int64 // Timestamp offset from the test epoch, milliseconds.
	source  transport.NodeID
	tid     uint64
	want    bool
}

func runSteps(t *testing.T, d redundant.Deduplicator, steps []step) {
	t.Helper()
	epoch := time.Unix(1000, 0)
	for _, s := range steps {
		got := d.ShouldAcceptTransfer(
			s.ifaceID, tidTimeout, epoch.Add(time.Duration(s.atMs)*time.Millisecond), s.source, s.tid,
		)
		if got != s.want {
			t.Errorf("%s: ShouldAcceptTransfer = %v, want %v", s.name, got, s.want)
		}
	}
}

// TestNewDeduplicatorStrategySelection verifies the 2^48 threshold.
func TestNewDeduplicatorStrategySelection(t *testing.T) {
	t.Parallel()

	// Below the threshold the strategy must be cyclic: a non-selected iface
	// is rejected even for a fresh transfer-ID.
	cyclic := redundant.NewDeduplicator(32)
	runSteps(t, cyclic, []step{
		{"seed", 1, 0, transport.NewNodeID(7), 0, true},
		{"other iface rejected", 2, 10, transport.NewNodeID(7), 1, false},
	})

	// At the threshold the strategy must be monotonic: a greater
	// transfer-ID is accepted regardless of the iface.
	monotonic := redundant.NewDeduplicator(redundant.MonotonicTransferIDModuloThreshold)
	runSteps(t, monotonic, []step{
		{"seed", 1, 0, transport.NewNodeID(7), 0, true},
		{"other iface accepted", 2, 10, transport.NewNodeID(7), 1, true},
	})
}

// TestMonotonicDeduplicator covers the accept rules of the monotonic
// strategy: new source, strictly increasing transfer-ID, restart timeout,
// and instant fail-over across interfaces.
func TestMonotonicDeduplicator(t *testing.T) {
	t.Parallel()

	src := transport.NewNodeID(42)
	other := transport.NewNodeID(43)

	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "new source accepted",
			steps: []step{
				{"first from 42", 1, 0, src, 100, true},
				{"first from 43", 1, 0, other, 100, true},
			},
		},
		{
			name: "strictly greater accepted, repeats rejected",
			steps: []step{
				{"seed", 1, 0, src, 5, true},
				{"same tid", 1, 10, src, 5, false},
				{"lower tid", 1, 20, src, 4, false},
				{"greater tid", 1, 30, src, 6, true},
			},
		},
		{
			name: "instant fail-over: first arrival across any iface wins",
			steps: []step{
				{"iface 1 seeds", 1, 0, src, 10, true},
				{"iface 2 arrives first with next tid", 2, 5, src, 11, true},
				{"late copy on iface 1 rejected", 1, 8, src, 11, false},
			},
		},
		{
			name: "silence beyond timeout treated as remote restart",
			steps: []step{
				{"seed", 1, 0, src, 1000, true},
				{"restarted node, lower tid", 1, 2500, src, 3, true},
				{"duplicate after restart", 1, 2510, src, 3, false},
			},
		},
		{
			name: "anonymous always accepted",
			steps: []step{
				{"anon 1", 1, 0, transport.NodeID{}, 7, true},
				{"anon repeat", 2, 1, transport.NodeID{}, 7, true},
			},
		},
		{
			name: "sources are independent",
			steps: []step{
				{"seed 42", 1, 0, src, 50, true},
				{"seed 43 with lower tid", 1, 1, other, 10, true},
				{"42 continues", 1, 2, src, 51, true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := redundant.NewDeduplicator(transport.MaxTransferIDModulo)
			runSteps(t, d, tt.steps)
		})
	}
}

// TestCyclicDeduplicator covers the accept rules of the cyclic strategy:
// sticky interface selection with fail-over no faster than the transfer-ID
// timeout.
func TestCyclicDeduplicator(t *testing.T) {
	t.Parallel()

	src := transport.NewNodeID(42)

	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "selected iface accepted unconditionally",
			steps: []step{
				{"seed selects iface 1", 1, 0, src, 0, true},
				{"wraparound on selected iface", 1, 100, src, 31, true},
				{"repeat tid on selected iface", 1, 200, src, 31, true},
			},
		},
		{
			name: "non-selected iface rejected before timeout",
			steps: []step{
				{"seed selects iface 1", 1, 0, src, 0, true},
				{"iface 2 duplicate", 2, 50, src, 0, false},
				{"iface 2 next tid still rejected", 2, 100, src, 1, false},
			},
		},
		{
			name: "fail-over after the selected iface goes silent",
			steps: []step{
				{"seed selects iface 1", 1, 0, src, 0, true},
				{"iface 2 before timeout", 2, 1999, src, 1, false},
				{"iface 2 after timeout switches selection", 2, 2001, src, 2, true},
				{"iface 1 is now non-selected", 1, 2050, src, 3, false},
			},
		},
		{
			name: "anonymous always accepted",
			steps: []step{
				{"anon iface 1", 1, 0, transport.NodeID{}, 0, true},
				{"anon iface 2", 2, 1, transport.NodeID{}, 0, true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := redundant.NewDeduplicator(32)
			runSteps(t, d, tt.steps)
		})
	}
}
