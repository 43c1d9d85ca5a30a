package redundant

import (
	"time"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// MonotonicTransferIDModuloThreshold splits transports into two categories.
// An inferior whose transfer-ID modulo is below this value overflows its
// counters routinely during operation ("cyclic"); at or above it, the
// counter is not expected to overflow for centuries ("monotonic"). The two
// categories require different deduplication strategies and cannot be mixed
// within one redundant group.
const MonotonicTransferIDModuloThreshold = uint64(1) << 48

// Deduplicator decides whether an incoming transfer is fresh or a duplicate
// received via another redundant interface. It never fails; it only answers.
// The decision is idempotent in time for a given (iface-id, timestamp,
// source, transfer-ID) tuple.
//
// The iface-id is an arbitrary integer unique within the redundant group
// identifying the interface the transfer arrived on; see
// transport.NextIfaceID.
type Deduplicator interface {
	ShouldAcceptTransfer(
		ifaceID uint64,
		transferIDTimeout time.Duration,
		timestamp time.Time,
		sourceNodeID transport.NodeID,
		transferID uint64,
	) bool
}

// NewDeduplicator picks the strategy by the transfer-ID modulo of the
// transport: monotonic at or above MonotonicTransferIDModuloThreshold,
// cyclic below it.
func NewDeduplicator(transferIDModulo uint64) Deduplicator {
	if transferIDModulo >= MonotonicTransferIDModuloThreshold {
		return newMonotonicDeduplicator()
	}
	return newCyclicDeduplicator(transferIDModulo)
}

// -------------------------------------------------------------------------
// Monotonic Strategy
// -------------------------------------------------------------------------

// monotonicRemoteState tracks the highest accepted transfer-ID per source.
// The iface-id is recorded for diagnostics only; it does not affect the
// accept decision, which is what gives the monotonic strategy instant
// fail-over: the first arrival across any inferior wins.
type monotonicRemoteState struct {
	lastTransferID uint64
	lastTimestamp  time.Time
	lastIfaceID    uint64
}

type monotonicDeduplicator struct {
	remotes map[uint16]*monotonicRemoteState
}

func newMonotonicDeduplicator() *monotonicDeduplicator {
	return &monotonicDeduplicator{remotes: make(map[uint16]*monotonicRemoteState)}
}

func (d *monotonicDeduplicator) ShouldAcceptTransfer(
	ifaceID uint64,
	transferIDTimeout time.Duration,
	timestamp time.Time,
	sourceNodeID transport.NodeID,
	transferID uint64,
) bool {
	src, ok := sourceNodeID.Get()
	if !ok {
		// Anonymous transfers carry no usable per-source state.
		return true
	}
	st, ok := d.remotes[src]
	if !ok {
		d.remotes[src] = &monotonicRemoteState{
			lastTransferID: transferID,
			lastTimestamp:  timestamp,
			lastIfaceID:    ifaceID,
		}
		return true
	}
	// A long silence is treated as a remote node restart: the counter state
	// is no longer trustworthy and is reset.
	restarted := timestamp.Sub(st.lastTimestamp) > transferIDTimeout
	if transferID > st.lastTransferID || restarted {
		st.lastTransferID = transferID
		st.lastTimestamp = timestamp
		st.lastIfaceID = ifaceID
		return true
	}
	return false
}

// -------------------------------------------------------------------------
// Cyclic Strategy
// -------------------------------------------------------------------------

// cyclicRemoteState tracks the selected interface per source. Comparing
// wrapping transfer-ID values across lagged inferiors is unreliable, so the
// cyclic strategy instead sticks to one interface and only fails over after
// the transfer-ID timeout elapses without traffic from the selected one.
// This avoids false duplicate-detection at the cost of fail-over being no
// faster than the transfer-ID timeout.
type cyclicRemoteState struct {
	ifaceID        uint64
	lastTimestamp  time.Time
	lastTransferID uint64
}

type cyclicDeduplicator struct {
	transferIDModulo uint64
	remotes          map[uint16]*cyclicRemoteState
}

func newCyclicDeduplicator(transferIDModulo uint64) *cyclicDeduplicator {
	return &cyclicDeduplicator{
		transferIDModulo: transferIDModulo,
		remotes:          make(map[uint16]*cyclicRemoteState),
	}
}

func (d *cyclicDeduplicator) ShouldAcceptTransfer(
	ifaceID uint64,
	transferIDTimeout time.Duration,
	timestamp time.Time,
	sourceNodeID transport.NodeID,
	transferID uint64,
) bool {
	src, ok := sourceNodeID.Get()
	if !ok {
		// Anonymous transfers cannot be tracked; accept unconditionally.
		return true
	}
	st, ok := d.remotes[src]
	if !ok {
		d.remotes[src] = &cyclicRemoteState{
			ifaceID:        ifaceID,
			lastTimestamp:  timestamp,
			lastTransferID: transferID,
		}
		return true
	}
	if st.ifaceID == ifaceID {
		// The selected interface is accepted unconditionally; transfer-wise
		// deduplication on one link is the inferior's own job.
		st.lastTimestamp = timestamp
		st.lastTransferID = transferID
		return true
	}
	if timestamp.Sub(st.lastTimestamp) > transferIDTimeout {
		// The selected interface went silent; switch over. Selection churn
		// on disturbed networks is expected.
		st.ifaceID = ifaceID
		st.lastTimestamp = timestamp
		st.lastTransferID = transferID
		return true
	}
	return false
}
