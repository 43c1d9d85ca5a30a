package redundant

import (
	"errors"

	"github.com/dantte-lp/gocyphal/internal/transport"
)

// Sentinel errors of the redundant transport.
var (
	// ErrInconsistentInferiorConfiguration indicates the configuration of an
	// inferior is not compatible with the rest of the redundant group.
	ErrInconsistentInferiorConfiguration = errors.New("inconsistent inferior configuration")

	// ErrAlreadyInferior indicates the transport is already a member of the
	// group.
	ErrAlreadyInferior = errors.New("transport is already an inferior of this group")

	// ErrSelfInferior indicates an attempt to attach a redundant transport
	// as its own inferior.
	ErrSelfInferior = errors.New("a redundant transport cannot be an inferior of itself")

	// ErrNotInferior indicates the transport is not a member of the group.
	ErrNotInferior = errors.New("transport is not an inferior of this group")
)

// redundantSession is the private contract between the redundant transport
// and its composite sessions: column operations on the session matrix.
type redundantSession interface {
	// addInferior appends the inferior session as the last column entry.
	// The concrete session type must match (input to input, output to
	// output). An error leaves the row unchanged.
	addInferior(s transport.Session, ifaceID uint64) error

	// closeInferior removes and closes the column entry at the given index.
	// Out-of-range indexes have no effect.
	closeInferior(index int)

	// inferiorCount returns the current number of column entries.
	inferiorCount() int

	// Close finalizes the whole row.
	Close() error
}

// SessionStatistics extends the session counters with per-inferior
// snapshots, ordered to match the inferior list.
type SessionStatistics struct {
	transport.SessionStatistics

	// Inferiors holds the statistics of each inferior session. The frame
	// and drop totals of the composite are sums over this list and are
	// invalidated when the set of inferiors changes.
	Inferiors []transport.SessionStatistics
}
