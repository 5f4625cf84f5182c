package consensus

import "github.com/pkg/errors"

// EntryState is the agreement phase of one log entry.
type EntryState int

const (
	EntryIdle EntryState = iota
	EntryPrePrepared
	EntryPrepared
	EntryCommitted
	EntryExecuted
)

func (s EntryState) String() string {
	switch s {
	case EntryIdle:
		return "idle"
	case EntryPrePrepared:
		return "pre-prepared"
	case EntryPrepared:
		return "prepared"
	case EntryCommitted:
		return "committed"
	case EntryExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

// entryTransitions lists the only legal successor of every state.
var entryTransitions = map[EntryState]EntryState{
	EntryIdle:        EntryPrePrepared,
	EntryPrePrepared: EntryPrepared,
	EntryPrepared:    EntryCommitted,
	EntryCommitted:   EntryExecuted,
}

// Entry is the log record of one slot. It is mutated in place as
// certificates accumulate.
type Entry struct {
	Slot         Slot
	State        EntryState
	PrePrepare   *PrePrepare
	Prepared     *PreparedCert
	CommitVoters []NodeID
	Result       []byte
	ResultDigest Digest

	sentPrepare bool
	sentCommit  bool
}

// Digest returns the accepted digest, or ZeroDigest before pre-prepare.
func (e *Entry) Digest() Digest {
	if e.PrePrepare == nil {
		return ZeroDigest
	}
	return e.PrePrepare.Digest
}

// Request returns the accepted request.
func (e *Entry) Request() Request {
	if e.PrePrepare == nil {
		return Request{}
	}
	return e.PrePrepare.Request
}

// advance moves the entry to next if the transition table allows it.
func (e *Entry) advance(next EntryState) error {
	if want, ok := entryTransitions[e.State]; !ok || want != next {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s at %s", e.State, next, e.Slot)
	}
	e.State = next
	return nil
}
