package escrow

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an escrow transaction. Only the
// repository's conditional writes ever change it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusReleasing Status = "releasing"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
	StatusResolving Status = "resolving"
	StatusCancelled Status = "cancelled"
)

// transitions is the single source of truth for valid status moves. The
// releasing->paid and resolving->disputed edges are the compensating
// transitions taken when a gateway call fails after a claim.
var transitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusReleasing, StatusDisputed},
	StatusReleasing: {StatusReleased, StatusPaid},
	StatusDisputed:  {StatusResolving},
	StatusResolving: {StatusReleased, StatusRefunded, StatusDisputed},
	StatusReleased:  {},
	StatusRefunded:  {},
	StatusCancelled: {},
}

// Terminal reports whether no further transition out of s is ever valid.
func (s Status) Terminal() bool {
	allowed, ok := transitions[s]
	return ok && len(allowed) == 0
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrStateConflict is the sentinel behind every invalid-transition error,
// including attempts to leave a terminal state.
var ErrStateConflict = errors.New("escrow: state conflict")

// TransitionError reports a rejected (from, to) pair.
type TransitionError struct {
	TransactionID string
	From          Status
	To            Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("escrow: invalid transition %s -> %s for transaction %s", e.From, e.To, e.TransactionID)
}

func (e *TransitionError) Unwrap() error { return ErrStateConflict }
