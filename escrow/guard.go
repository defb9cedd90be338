package escrow

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/ledger"
)

// StatusSource reads the current status of a transaction.
type StatusSource interface {
	GetStatus(ctx context.Context, id string) (Status, error)
}

// RejectionRecorder receives best-effort audit entries for rejected
// transitions. Failures inside the recorder never reach the Guard's caller.
type RejectionRecorder interface {
	Record(e ledger.Entry)
}

// Guard validates proposed transitions against the transition table. It
// performs no writes to the transaction itself: callers close the
// check-then-act window with the store's own conditional writes.
type Guard struct {
	store    StatusSource
	rejected RejectionRecorder
}

func NewGuard(store StatusSource, rejected RejectionRecorder) *Guard {
	return &Guard{store: store, rejected: rejected}
}

// AssertTransition checks current -> target for the transaction. A missing
// row fails with ErrNotFound; a terminal current status or a pair absent
// from the table fails with a TransitionError wrapping ErrStateConflict,
// and the rejection is logged to the audit ledger best-effort.
func (g *Guard) AssertTransition(ctx context.Context, id string, target Status, actor ledger.Actor, actorID string) error {
	current, err := g.store.GetStatus(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("escrow: guard read status: %w", err)
	}

	if CanTransition(current, target) {
		return nil
	}

	if g.rejected != nil {
		g.rejected.Record(ledger.Entry{
			TransactionID: id,
			EventType:     ledger.EventTransitionRejected,
			Actor:         actor,
			ActorID:       actorID,
			StatusBefore:  string(current),
			StatusAfter:   string(target),
			Metadata:      map[string]any{"terminal": current.Terminal()},
		})
	}

	return &TransitionError{TransactionID: id, From: current, To: target}
}
