package release

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"escrowflow/escrow"
	"escrowflow/ledger"
)

// StuckClaimStore returns claims whose worker died mid-release.
type StuckClaimStore interface {
	ReapStuckClaims(ctx context.Context, olderThan time.Duration) ([]escrow.ReapedClaim, error)
}

// Reaper returns transactions stuck in releasing or resolving to their
// retryable status. A claim is considered stuck once it is older than the
// threshold; live workers finish far sooner than that.
type Reaper struct {
	store     StuckClaimStore
	recorder  Recorder
	olderThan time.Duration
	logger    *slog.Logger
}

func NewReaper(store StuckClaimStore, recorder Recorder, olderThan time.Duration) *Reaper {
	if olderThan <= 0 {
		olderThan = 10 * time.Minute
	}
	return &Reaper{
		store:     store,
		recorder:  recorder,
		olderThan: olderThan,
		logger:    slog.Default(),
	}
}

func (r *Reaper) RunOnce(ctx context.Context) (Stats, error) {
	reaped, err := r.store.ReapStuckClaims(ctx, r.olderThan)
	if err != nil {
		return Stats{}, fmt.Errorf("release: reap stuck claims: %w", err)
	}
	for _, c := range reaped {
		after := escrow.StatusPaid
		if c.From == escrow.StatusResolving {
			after = escrow.StatusDisputed
		}
		r.recorder.Record(ledger.Entry{
			TransactionID: c.ID,
			EventType:     ledger.EventClaimReaped,
			Actor:         ledger.ActorSystem,
			StatusBefore:  string(c.From),
			StatusAfter:   string(after),
		})
	}
	if len(reaped) > 0 {
		claimsReaped.Add(float64(len(reaped)))
		r.logger.Warn("stuck claims returned", "count", len(reaped), "older_than", r.olderThan)
	}
	return Stats{Reverted: len(reaped)}, nil
}
