// Package release drives the automated payout of escrow transactions whose
// hold window has elapsed. Multiple replicas may run concurrently: the
// database claim is the only coordination between them.
package release

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
)

// Claimer is the transaction store surface the releaser needs.
type Claimer interface {
	ClaimDueForRelease(ctx context.Context, limit int) ([]escrow.ClaimedTransaction, error)
	FinalizeRelease(ctx context.Context, id string) (escrow.Transaction, error)
	RevertToPaid(ctx context.Context, id string) error
}

// Recorder accepts best-effort audit entries.
type Recorder interface {
	Record(e ledger.Entry)
}

// PartnerCounter bumps a payee's completed-transaction counter.
type PartnerCounter interface {
	IncrementCompleted(ctx context.Context, id string) error
}

// Config bounds one batch pass.
type Config struct {
	BatchSize   int
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Stats summarizes one batch pass.
type Stats struct {
	Claimed  int
	Released int
	Reverted int
}

// Releaser captures and pays out claimed transactions. Each transaction is
// processed independently: one failing payout never blocks its siblings.
type Releaser struct {
	store    Claimer
	gateway  gateway.Adapter
	recorder Recorder
	partners PartnerCounter
	cfg      Config
	logger   *slog.Logger
}

func NewReleaser(store Claimer, gw gateway.Adapter, recorder Recorder, partners PartnerCounter, cfg Config) *Releaser {
	return &Releaser{
		store:    store,
		gateway:  gw,
		recorder: recorder,
		partners: partners,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
	}
}

// RunOnce claims one batch of due transactions and processes it. The claim
// commits before any gateway call; a crash mid-batch leaves rows in
// releasing for the reaper to return.
func (r *Releaser) RunOnce(ctx context.Context) (Stats, error) {
	batch, err := r.store.ClaimDueForRelease(ctx, r.cfg.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("release: claim batch: %w", err)
	}
	if len(batch) == 0 {
		return Stats{}, nil
	}
	batchesClaimed.Add(float64(len(batch)))

	var released, reverted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, txn := range batch {
		txn := txn
		g.Go(func() error {
			if r.releaseOne(gctx, txn) {
				released.Add(1)
			} else {
				reverted.Add(1)
			}
			return nil
		})
	}
	// Goroutines never return errors; Wait only orders completion.
	_ = g.Wait()

	stats := Stats{
		Claimed:  len(batch),
		Released: int(released.Load()),
		Reverted: int(reverted.Load()),
	}
	r.logger.Info("release batch done",
		"claimed", stats.Claimed, "released", stats.Released, "reverted", stats.Reverted)
	return stats, nil
}

func (r *Releaser) releaseOne(ctx context.Context, txn escrow.ClaimedTransaction) bool {
	if txn.GatewayRef == nil {
		r.logger.Error("claimed transaction has no gateway reference", "transaction_id", txn.ID)
		r.revert(ctx, txn, "missing_gateway_ref")
		return false
	}

	// The transaction id doubles as the capture idempotency key, so a
	// revert-and-retry cannot double-charge.
	if err := r.gateway.Capture(ctx, *txn.GatewayRef, txn.ID); err != nil {
		r.logger.Error("capture failed", "transaction_id", txn.ID, "error", err)
		r.revert(ctx, txn, "capture")
		return false
	}

	if err := r.gateway.Transfer(ctx, txn.PayoutCents, txn.PayeeAccountRef, txn.ID+"-payout"); err != nil {
		r.logger.Error("payout transfer failed", "transaction_id", txn.ID, "error", err)
		r.revert(ctx, txn, "transfer")
		return false
	}

	if _, err := r.store.FinalizeRelease(ctx, txn.ID); err != nil {
		// The money moved; leave the releasing claim in place rather than
		// inviting a second capture. The reaper resolves it later, and the
		// idempotency keys make the replayed gateway calls no-ops.
		r.logger.Error("finalize failed after successful payout",
			"transaction_id", txn.ID, "error", err)
		releaseFailures.WithLabelValues("finalize").Inc()
		return false
	}

	r.recorder.Record(ledger.Entry{
		TransactionID: txn.ID,
		EventType:     ledger.EventReleased,
		Actor:         ledger.ActorSystem,
		StatusBefore:  string(escrow.StatusReleasing),
		StatusAfter:   string(escrow.StatusReleased),
		AmountCents:   txn.AmountTotalCents,
		Metadata: map[string]any{
			"payout_cents":     txn.PayoutCents,
			"commission_cents": txn.CommissionCents,
		},
	})

	if err := r.partners.IncrementCompleted(ctx, txn.PayeeID); err != nil {
		r.logger.Error("loyalty counter bump failed", "payee_id", txn.PayeeID, "error", err)
	}

	releasesTotal.Inc()
	return true
}

func (r *Releaser) revert(ctx context.Context, txn escrow.ClaimedTransaction, stage string) {
	releaseFailures.WithLabelValues(stage).Inc()
	if err := r.store.RevertToPaid(ctx, txn.ID); err != nil {
		r.logger.Error("revert to paid failed, reaper will recover",
			"transaction_id", txn.ID, "error", err)
		return
	}
	r.recorder.Record(ledger.Entry{
		TransactionID: txn.ID,
		EventType:     ledger.EventReleaseFailed,
		Actor:         ledger.ActorSystem,
		StatusBefore:  string(escrow.StatusReleasing),
		StatusAfter:   string(escrow.StatusPaid),
		Metadata:      map[string]any{"stage": stage},
	})
}
