package release

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
)

func claimedTxn(id string) escrow.ClaimedTransaction {
	ref := "hold_" + id
	return escrow.ClaimedTransaction{
		Transaction: escrow.Transaction{
			ID:               id,
			PayeeID:          "partner-1",
			GatewayRef:       &ref,
			AmountTotalCents: 10000,
			CommissionCents:  1000,
			PayoutCents:      9000,
			Status:           escrow.StatusReleasing,
		},
		PayeeAccountRef: "acct_1",
	}
}

func TestRunOnce_ReleasesBatch(t *testing.T) {
	store := newMemStore(claimedTxn("t-1"), claimedTxn("t-2"), claimedTxn("t-3"))
	gw := &fakeGateway{}
	rec := &memRecorder{}
	partners := &memPartners{}
	rel := NewReleaser(store, gw, rec, partners, Config{})

	stats, err := rel.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Claimed != 3 || stats.Released != 3 || stats.Reverted != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if n := store.finalizedCount(); n != 3 {
		t.Errorf("finalized = %d, want 3", n)
	}
	if got := partners.count("partner-1"); got != 3 {
		t.Errorf("loyalty increments = %d, want 3", got)
	}
	for _, e := range rec.all() {
		if e.EventType != ledger.EventReleased {
			t.Errorf("unexpected event %q", e.EventType)
		}
	}
}

func TestRunOnce_EmptyBatch(t *testing.T) {
	store := newMemStore()
	rel := NewReleaser(store, &fakeGateway{}, &memRecorder{}, &memPartners{}, Config{})

	stats, err := rel.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestRunOnce_CaptureFailureDoesNotBlockSiblings(t *testing.T) {
	store := newMemStore(claimedTxn("t-ok"), claimedTxn("t-bad"))
	gw := &fakeGateway{captureErr: map[string]error{"t-bad": errors.New("card expired")}}
	rec := &memRecorder{}
	rel := NewReleaser(store, gw, rec, &memPartners{}, Config{})

	stats, err := rel.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Released != 1 || stats.Reverted != 1 {
		t.Errorf("stats = %+v, want 1 released, 1 reverted", stats)
	}
	if !store.reverted("t-bad") {
		t.Errorf("t-bad must be reverted to paid")
	}
	if store.reverted("t-ok") {
		t.Errorf("t-ok must not be reverted")
	}
	if gw.transfers["t-bad-payout"] {
		t.Errorf("no transfer may follow a failed capture")
	}

	var failures int
	for _, e := range rec.all() {
		if e.EventType == ledger.EventReleaseFailed {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("release_failed entries = %d, want 1", failures)
	}
}

func TestRunOnce_TransferFailureReverts(t *testing.T) {
	store := newMemStore(claimedTxn("t-1"))
	gw := &fakeGateway{transferErr: errors.New("destination account closed")}
	rel := NewReleaser(store, gw, &memRecorder{}, &memPartners{}, Config{})

	stats, err := rel.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Reverted != 1 {
		t.Errorf("stats = %+v, want 1 reverted", stats)
	}
	if !store.reverted("t-1") {
		t.Errorf("expected revert")
	}
}

func TestRunOnce_FinalizeFailureKeepsClaim(t *testing.T) {
	store := newMemStore(claimedTxn("t-1"))
	store.finalizeErr = errors.New("connection reset")
	partners := &memPartners{}
	rel := NewReleaser(store, &fakeGateway{}, &memRecorder{}, partners, Config{})

	stats, err := rel.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Released != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if store.reverted("t-1") {
		t.Errorf("claim must stay in place after a post-payout finalize failure")
	}
	if partners.count("partner-1") != 0 {
		t.Errorf("loyalty counter must not move without a finalized release")
	}
}

func TestRunOnce_ConcurrentReplicasShareNothing(t *testing.T) {
	store := newMemStore(
		claimedTxn("t-1"), claimedTxn("t-2"), claimedTxn("t-3"),
		claimedTxn("t-4"), claimedTxn("t-5"), claimedTxn("t-6"),
	)
	gw := &fakeGateway{}
	rec := &memRecorder{}
	partners := &memPartners{}

	var wg sync.WaitGroup
	results := make([]Stats, 2)
	for i := 0; i < 2; i++ {
		i := i
		rel := NewReleaser(store, gw, rec, partners, Config{BatchSize: 4})
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := rel.RunOnce(context.Background())
			if err != nil {
				t.Errorf("replica %d: %v", i, err)
			}
			results[i] = stats
		}()
	}
	wg.Wait()

	totalReleased := results[0].Released + results[1].Released
	if totalReleased != 6 {
		t.Errorf("released = %d, want 6", totalReleased)
	}
	if n := store.finalizedCount(); n != 6 {
		t.Errorf("finalized = %d, want exactly 6; a row was processed twice", n)
	}
}

func TestScheduler_JitterBounds(t *testing.T) {
	s := NewScheduler(nil, time.Minute)
	for i := 0; i < 100; i++ {
		d := s.next()
		if d < 48*time.Second || d > 72*time.Second {
			t.Fatalf("next() = %v, want within [48s, 72s]", d)
		}
	}
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	rel := NewReleaser(newMemStore(), &fakeGateway{}, &memRecorder{}, &memPartners{}, Config{})
	s := NewScheduler(rel, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestReaper_RecordsReturnedClaims(t *testing.T) {
	store := &stubReapStore{reaped: []escrow.ReapedClaim{
		{ID: "t-1", From: escrow.StatusReleasing},
		{ID: "t-2", From: escrow.StatusResolving},
	}}
	recorder := &memRecorder{}
	reaper := NewReaper(store, recorder, time.Minute)

	stats, err := reaper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Reverted != 2 {
		t.Errorf("reverted = %d, want 2", stats.Reverted)
	}
	if store.olderThan != time.Minute {
		t.Errorf("olderThan = %v", store.olderThan)
	}

	entries := recorder.all()
	if len(entries) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.EventType != ledger.EventClaimReaped {
			t.Errorf("entry type = %q, want claim_reaped", e.EventType)
		}
	}
	if entries[0].StatusAfter != string(escrow.StatusPaid) {
		t.Errorf("releasing claim returned to %q, want paid", entries[0].StatusAfter)
	}
	if entries[1].StatusAfter != string(escrow.StatusDisputed) {
		t.Errorf("resolving claim returned to %q, want disputed", entries[1].StatusAfter)
	}
}

// --- fakes ---

// memStore hands each pending row out exactly once, mimicking the
// database's conditional claim.
type memStore struct {
	mu          sync.Mutex
	pending     []escrow.ClaimedTransaction
	finalized   map[string]int
	revertedIDs map[string]bool
	finalizeErr error
}

func newMemStore(txns ...escrow.ClaimedTransaction) *memStore {
	return &memStore{
		pending:     txns,
		finalized:   map[string]int{},
		revertedIDs: map[string]bool{},
	}
}

func (m *memStore) ClaimDueForRelease(ctx context.Context, limit int) ([]escrow.ClaimedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := limit
	if n > len(m.pending) {
		n = len(m.pending)
	}
	batch := m.pending[:n]
	m.pending = m.pending[n:]
	return batch, nil
}

func (m *memStore) FinalizeRelease(ctx context.Context, id string) (escrow.Transaction, error) {
	if m.finalizeErr != nil {
		return escrow.Transaction{}, m.finalizeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized[id]++
	return escrow.Transaction{ID: id, Status: escrow.StatusReleased}, nil
}

func (m *memStore) RevertToPaid(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revertedIDs[id] = true
	return nil
}

func (m *memStore) finalizedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.finalized {
		total += n
	}
	return total
}

func (m *memStore) reverted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revertedIDs[id]
}

type fakeGateway struct {
	mu          sync.Mutex
	captureErr  map[string]error
	transferErr error
	transfers   map[string]bool
}

func (f *fakeGateway) CreateHold(ctx context.Context, amountCents int64, currency string, md gateway.Metadata) (gateway.Hold, error) {
	return gateway.Hold{}, errors.New("not used")
}

func (f *fakeGateway) Capture(ctx context.Context, ref, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.captureErr[idempotencyKey]; err != nil {
		return err
	}
	return nil
}

func (f *fakeGateway) Cancel(ctx context.Context, ref string) error { return nil }

func (f *fakeGateway) Refund(ctx context.Context, ref, idempotencyKey string) error { return nil }

func (f *fakeGateway) Transfer(ctx context.Context, amountCents int64, destination, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return f.transferErr
	}
	if f.transfers == nil {
		f.transfers = map[string]bool{}
	}
	f.transfers[idempotencyKey] = true
	return nil
}

type memRecorder struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (m *memRecorder) Record(e ledger.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memRecorder) all() []ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

type memPartners struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *memPartners) IncrementCompleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[id]++
	return nil
}

func (m *memPartners) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[id]
}

type stubReapStore struct {
	reaped    []escrow.ReapedClaim
	olderThan time.Duration
}

func (s *stubReapStore) ReapStuckClaims(ctx context.Context, olderThan time.Duration) ([]escrow.ReapedClaim, error) {
	s.olderThan = olderThan
	return s.reaped, nil
}
