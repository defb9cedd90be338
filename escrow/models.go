package escrow

import "time"

// Transaction mirrors the escrow_transactions table. Money fields are
// integer cents; commission_cents + payout_cents always equals
// amount_total_cents.
type Transaction struct {
	ID                string
	RequestID         string
	PayeeID           string
	PayerID           *string
	PayerEmail        string
	AmountTotalCents  int64
	CommissionRateBps int
	CommissionCents   int64
	PayoutCents       int64
	GatewayRef        *string
	Status            Status
	ReleaseDueAt      time.Time
	ClaimedAt         *time.Time
	CreatedAt         time.Time
	PaidAt            *time.Time
	ReleasedAt        *time.Time
	RefundedAt        *time.Time
}

// ClaimedTransaction is a row owned by the current batch pass, joined with
// the payee's payout destination so the releaser can transfer without a
// second lookup.
type ClaimedTransaction struct {
	Transaction
	PayeeAccountRef string
}
