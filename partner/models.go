package partner

import (
	"time"

	"escrowflow/commission"
)

// Profile is a payee's marketplace profile. PlanTier feeds the commission
// calculator at escrow creation; GatewayAccountRef is the payout
// destination for transfers.
type Profile struct {
	ID                string
	UserID            *string
	DisplayName       string
	PlanTier          commission.Tier
	CompletedCount    int
	GatewayAccountRef *string
	Verified          bool
	CreatedAt         time.Time
}
