// Package commission computes the platform's cut of an escrow amount.
// All arithmetic is integer cents; the identity
// commission + payout == total holds for every result.
package commission

import (
	"errors"
	"fmt"
)

// Tier selects the commission schedule frozen onto a transaction at creation.
type Tier string

const (
	TierStandard Tier = "standard"
	TierReduced  Tier = "reduced"
)

// Rates are expressed in basis points to keep the math integral.
const (
	standardRateBps = 1000
	reducedRateBps  = 700

	// loyaltyStepBps is subtracted once per loyaltyStepCount completed
	// transactions, never below floorRateBps.
	loyaltyStepBps   = 100
	loyaltyStepCount = 10
	floorRateBps     = 200
)

var (
	ErrUnknownTier   = errors.New("commission: unknown plan tier")
	ErrInvalidAmount = errors.New("commission: amount must be positive")
)

// Result carries the frozen rate and the exact split of the amount.
type Result struct {
	RateBps         int
	CommissionCents int64
	PayoutCents     int64
}

// Calculate splits amountCents between platform and payee for the given
// tier. completedCount is the payee's number of completed transactions and
// feeds the loyalty discount.
func Calculate(tier Tier, amountCents int64, completedCount int) (Result, error) {
	if amountCents <= 0 {
		return Result{}, ErrInvalidAmount
	}

	rate, err := rateFor(tier, completedCount)
	if err != nil {
		return Result{}, err
	}

	// Round half up; payout absorbs the remainder so the identity is exact.
	commission := (amountCents*int64(rate) + 5000) / 10000
	return Result{
		RateBps:         rate,
		CommissionCents: commission,
		PayoutCents:     amountCents - commission,
	}, nil
}

func rateFor(tier Tier, completedCount int) (int, error) {
	var base int
	switch tier {
	case TierStandard:
		base = standardRateBps
	case TierReduced:
		base = reducedRateBps
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	if completedCount < 0 {
		completedCount = 0
	}
	discount := (completedCount / loyaltyStepCount) * loyaltyStepBps
	rate := base - discount
	if rate < floorRateBps {
		rate = floorRateBps
	}
	return rate, nil
}
