package commission

import (
	"errors"
	"testing"
)

func TestCalculate_StandardTier(t *testing.T) {
	res, err := Calculate(TierStandard, 10000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RateBps != 1000 {
		t.Fatalf("expected 1000 bps, got %d", res.RateBps)
	}
	if res.CommissionCents != 1000 || res.PayoutCents != 9000 {
		t.Fatalf("expected 1000/9000 split, got %d/%d", res.CommissionCents, res.PayoutCents)
	}
}

func TestCalculate_ReducedTier(t *testing.T) {
	res, err := Calculate(TierReduced, 10000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RateBps != 700 {
		t.Fatalf("expected 700 bps, got %d", res.RateBps)
	}
	if res.CommissionCents != 700 || res.PayoutCents != 9300 {
		t.Fatalf("expected 700/9300 split, got %d/%d", res.CommissionCents, res.PayoutCents)
	}
}

func TestCalculate_LoyaltyDiscount(t *testing.T) {
	cases := []struct {
		name      string
		tier      Tier
		completed int
		wantBps   int
	}{
		{"no history", TierStandard, 9, 1000},
		{"one step", TierStandard, 10, 900},
		{"three steps", TierStandard, 35, 700},
		{"floored standard", TierStandard, 1000, 200},
		{"floored reduced", TierReduced, 60, 200},
		{"negative treated as zero", TierStandard, -5, 1000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Calculate(tc.tier, 50000, tc.completed)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.RateBps != tc.wantBps {
				t.Fatalf("expected %d bps, got %d", tc.wantBps, res.RateBps)
			}
		})
	}
}

func TestCalculate_IdentityHolds(t *testing.T) {
	amounts := []int64{1, 3, 99, 101, 12345, 99999, 10000000}
	tiers := []Tier{TierStandard, TierReduced}
	counts := []int{0, 7, 10, 25, 500}

	for _, tier := range tiers {
		for _, amount := range amounts {
			for _, count := range counts {
				res, err := Calculate(tier, amount, count)
				if err != nil {
					t.Fatalf("calculate(%s, %d, %d): %v", tier, amount, count, err)
				}
				if res.CommissionCents+res.PayoutCents != amount {
					t.Fatalf("identity violated for (%s, %d, %d): %d + %d != %d",
						tier, amount, count, res.CommissionCents, res.PayoutCents, amount)
				}
				if res.CommissionCents < 0 || res.PayoutCents < 0 {
					t.Fatalf("negative component for (%s, %d, %d): %+v", tier, amount, count, res)
				}
			}
		}
	}
}

func TestCalculate_Rounding(t *testing.T) {
	// 101 * 10% = 10.1 rounds down to 10; 105 * 10% = 10.5 rounds up to 11.
	res, err := Calculate(TierStandard, 101, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CommissionCents != 10 {
		t.Fatalf("expected 10, got %d", res.CommissionCents)
	}

	res, err = Calculate(TierStandard, 105, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CommissionCents != 11 {
		t.Fatalf("expected 11, got %d", res.CommissionCents)
	}
}

func TestCalculate_Errors(t *testing.T) {
	if _, err := Calculate(TierStandard, 0, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := Calculate(TierStandard, -100, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := Calculate(Tier("platinum"), 100, 0); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}
