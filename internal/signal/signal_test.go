package signal

import (
	"testing"
	"time"

	"github.com/alphawhale/guardian/internal/approval"
	"github.com/shopspring/decimal"
)

func TestNormalizeProducesCompleteFactors(t *testing.T) {
	trust := 0.7
	rec := &approval.Record{
		Wallet:         "0xaaa",
		Chain:          "base",
		Token:          "0xusdc",
		Spender:        "0xspender",
		Amount:         approval.BoundedAmount(decimal.NewFromInt(500)),
		AgeDays:        30,
		ValueAtRiskUSD: 500,
		Trust:          &trust,
		Contract:       approval.ContractSignal{Verified: true},
		Interaction:    approval.InteractionSignal{PriorInteractions: 3},
	}

	NewNormalizer().Normalize(rec)

	if err := rec.ValidateFactors(); err != nil {
		t.Fatalf("normalized record should validate: %v", err)
	}
	if got := *rec.Factors.SpenderTrust; got < 0.29 || got > 0.31 {
		t.Errorf("trust 0.7 should normalize near 0.3 risk, got %v", got)
	}
}

func TestAgeFactorMonotonic(t *testing.T) {
	if ageFactor(0) != 0 {
		t.Errorf("fresh approval should be 0, got %v", ageFactor(0))
	}
	prev := -1.0
	for _, days := range []int{1, 7, 30, 90, 365, 730, 2000} {
		f := ageFactor(days)
		if f < 0 || f > 1 {
			t.Errorf("ageFactor(%d) = %v out of range", days, f)
		}
		if f <= prev {
			t.Errorf("ageFactor not increasing at %d days: %v <= %v", days, f, prev)
		}
		if days < 730 {
			prev = f
		} else {
			prev = f - 0.001 // capped region may plateau
		}
	}
	if ageFactor(730) != 1.0 {
		t.Errorf("two-year approval should saturate, got %v", ageFactor(730))
	}
}

func TestScopeFactor(t *testing.T) {
	if f := scopeFactor(approval.UnlimitedAmount(), 10); f != 1.0 {
		t.Errorf("unlimited scope should be 1.0, got %v", f)
	}
	if f := scopeFactor(approval.BoundedAmount(decimal.Zero), 1000); f != 0 {
		t.Errorf("zero allowance should be 0, got %v", f)
	}
	small := scopeFactor(approval.BoundedAmount(decimal.NewFromInt(10)), 10)
	large := scopeFactor(approval.BoundedAmount(decimal.NewFromInt(10)), 50_000)
	if small >= large {
		t.Errorf("scope should grow with exposed value: %v >= %v", small, large)
	}
	if large >= 1.0 {
		t.Errorf("bounded scope should stay below unlimited, got %v", large)
	}
}

func TestValueFactorCurve(t *testing.T) {
	if valueFactor(0) != 0 {
		t.Error("zero value should be 0")
	}
	if valueFactor(1_000_000) != 1.0 {
		t.Errorf("value above cap should saturate, got %v", valueFactor(1_000_000))
	}
	mid := valueFactor(1000)
	if mid < 0.55 || mid > 0.65 {
		t.Errorf("$1k should land near 0.6, got %v", mid)
	}
}

func TestContractFactor(t *testing.T) {
	cases := []struct {
		sig  approval.ContractSignal
		want float64
	}{
		{approval.ContractSignal{Verified: true}, 0},
		{approval.ContractSignal{}, 0.5},
		{approval.ContractSignal{Verified: true, IsProxy: true}, 0.2},
		{approval.ContractSignal{Verified: true, IsProxy: true, RecentlyUpgraded: true}, 0.5},
		{approval.ContractSignal{IsProxy: true, RecentlyUpgraded: true}, 1.0},
	}
	for _, tc := range cases {
		if got := contractFactor(tc.sig); got != tc.want {
			t.Errorf("contractFactor(%+v) = %v, want %v", tc.sig, got, tc.want)
		}
	}
}

func TestInteractionFactor(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	n := NewNormalizer().WithClock(func() time.Time { return now })

	if f := n.interactionFactor(approval.InteractionSignal{}); f != 1.0 {
		t.Errorf("first contact should be 1.0, got %v", f)
	}

	recent := now.Add(-24 * time.Hour)
	few := n.interactionFactor(approval.InteractionSignal{PriorInteractions: 2, LastSeen: &recent})
	many := n.interactionFactor(approval.InteractionSignal{PriorInteractions: 40, LastSeen: &recent})
	if many >= few {
		t.Errorf("more interactions should mean less risk: %v >= %v", many, few)
	}

	stale := now.Add(-200 * 24 * time.Hour)
	if f := n.interactionFactor(approval.InteractionSignal{PriorInteractions: 40, LastSeen: &stale}); f != 1.0 {
		t.Errorf("stale history should not count, got %v", f)
	}
}
