// Package signal normalizes raw on-chain observations into the [0,1]
// factor inputs the risk scorer consumes.
//
// Curves are logarithmic where the raw quantity spans orders of
// magnitude (age, dollar value, interaction counts) so that the factor
// stays sensitive at the low end without saturating immediately.
package signal

import (
	"math"
	"time"

	"github.com/alphawhale/guardian/internal/approval"
)

// Curve saturation points. An approval older than ageCapDays, worth
// more than valueCapUSD, or with more than interactionCap prior
// interactions contributes the extreme of its factor.
const (
	ageCapDays     = 730.0
	valueCapUSD    = 100_000.0
	interactionCap = 50.0
)

// staleInteraction is how long since the last wallet/spender contact
// before prior history stops counting as familiarity.
const staleInteraction = 180 * 24 * time.Hour

// Normalizer derives the six factor inputs from a record's raw signals.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a normalizer using the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// WithClock overrides the normalizer's time source.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize fills rec.Factors from the record's raw signals. Inputs the
// record genuinely lacks stay nil so the scorer can reject the record
// instead of scoring it on silent zeroes.
func (n *Normalizer) Normalize(rec *approval.Record) {
	rec.Factors.AgeDays = ptr(ageFactor(rec.AgeDays))
	rec.Factors.Scope = ptr(scopeFactor(rec.Amount, rec.ValueAtRiskUSD))
	rec.Factors.ValueAtRisk = ptr(valueFactor(rec.ValueAtRiskUSD))
	rec.Factors.ContractRisk = ptr(contractFactor(rec.Contract))
	rec.Factors.InteractionContext = ptr(n.interactionFactor(rec.Interaction))

	if rec.Trust != nil {
		rec.Factors.SpenderTrust = ptr(clamp01(1 - *rec.Trust))
	} else {
		// No trust signal at all is the riskiest reading.
		rec.Factors.SpenderTrust = ptr(1.0)
	}
}

// ageFactor maps approval age to risk on a log curve capped at two
// years. 0 days = 0, 7 days = 0.32, 30 days = 0.52, 365 days = 0.89.
func ageFactor(days int) float64 {
	if days <= 0 {
		return 0
	}
	return clamp01(math.Log10(float64(days)+1) / math.Log10(ageCapDays+1))
}

// scopeFactor reflects how much authority the grant conveys. Unlimited
// is maximal; a bounded grant scales with the dollar value it exposes.
func scopeFactor(amount approval.Amount, valueUSD float64) float64 {
	if amount.Unlimited {
		return 1.0
	}
	if amount.Value.IsZero() {
		return 0
	}
	return 0.5 * valueFactor(valueUSD)
}

// valueFactor maps dollars at risk on a log curve capped at $100k.
// $0 = 0, $100 = 0.40, $1k = 0.60, $10k = 0.80, $100k+ = 1.0.
func valueFactor(usd float64) float64 {
	if usd <= 0 {
		return 0
	}
	return clamp01(math.Log10(usd+1) / math.Log10(valueCapUSD+1))
}

// contractFactor scores the spender contract's shape. Unverified code
// is the dominant signal; proxy indirection and a recent upgrade each
// add on top.
func contractFactor(c approval.ContractSignal) float64 {
	f := 0.0
	if !c.Verified {
		f += 0.5
	}
	if c.IsProxy {
		f += 0.2
	}
	if c.RecentlyUpgraded {
		f += 0.3
	}
	return clamp01(f)
}

// interactionFactor maps familiarity to risk: a first contact is 1.0,
// and repeated recent interactions pull the factor toward 0 on a log
// curve. History older than staleInteraction no longer counts.
func (n *Normalizer) interactionFactor(sig approval.InteractionSignal) float64 {
	if sig.PriorInteractions <= 0 {
		return 1.0
	}
	if sig.LastSeen != nil && n.now().Sub(*sig.LastSeen) > staleInteraction {
		return 1.0
	}
	familiarity := clamp01(math.Log10(float64(sig.PriorInteractions)+1) / math.Log10(interactionCap+1))
	return 1 - familiarity
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func ptr(v float64) *float64 { return &v }
