package risk

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/alphawhale/guardian/internal/approval"
	"github.com/alphawhale/guardian/internal/metrics"
)

// DefaultTrustFloor is the spender-trust value below which a spender
// counts as unknown for the infinite-allowance override.
const DefaultTrustFloor = 0.20

// Scorer computes approval risk from pre-normalized factor inputs.
// Safe for concurrent use: scoring is pure computation over the record.
type Scorer struct {
	weights           FactorWeights
	trustFloor        float64
	verifiedOperators map[string]bool
}

// NewScorer creates a scorer with the given weights.
func NewScorer(weights FactorWeights) *Scorer {
	return &Scorer{
		weights:    weights,
		trustFloor: DefaultTrustFloor,
	}
}

// WithTrustFloor overrides the unknown-spender trust floor.
func (s *Scorer) WithTrustFloor(floor float64) *Scorer {
	s.trustFloor = floor
	return s
}

// WithVerifiedOperators sets the Permit2 verified-operator allowlist.
func (s *Scorer) WithVerifiedOperators(operators []string) *Scorer {
	s.verifiedOperators = make(map[string]bool, len(operators))
	for _, op := range operators {
		s.verifiedOperators[strings.ToLower(op)] = true
	}
	return s
}

// Weights returns the scorer's current weights.
func (s *Scorer) Weights() FactorWeights {
	return s.weights
}

// TrustFloor returns the unknown-spender trust floor.
func (s *Scorer) TrustFloor() float64 {
	return s.trustFloor
}

// VerifiedOperators returns the Permit2 allowlist, lowercased.
func (s *Scorer) VerifiedOperators() []string {
	ops := make([]string, 0, len(s.verifiedOperators))
	for op := range s.verifiedOperators {
		ops = append(ops, op)
	}
	return ops
}

// Score evaluates a single approval record.
//
// The base score is the weighted sum of the six factor inputs, clamped
// to [0,1]. Override rules are then applied as an order-independent
// "max of all fired floors": each fired rule forces the score to at
// least 0.80 and appends its reason tags. Contributing factors always
// reflect the organic weighted drivers, even when an override floor
// determined the final score.
func (s *Scorer) Score(rec *approval.Record) (*ApprovalRisk, error) {
	if err := rec.ValidateFactors(); err != nil {
		return nil, err
	}

	contributions := map[Factor]float64{
		FactorAgeDays:            *rec.Factors.AgeDays,
		FactorScope:              *rec.Factors.Scope,
		FactorValueAtRisk:        *rec.Factors.ValueAtRisk,
		FactorSpenderTrust:       *rec.Factors.SpenderTrust,
		FactorContractRisk:       *rec.Factors.ContractRisk,
		FactorInteractionContext: *rec.Factors.InteractionContext,
	}

	// Sum in factorOrder: map iteration order varies, and float addition
	// is not associative, so a fixed order keeps repeat scores identical.
	base := 0.0
	for _, f := range factorOrder {
		base += s.weights.weight(f) * contributions[f]
	}
	if base > 1.0 {
		base = 1.0
	}
	if base < 0.0 {
		base = 0.0
	}

	score := base
	var reasons []Reason

	for _, rule := range s.firedRules(rec) {
		if rule.floor > score {
			score = rule.floor
		}
		reasons = appendReasons(reasons, rule.reasons...)
		for _, r := range rule.reasons {
			metrics.OverrideFloorsTotal.WithLabelValues(string(r)).Inc()
		}
	}

	// Annotation tags that never move the score.
	if rec.AgeDays >= oldApprovalDays {
		reasons = appendReasons(reasons, ReasonOldApproval)
	}

	score = math.Round(score*10000) / 10000 // 4 decimal places

	severity, err := Classify(score)
	if err != nil {
		return nil, err
	}
	metrics.ScoresComputedTotal.WithLabelValues(string(severity)).Inc()

	return &ApprovalRisk{
		Wallet:              rec.Wallet,
		Chain:               rec.Chain,
		Token:               rec.Token,
		Spender:             rec.Spender,
		RiskScore:           score,
		Severity:            severity,
		ValueAtRiskUSD:      rec.ValueAtRiskUSD,
		ContributingFactors: s.topFactors(contributions),
		RiskReasons:         reasons,
		EvaluatedAt:         time.Now().UTC(),
	}, nil
}

// firedRule is one categorical override with its floor and reason tags.
type firedRule struct {
	floor   float64
	reasons []Reason
}

// firedRules evaluates the categorical override rules. Each can only
// raise the score; evaluation order does not matter.
func (s *Scorer) firedRules(rec *approval.Record) []firedRule {
	var fired []firedRule

	if rec.Amount.Unlimited && s.spenderUnknown(rec) {
		fired = append(fired, firedRule{
			floor:   overrideFloor,
			reasons: []Reason{ReasonInfiniteAllowance, ReasonUnknownSpender},
		})
	}

	if rec.Contract.IsProxy && rec.Contract.RecentlyUpgraded {
		fired = append(fired, firedRule{
			floor:   overrideFloor,
			reasons: []Reason{ReasonProxyRecentlyUpgraded},
		})
	}

	if rec.Permit2 != nil && !s.verifiedOperators[strings.ToLower(rec.Permit2.Operator)] {
		fired = append(fired, firedRule{
			floor:   overrideFloor,
			reasons: []Reason{ReasonUnverifiedPermit2},
		})
	}

	return fired
}

// spenderUnknown reports whether the spender has no trust signal or one
// below the configured floor.
func (s *Scorer) spenderUnknown(rec *approval.Record) bool {
	return rec.Trust == nil || *rec.Trust < s.trustFloor
}

// topFactors ranks the six weighted terms by weight*contribution
// descending and returns the top 3. Ties break by the fixed factor
// priority order so explanations are deterministic.
func (s *Scorer) topFactors(contributions map[Factor]float64) []ContributingFactor {
	ranked := make([]ContributingFactor, 0, len(factorOrder))
	for _, f := range factorOrder {
		w := s.weights.weight(f)
		ranked = append(ranked, ContributingFactor{
			Name:         f,
			Weight:       w,
			Contribution: math.Round(w*contributions[f]*10000) / 10000,
			Description:  factorDescriptions[f],
		})
	}

	// Stable sort preserves factorOrder for equal contributions.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Contribution > ranked[j].Contribution
	})

	return ranked[:3]
}

// appendReasons appends tags, de-duplicating while preserving order.
func appendReasons(reasons []Reason, add ...Reason) []Reason {
	for _, r := range add {
		seen := false
		for _, existing := range reasons {
			if existing == r {
				seen = true
				break
			}
		}
		if !seen {
			reasons = append(reasons, r)
		}
	}
	return reasons
}
