// Package risk implements approval risk scoring for Guardian.
//
// Every token approval is evaluated against 6 weighted factors: grant
// age, approval scope, value at risk, spender trust, contract risk, and
// interaction context. Scores range from 0.0 (safe) to 1.0 (high risk)
// and map onto four severity tiers. Categorical override rules (infinite
// allowance to an unknown spender, recently-upgraded proxy, unverified
// Permit2 operator) can only raise the score, never lower it.
package risk

import (
	"fmt"
	"math"
	"time"
)

// Severity is a risk tier derived from a continuous score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: low < medium < high < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the four known tiers.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// MaxSeverity returns the higher-ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Factor names the six weighted scoring factors.
type Factor string

const (
	FactorAgeDays            Factor = "age_days"
	FactorScope              Factor = "scope"
	FactorValueAtRisk        Factor = "value_at_risk"
	FactorSpenderTrust       Factor = "spender_trust"
	FactorContractRisk       Factor = "contract_risk"
	FactorInteractionContext Factor = "interaction_context"
)

// factorOrder is the fixed tie-break priority for contributing factors:
// when two factors have equal weight*contribution, the one earlier in
// this list ranks higher. The order is arbitrary but must never change,
// or previously returned explanations stop being reproducible.
var factorOrder = []Factor{
	FactorAgeDays,
	FactorScope,
	FactorValueAtRisk,
	FactorSpenderTrust,
	FactorContractRisk,
	FactorInteractionContext,
}

// factorDescriptions are the human-readable explanations attached to
// contributing factors.
var factorDescriptions = map[Factor]string{
	FactorAgeDays:            "Approval has been standing for a long time",
	FactorScope:              "Approval grants a broad spending allowance",
	FactorValueAtRisk:        "High USD value exposed if exploited",
	FactorSpenderTrust:       "Spender has a weak or missing trust record",
	FactorContractRisk:       "Spender contract has risky properties",
	FactorInteractionContext: "Wallet has little history with this spender",
}

// Reason is a machine-readable tag recording which scoring rule fired.
type Reason string

const (
	ReasonInfiniteAllowance        Reason = "INFINITE_ALLOWANCE"
	ReasonUnknownSpender           Reason = "UNKNOWN_SPENDER"
	ReasonProxyRecentlyUpgraded    Reason = "PROXY_RECENTLY_UPGRADED"
	ReasonUnverifiedPermit2        Reason = "UNVERIFIED_PERMIT2_OPERATOR"
	ReasonOldApproval              Reason = "OLD_APPROVAL"
)

// overrideFloor is the score floor forced by any categorical override rule.
const overrideFloor = 0.80

// oldApprovalDays is the grant age beyond which OLD_APPROVAL is tagged.
// Annotation only; it does not move the score.
const oldApprovalDays = 365

// FactorWeights holds the per-factor weights supplied by the policy layer.
type FactorWeights struct {
	AgeDays            float64 `json:"ageDays"`
	Scope              float64 `json:"scope"`
	ValueAtRisk        float64 `json:"valueAtRisk"`
	SpenderTrust       float64 `json:"spenderTrust"`
	ContractRisk       float64 `json:"contractRisk"`
	InteractionContext float64 `json:"interactionContext"`
}

// DefaultWeights balance the six factors.
var DefaultWeights = FactorWeights{
	AgeDays:            0.10,
	Scope:              0.25,
	ValueAtRisk:        0.20,
	SpenderTrust:       0.20,
	ContractRisk:       0.15,
	InteractionContext: 0.10,
}

// Validate checks the weights are non-negative and not all zero.
func (w FactorWeights) Validate() error {
	sum := 0.0
	for _, v := range w.values() {
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("factor weights must be non-negative")
		}
		sum += v
	}
	if sum == 0 {
		return fmt.Errorf("factor weights must not all be zero")
	}
	return nil
}

// weight returns the weight for a named factor.
func (w FactorWeights) weight(f Factor) float64 {
	switch f {
	case FactorAgeDays:
		return w.AgeDays
	case FactorScope:
		return w.Scope
	case FactorValueAtRisk:
		return w.ValueAtRisk
	case FactorSpenderTrust:
		return w.SpenderTrust
	case FactorContractRisk:
		return w.ContractRisk
	case FactorInteractionContext:
		return w.InteractionContext
	default:
		return 0
	}
}

func (w FactorWeights) values() []float64 {
	return []float64{w.AgeDays, w.Scope, w.ValueAtRisk, w.SpenderTrust, w.ContractRisk, w.InteractionContext}
}

// ContributingFactor explains one of the top organic drivers of a score.
type ContributingFactor struct {
	Name         Factor  `json:"name"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"` // weight * normalized factor input
	Description  string  `json:"description"`
}

// ApprovalRisk is the result of scoring a single approval record.
// It is computed fresh on every scoring request; when persisted it is an
// immutable snapshot, never updated in place.
type ApprovalRisk struct {
	Wallet  string `json:"wallet"`
	Chain   string `json:"chain"`
	Token   string `json:"token"`
	Spender string `json:"spender"`

	RiskScore           float64              `json:"riskScore"`
	Severity            Severity             `json:"severity"`
	ValueAtRiskUSD      float64              `json:"valueAtRiskUsd"`
	ContributingFactors []ContributingFactor `json:"contributingFactors"`
	RiskReasons         []Reason             `json:"riskReasons"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
}
