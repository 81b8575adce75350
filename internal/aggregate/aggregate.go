// Package aggregate assembles the cached wallet views: the scored
// approval list, the wallet risk snapshot, and the recommended-actions
// list. Reads go through the cache; misses recompute from the approval
// store and re-enter the cache under a severity-driven jittered TTL.
package aggregate

import (
	"time"

	"github.com/alphawhale/guardian/internal/risk"
)

// WalletSnapshot is the wallet's current risk overview.
type WalletSnapshot struct {
	Wallet          string        `json:"wallet"`
	OverallSeverity risk.Severity `json:"overallSeverity"`
	MaxRiskScore    float64       `json:"maxRiskScore"`
	TotalValueUSD   float64       `json:"totalValueUsd"`

	ApprovalCount int `json:"approvalCount"`
	CriticalCount int `json:"criticalCount"`
	HighCount     int `json:"highCount"`
	MediumCount   int `json:"mediumCount"`
	LowCount      int `json:"lowCount"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// ActionKind is a recommended remediation.
type ActionKind string

const (
	ActionRevoke   ActionKind = "revoke"
	ActionDecrease ActionKind = "decrease"
	ActionReview   ActionKind = "review"
)

// RecommendedAction tells the user what to do about one risky approval.
type RecommendedAction struct {
	Wallet   string        `json:"wallet"`
	Chain    string        `json:"chain"`
	Token    string        `json:"token"`
	Spender  string        `json:"spender"`
	Action   ActionKind    `json:"action"`
	Severity risk.Severity `json:"severity"`
	Reasons  []risk.Reason `json:"reasons,omitempty"`
}

// actionFor maps a scored approval to its remediation. Low severity
// needs none.
func actionFor(r *risk.ApprovalRisk) (RecommendedAction, bool) {
	var kind ActionKind
	switch r.Severity {
	case risk.SeverityCritical:
		kind = ActionRevoke
	case risk.SeverityHigh:
		kind = ActionDecrease
	case risk.SeverityMedium:
		kind = ActionReview
	default:
		return RecommendedAction{}, false
	}
	return RecommendedAction{
		Wallet:   r.Wallet,
		Chain:    r.Chain,
		Token:    r.Token,
		Spender:  r.Spender,
		Action:   kind,
		Severity: r.Severity,
		Reasons:  r.RiskReasons,
	}, true
}
