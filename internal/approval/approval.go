// Package approval defines the token-approval records Guardian scores.
//
// Records are supplied by the ingestion layer (chain watcher or REST
// backfill) with factor inputs pre-normalized to [0,1] by the signal
// normalizer. A record is immutable once fetched: re-scoring always
// starts from a freshly fetched record, never from a mutated one.
package approval

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Amount is a granted allowance: either the "unlimited" sentinel or a
// bounded token amount.
type Amount struct {
	Unlimited bool
	Value     decimal.Decimal // zero when Unlimited
}

// UnlimitedAmount returns the unlimited allowance sentinel.
func UnlimitedAmount() Amount {
	return Amount{Unlimited: true}
}

// BoundedAmount returns a bounded allowance.
func BoundedAmount(v decimal.Decimal) Amount {
	return Amount{Value: v}
}

// ParseAmount parses "unlimited" or a decimal token amount.
func ParseAmount(s string) (Amount, error) {
	if strings.EqualFold(strings.TrimSpace(s), "unlimited") {
		return UnlimitedAmount(), nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if v.IsNegative() {
		return Amount{}, fmt.Errorf("amount must be non-negative, got %s", s)
	}
	return BoundedAmount(v), nil
}

// String renders the amount for storage and JSON.
func (a Amount) String() string {
	if a.Unlimited {
		return "unlimited"
	}
	return a.Value.String()
}

// MarshalJSON renders "unlimited" or the decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses "unlimited" or a decimal string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ContractSignal carries contract-risk flags for the spender contract.
type ContractSignal struct {
	IsProxy          bool `json:"isProxy"`
	RecentlyUpgraded bool `json:"recentlyUpgraded"`
	Verified         bool `json:"verified"`
}

// InteractionSignal describes the wallet's history with the spender.
type InteractionSignal struct {
	PriorInteractions int        `json:"priorInteractions"`
	LastSeen          *time.Time `json:"lastSeen,omitempty"`
}

// Permit2Signal marks the approval as a Permit2-style operator grant.
type Permit2Signal struct {
	Operator string `json:"operator"`
}

// Factors are the six pre-normalized factor inputs the scorer consumes.
// Each must be in [0,1]. Nil means the upstream normalizer did not supply
// the input; the scorer rejects such records rather than defaulting to
// zero, which would understate risk.
type Factors struct {
	AgeDays            *float64 `json:"ageDays"`
	Scope              *float64 `json:"scope"`
	ValueAtRisk        *float64 `json:"valueAtRisk"`
	SpenderTrust       *float64 `json:"spenderTrust"`
	ContractRisk       *float64 `json:"contractRisk"`
	InteractionContext *float64 `json:"interactionContext"`
}

// Record is a single token approval observed on chain.
type Record struct {
	ID      string `json:"id"`
	Wallet  string `json:"wallet"`
	Chain   string `json:"chain"`
	Token   string `json:"token"`
	Spender string `json:"spender"`
	TxHash  string `json:"txHash,omitempty"`

	Amount         Amount  `json:"amount"`
	AgeDays        int     `json:"ageDays"`
	ValueAtRiskUSD float64 `json:"valueAtRiskUsd"`

	// Trust is the spender-trust signal in [0,1]; nil means no signal
	// (spender unknown to the trust provider).
	Trust *float64 `json:"trust,omitempty"`

	Contract    ContractSignal    `json:"contract"`
	Interaction InteractionSignal `json:"interaction"`
	Permit2     *Permit2Signal    `json:"permit2,omitempty"`

	Factors Factors `json:"factors"`

	ObservedAt time.Time `json:"observedAt"`
}

// IncompleteRecordError reports a record missing a required factor input.
type IncompleteRecordError struct {
	Field string
}

func (e *IncompleteRecordError) Error() string {
	return fmt.Sprintf("incomplete approval record: missing factor %q", e.Field)
}

// ValidateFactors checks that all six factor inputs are present and in [0,1].
func (r *Record) ValidateFactors() error {
	checks := []struct {
		name  string
		value *float64
	}{
		{"age_days", r.Factors.AgeDays},
		{"scope", r.Factors.Scope},
		{"value_at_risk", r.Factors.ValueAtRisk},
		{"spender_trust", r.Factors.SpenderTrust},
		{"contract_risk", r.Factors.ContractRisk},
		{"interaction_context", r.Factors.InteractionContext},
	}
	for _, c := range checks {
		if c.value == nil {
			return &IncompleteRecordError{Field: c.name}
		}
		// NaN fails every comparison, so the range check alone would pass it.
		if math.IsNaN(*c.value) || *c.value < 0 || *c.value > 1 {
			return fmt.Errorf("factor %q out of range: %v", c.name, *c.value)
		}
	}
	return nil
}

// Key identifies the approval within a chain: wallet/token/spender.
func (r *Record) Key() string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s", r.Chain, r.Wallet, r.Token, r.Spender))
}

// Store persists approval records.
type Store interface {
	// Put inserts or replaces the record for its (chain, wallet, token,
	// spender) key. Returns true if the record was newly inserted.
	Put(ctx context.Context, rec *Record) (bool, error)

	// Get returns the record for the key, or nil if absent.
	Get(ctx context.Context, chain, wallet, token, spender string) (*Record, error)

	// ListByWallet returns all records for a wallet on a chain.
	ListByWallet(ctx context.Context, chain, wallet string) ([]*Record, error)

	// LatestObservedAt returns the newest ObservedAt for a chain, or the
	// zero time if no records exist. Used by backfill to resume.
	LatestObservedAt(ctx context.Context, chain string) (time.Time, error)
}
