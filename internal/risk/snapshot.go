package risk

import (
	"context"
	"time"
)

// Snapshot is an immutable point-in-time approval risk record, keyed by
// (wallet, chain, token, spender) plus its creation timestamp. A new
// computation with different inputs produces a new snapshot; snapshots
// are never updated in place.
type Snapshot struct {
	ID      string `json:"id"`
	Wallet  string `json:"wallet"`
	Chain   string `json:"chain"`
	Token   string `json:"token"`
	Spender string `json:"spender"`

	RiskScore           float64              `json:"riskScore"`
	Severity            Severity             `json:"severity"`
	ValueAtRiskUSD      float64              `json:"valueAtRiskUsd"`
	ContributingFactors []ContributingFactor `json:"contributingFactors"`
	RiskReasons         []Reason             `json:"riskReasons"`

	CreatedAt time.Time `json:"createdAt"`
}

// SnapshotFromRisk creates a Snapshot from a computed ApprovalRisk.
func SnapshotFromRisk(r *ApprovalRisk) *Snapshot {
	return &Snapshot{
		Wallet:              r.Wallet,
		Chain:               r.Chain,
		Token:               r.Token,
		Spender:             r.Spender,
		RiskScore:           r.RiskScore,
		Severity:            r.Severity,
		ValueAtRiskUSD:      r.ValueAtRiskUSD,
		ContributingFactors: r.ContributingFactors,
		RiskReasons:         r.RiskReasons,
		CreatedAt:           r.EvaluatedAt,
	}
}

// HistoryQuery holds query parameters for historical snapshots.
type HistoryQuery struct {
	Wallet string
	Chain  string
	From   time.Time
	To     time.Time
	Limit  int
}

// SnapshotStore persists risk snapshots.
type SnapshotStore interface {
	// Save persists a single snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	// SaveBatch persists multiple snapshots in one call.
	SaveBatch(ctx context.Context, snaps []*Snapshot) error

	// Query returns historical snapshots matching the query, newest first.
	Query(ctx context.Context, q HistoryQuery) ([]*Snapshot, error)

	// Latest returns the most recent snapshot for an approval key.
	Latest(ctx context.Context, chain, wallet, token, spender string) (*Snapshot, error)
}
