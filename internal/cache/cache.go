// Package cache holds volatile derived aggregates for wallet views and
// implements the event-driven invalidation policy that keeps them from
// going stale between refreshes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alphawhale/guardian/internal/risk"
)

// ErrNotFound is returned on a cache miss. A miss is the normal path
// for cold or expired entries, not a failure.
var ErrNotFound = errors.New("cache: entry not found")

// AggregateType identifies a class of cached derived data.
type AggregateType string

const (
	// AggregateSnapshot is the wallet's current risk overview.
	AggregateSnapshot AggregateType = "snapshot"
	// AggregateApprovals is the wallet's scored approval list.
	AggregateApprovals AggregateType = "approvals"
	// AggregateActions is the wallet's recommended-actions list.
	AggregateActions AggregateType = "actions"
	// AggregateIntentPlan is a policy-derived intent plan.
	AggregateIntentPlan AggregateType = "intent_plan"
	// AggregateSimulation is a policy-derived simulation result.
	AggregateSimulation AggregateType = "simulation"
)

// WalletScoped lists the aggregates tied to a single wallet's on-chain
// state. These are the ones a new transaction invalidates.
var WalletScoped = []AggregateType{AggregateSnapshot, AggregateApprovals, AggregateActions}

// PolicyDerived lists the aggregates computed from the policy
// configuration. A config change invalidates them system-wide.
var PolicyDerived = []AggregateType{AggregateIntentPlan, AggregateSimulation}

// Valid reports whether the aggregate type is a known one.
func (a AggregateType) Valid() bool {
	switch a {
	case AggregateSnapshot, AggregateApprovals, AggregateActions,
		AggregateIntentPlan, AggregateSimulation:
		return true
	}
	return false
}

// Key builds the cache key for an aggregate belonging to a wallet.
// Wallet addresses are lowercased so hex-case variants share an entry.
func Key(agg AggregateType, wallet string) string {
	return fmt.Sprintf("%s:%s", agg, strings.ToLower(wallet))
}

// Prefix is the key prefix covering every wallet's entries for one
// aggregate type.
func Prefix(agg AggregateType) string {
	return string(agg) + ":"
}

// Entry is one cached aggregate with its expiry metadata.
type Entry struct {
	Key                string        `json:"key"`
	Payload            []byte        `json:"payload"`
	SeverityAtCreation risk.Severity `json:"severityAtCreation"`
	CreatedAt          time.Time     `json:"createdAt"`
	ExpiresAt          time.Time     `json:"expiresAt"`
}

// Store is the cache backend. Implementations treat expired entries as
// absent and report misses with ErrNotFound.
type Store interface {
	// Get returns the live entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores the entry until its ExpiresAt.
	Set(ctx context.Context, entry *Entry) error

	// Delete removes the named keys and returns how many existed.
	// Deleting absent keys is not an error.
	Delete(ctx context.Context, keys ...string) (int, error)

	// DeleteByPrefix removes every entry whose key starts with prefix
	// and returns how many were removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}
