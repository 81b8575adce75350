package cache

import (
	"context"
	"fmt"

	"github.com/alphawhale/guardian/internal/logging"
	"github.com/alphawhale/guardian/internal/metrics"
)

// EventKind names a cache-relevant event on the system.
type EventKind string

const (
	// EventNewTransaction fires when a new on-chain transaction is
	// observed for a wallet. The wallet's derived views are stale.
	EventNewTransaction EventKind = "new_transaction_detected"

	// EventWalletSwitched fires when the user switches active wallets.
	// Entries stay keyed per wallet, so nothing server-side changes.
	EventWalletSwitched EventKind = "wallet_switched"

	// EventPolicyConfigChanged fires when scoring weights or policy
	// configuration change. Every policy-derived entry is stale.
	EventPolicyConfigChanged EventKind = "policy_config_changed"
)

// Event is one invalidation trigger. Wallet is required for
// EventNewTransaction and ignored otherwise.
type Event struct {
	Kind   EventKind `json:"kind"`
	Wallet string    `json:"wallet,omitempty"`
}

// Policy applies invalidation events to a cache store. Purges are
// idempotent: replaying an event after its entries are gone removes
// nothing and is not an error.
type Policy struct {
	store Store
}

// NewPolicy creates an invalidation policy over the given store.
func NewPolicy(store Store) *Policy {
	return &Policy{store: store}
}

// OnEvent applies one event and returns the number of entries purged.
func (p *Policy) OnEvent(ctx context.Context, ev Event) (int, error) {
	log := logging.L(ctx)

	switch ev.Kind {
	case EventNewTransaction:
		if ev.Wallet == "" {
			return 0, fmt.Errorf("cache: %s event requires a wallet", ev.Kind)
		}
		keys := make([]string, 0, len(WalletScoped))
		for _, agg := range WalletScoped {
			keys = append(keys, Key(agg, ev.Wallet))
		}
		purged, err := p.store.Delete(ctx, keys...)
		if err != nil {
			return purged, fmt.Errorf("cache: purge wallet %s: %w", ev.Wallet, err)
		}
		metrics.CachePurgesTotal.WithLabelValues(string(ev.Kind)).Add(float64(purged))
		log.Debug("cache purged for wallet", "wallet", ev.Wallet, "purged", purged)
		return purged, nil

	case EventWalletSwitched:
		// Per-wallet keying makes a switch a pure client concern.
		return 0, nil

	case EventPolicyConfigChanged:
		purged := 0
		for _, agg := range PolicyDerived {
			n, err := p.store.DeleteByPrefix(ctx, Prefix(agg))
			if err != nil {
				return purged, fmt.Errorf("cache: purge %s entries: %w", agg, err)
			}
			purged += n
		}
		metrics.CachePurgesTotal.WithLabelValues(string(ev.Kind)).Add(float64(purged))
		log.Info("policy-derived cache purged", "purged", purged)
		return purged, nil

	default:
		return 0, fmt.Errorf("cache: unknown event kind %q", ev.Kind)
	}
}
