package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/alphawhale/guardian/internal/risk"
)

func seedStore(t *testing.T, store Store, wallets ...string) {
	t.Helper()
	ctx := context.Background()
	exp := time.Now().Add(10 * time.Minute)
	for _, w := range wallets {
		for _, agg := range []AggregateType{
			AggregateSnapshot, AggregateApprovals, AggregateActions,
			AggregateIntentPlan, AggregateSimulation,
		} {
			err := store.Set(ctx, &Entry{
				Key:                Key(agg, w),
				Payload:            []byte(fmt.Sprintf(`{"wallet":%q}`, w)),
				SeverityAtCreation: risk.SeverityMedium,
				CreatedAt:          time.Now(),
				ExpiresAt:          exp,
			})
			if err != nil {
				t.Fatalf("seed %s/%s: %v", agg, w, err)
			}
		}
	}
}

func TestOnEventNewTransactionScopedToWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	policy := NewPolicy(store)
	seedStore(t, store, "0xaaa", "0xbbb", "0xccc")

	purged, err := policy.OnEvent(ctx, Event{Kind: EventNewTransaction, Wallet: "0xAAA"})
	if err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	if purged != 3 {
		t.Errorf("expected 3 purged (snapshot, approvals, actions), got %d", purged)
	}

	// The wallet's transactional views are gone.
	for _, agg := range WalletScoped {
		if _, err := store.Get(ctx, Key(agg, "0xaaa")); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s for 0xaaa should be purged, got %v", agg, err)
		}
	}
	// Its policy-derived entries survive.
	for _, agg := range PolicyDerived {
		if _, err := store.Get(ctx, Key(agg, "0xaaa")); err != nil {
			t.Errorf("%s for 0xaaa should survive, got %v", agg, err)
		}
	}
	// Other wallets are untouched.
	for _, w := range []string{"0xbbb", "0xccc"} {
		for _, agg := range WalletScoped {
			if _, err := store.Get(ctx, Key(agg, w)); err != nil {
				t.Errorf("%s for %s should survive, got %v", agg, w, err)
			}
		}
	}
}

func TestOnEventNewTransactionIsolationRandomPopulations(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	randomWallet := func() string {
		b := make([]byte, 20)
		rng.Read(b)
		return "0x" + hex.EncodeToString(b)
	}

	for trial := 0; trial < 20; trial++ {
		store := NewMemoryStore()
		policy := NewPolicy(store)

		wallets := make([]string, 2+rng.Intn(40))
		for i := range wallets {
			wallets[i] = randomWallet()
		}
		seedStore(t, store, wallets...)
		target := wallets[rng.Intn(len(wallets))]

		purged, err := policy.OnEvent(ctx, Event{Kind: EventNewTransaction, Wallet: target})
		if err != nil {
			t.Fatalf("trial %d: OnEvent: %v", trial, err)
		}
		if purged != len(WalletScoped) {
			t.Fatalf("trial %d: purged %d entries, want %d", trial, purged, len(WalletScoped))
		}

		for _, w := range wallets {
			for _, agg := range WalletScoped {
				_, err := store.Get(ctx, Key(agg, w))
				if w == target {
					if !errors.Is(err, ErrNotFound) {
						t.Errorf("trial %d: %s for target %s should be purged, got %v", trial, agg, w, err)
					}
				} else if err != nil {
					t.Errorf("trial %d: %s for bystander %s should survive, got %v", trial, agg, w, err)
				}
			}
			for _, agg := range PolicyDerived {
				if _, err := store.Get(ctx, Key(agg, w)); err != nil {
					t.Errorf("trial %d: %s for %s should survive, got %v", trial, agg, w, err)
				}
			}
		}
	}
}

func TestOnEventNewTransactionIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	policy := NewPolicy(store)
	seedStore(t, store, "0xaaa")

	ev := Event{Kind: EventNewTransaction, Wallet: "0xaaa"}
	if purged, err := policy.OnEvent(ctx, ev); err != nil || purged != 3 {
		t.Fatalf("first event: purged=%d err=%v", purged, err)
	}
	if purged, err := policy.OnEvent(ctx, ev); err != nil || purged != 0 {
		t.Fatalf("replayed event should purge nothing: purged=%d err=%v", purged, err)
	}
}

func TestOnEventNewTransactionRequiresWallet(t *testing.T) {
	policy := NewPolicy(NewMemoryStore())
	if _, err := policy.OnEvent(context.Background(), Event{Kind: EventNewTransaction}); err == nil {
		t.Error("expected error for missing wallet")
	}
}

func TestOnEventWalletSwitchedIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	policy := NewPolicy(store)
	seedStore(t, store, "0xaaa", "0xbbb")

	before := store.Len()
	purged, err := policy.OnEvent(ctx, Event{Kind: EventWalletSwitched, Wallet: "0xaaa"})
	if err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	if purged != 0 || store.Len() != before {
		t.Errorf("wallet switch must not purge: purged=%d len %d -> %d", purged, before, store.Len())
	}
}

func TestOnEventPolicyConfigChangedSystemWide(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	policy := NewPolicy(store)
	seedStore(t, store, "0xaaa", "0xbbb", "0xccc")

	purged, err := policy.OnEvent(ctx, Event{Kind: EventPolicyConfigChanged})
	if err != nil {
		t.Fatalf("OnEvent: %v", err)
	}
	if purged != 6 {
		t.Errorf("expected policy-derived entries of all 3 wallets purged, got %d", purged)
	}

	for _, w := range []string{"0xaaa", "0xbbb", "0xccc"} {
		for _, agg := range PolicyDerived {
			if _, err := store.Get(ctx, Key(agg, w)); !errors.Is(err, ErrNotFound) {
				t.Errorf("%s for %s should be purged, got %v", agg, w, err)
			}
		}
		for _, agg := range WalletScoped {
			if _, err := store.Get(ctx, Key(agg, w)); err != nil {
				t.Errorf("%s for %s should survive, got %v", agg, w, err)
			}
		}
	}
}

func TestOnEventUnknownKind(t *testing.T) {
	policy := NewPolicy(NewMemoryStore())
	if _, err := policy.OnEvent(context.Background(), Event{Kind: "disk_full"}); err == nil {
		t.Error("expected error for unknown event kind")
	}
}
