package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alphawhale/guardian/internal/approval"
	"github.com/alphawhale/guardian/internal/cache"
	"github.com/alphawhale/guardian/internal/logging"
	"github.com/alphawhale/guardian/internal/metrics"
	"github.com/alphawhale/guardian/internal/retry"
	"github.com/alphawhale/guardian/internal/risk"
	"github.com/alphawhale/guardian/internal/syncutil"
)

// snapshotSaveTimeout bounds the best-effort async snapshot write.
const snapshotSaveTimeout = 5 * time.Second

// Publisher receives realtime notifications about computed risk and
// cache purges. Nil publishers are ignored.
type Publisher interface {
	PublishRiskUpdated(wallet string, risks []*risk.ApprovalRisk)
	PublishCachePurged(kind string, wallet string, purged int)
}

// Service is the read-through aggregate layer. It serves one chain;
// run one service per chain for multi-chain deployments.
type Service struct {
	chain     string
	approvals approval.Store
	snapshots risk.SnapshotStore
	store     cache.Store
	policy    *cache.Policy
	rng       cache.RandomSource
	publisher Publisher

	// recompute is sharded per wallet so a burst of misses for one
	// wallet computes once while other wallets proceed.
	recompute syncutil.KeyMutex

	mu     sync.RWMutex
	scorer *risk.Scorer
}

// NewService creates the aggregate service for one chain.
func NewService(chain string, approvals approval.Store, snapshots risk.SnapshotStore, store cache.Store, scorer *risk.Scorer, rng cache.RandomSource) *Service {
	return &Service{
		chain:     chain,
		approvals: approvals,
		snapshots: snapshots,
		store:     store,
		policy:    cache.NewPolicy(store),
		scorer:    scorer,
		rng:       rng,
	}
}

// WithPublisher attaches a realtime publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// Scorer returns the current scorer.
func (s *Service) Scorer() *risk.Scorer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scorer
}

// ScoreApproval scores one record with the current weights. It does not
// touch the cache; callers scoring ad-hoc records use this directly.
func (s *Service) ScoreApproval(ctx context.Context, rec *approval.Record) (*risk.ApprovalRisk, error) {
	result, err := s.Scorer().Score(rec)
	if err != nil {
		return nil, err
	}
	s.saveSnapshotsAsync(ctx, []*risk.ApprovalRisk{result})
	return result, nil
}

// GetApprovals returns the wallet's scored approval list, from cache
// when live.
func (s *Service) GetApprovals(ctx context.Context, wallet string) ([]*risk.ApprovalRisk, error) {
	var out []*risk.ApprovalRisk
	err := s.readThrough(ctx, cache.AggregateApprovals, wallet, &out, func(risks []*risk.ApprovalRisk) (any, error) {
		return risks, nil
	})
	return out, err
}

// GetSnapshot returns the wallet's risk overview, from cache when live.
func (s *Service) GetSnapshot(ctx context.Context, wallet string) (*WalletSnapshot, error) {
	var out *WalletSnapshot
	err := s.readThrough(ctx, cache.AggregateSnapshot, wallet, &out, func(risks []*risk.ApprovalRisk) (any, error) {
		return buildSnapshot(wallet, risks), nil
	})
	return out, err
}

// GetActions returns the wallet's recommended remediations, from cache
// when live.
func (s *Service) GetActions(ctx context.Context, wallet string) ([]RecommendedAction, error) {
	var out []RecommendedAction
	err := s.readThrough(ctx, cache.AggregateActions, wallet, &out, func(risks []*risk.ApprovalRisk) (any, error) {
		actions := make([]RecommendedAction, 0, len(risks))
		for _, r := range risks {
			if a, ok := actionFor(r); ok {
				actions = append(actions, a)
			}
		}
		return actions, nil
	})
	return out, err
}

// ApplyEvent runs the invalidation policy for one event.
func (s *Service) ApplyEvent(ctx context.Context, ev cache.Event) (int, error) {
	purged, err := s.policy.OnEvent(ctx, ev)
	if err != nil {
		return purged, err
	}
	if s.publisher != nil && purged > 0 {
		s.publisher.PublishCachePurged(string(ev.Kind), ev.Wallet, purged)
	}
	return purged, nil
}

// UpdateWeights swaps in new scoring weights and invalidates every
// policy-derived cache entry.
func (s *Service) UpdateWeights(ctx context.Context, weights risk.FactorWeights) error {
	if err := weights.Validate(); err != nil {
		return fmt.Errorf("aggregate: invalid weights: %w", err)
	}

	s.mu.Lock()
	old := s.scorer
	s.scorer = risk.NewScorer(weights).
		WithTrustFloor(old.TrustFloor()).
		WithVerifiedOperators(old.VerifiedOperators())
	s.mu.Unlock()

	if _, err := s.ApplyEvent(ctx, cache.Event{Kind: cache.EventPolicyConfigChanged}); err != nil {
		return fmt.Errorf("aggregate: invalidate after weight change: %w", err)
	}
	return nil
}

// readThrough resolves one aggregate for a wallet: cache hit decodes
// into dst; a miss recomputes under the wallet's shard lock, caches the
// payload, and decodes it the same way so hit and miss return
// identical shapes.
func (s *Service) readThrough(ctx context.Context, agg cache.AggregateType, wallet string, dst any, build func([]*risk.ApprovalRisk) (any, error)) error {
	key := cache.Key(agg, wallet)

	entry, err := s.store.Get(ctx, key)
	if err == nil {
		metrics.CacheHitsTotal.WithLabelValues(string(agg)).Inc()
		return json.Unmarshal(entry.Payload, dst)
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("aggregate: cache read %s: %w", key, err)
	}
	metrics.CacheMissesTotal.WithLabelValues(string(agg)).Inc()

	unlock := s.recompute.Lock(key)
	defer unlock()

	// Another goroutine may have filled the entry while we waited.
	if entry, err := s.store.Get(ctx, key); err == nil {
		metrics.CacheHitsTotal.WithLabelValues(string(agg)).Inc()
		return json.Unmarshal(entry.Payload, dst)
	}

	risks, maxSev, err := s.computeWallet(ctx, wallet)
	if err != nil {
		return err
	}

	payload, err := build(risks)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("aggregate: encode %s: %w", agg, err)
	}

	ttl, err := cache.TTL(maxSev, s.rng)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := s.store.Set(ctx, &cache.Entry{
		Key:                key,
		Payload:            data,
		SeverityAtCreation: maxSev,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
	}); err != nil {
		// A failed cache write is not a failed read. Serve the result.
		logging.L(ctx).Warn("cache write failed", "key", key, "error", err)
	}

	return json.Unmarshal(data, dst)
}

// computeWallet scores every approval on record for the wallet and
// returns the results plus the highest severity among them. A wallet
// with no approvals is low severity.
func (s *Service) computeWallet(ctx context.Context, wallet string) ([]*risk.ApprovalRisk, risk.Severity, error) {
	records, err := s.approvals.ListByWallet(ctx, s.chain, wallet)
	if err != nil {
		return nil, "", fmt.Errorf("aggregate: list approvals for %s: %w", wallet, err)
	}

	scorer := s.Scorer()
	maxSev := risk.SeverityLow
	risks := make([]*risk.ApprovalRisk, 0, len(records))
	for _, rec := range records {
		r, err := scorer.Score(rec)
		if err != nil {
			return nil, "", fmt.Errorf("aggregate: score %s: %w", rec.Key(), err)
		}
		risks = append(risks, r)
		maxSev = risk.MaxSeverity(maxSev, r.Severity)
	}

	s.saveSnapshotsAsync(ctx, risks)
	if s.publisher != nil && len(risks) > 0 {
		s.publisher.PublishRiskUpdated(wallet, risks)
	}

	return risks, maxSev, nil
}

// saveSnapshotsAsync persists history best-effort off the request path.
func (s *Service) saveSnapshotsAsync(ctx context.Context, risks []*risk.ApprovalRisk) {
	if s.snapshots == nil || len(risks) == 0 {
		return
	}
	snaps := make([]*risk.Snapshot, len(risks))
	for i, r := range risks {
		snaps[i] = risk.SnapshotFromRisk(r)
	}
	log := logging.L(ctx)
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
		defer cancel()
		err := retry.Do(saveCtx, 3, 100*time.Millisecond, func() error {
			return s.snapshots.SaveBatch(saveCtx, snaps)
		})
		if err != nil {
			log.Warn("snapshot save failed", "count", len(snaps), "error", err)
		}
	}()
}

// buildSnapshot folds scored approvals into the wallet overview.
func buildSnapshot(wallet string, risks []*risk.ApprovalRisk) *WalletSnapshot {
	snap := &WalletSnapshot{
		Wallet:          wallet,
		OverallSeverity: risk.SeverityLow,
		GeneratedAt:     time.Now().UTC(),
	}
	for _, r := range risks {
		snap.ApprovalCount++
		snap.TotalValueUSD += r.ValueAtRiskUSD
		if r.RiskScore > snap.MaxRiskScore {
			snap.MaxRiskScore = r.RiskScore
		}
		snap.OverallSeverity = risk.MaxSeverity(snap.OverallSeverity, r.Severity)
		switch r.Severity {
		case risk.SeverityCritical:
			snap.CriticalCount++
		case risk.SeverityHigh:
			snap.HighCount++
		case risk.SeverityMedium:
			snap.MediumCount++
		default:
			snap.LowCount++
		}
	}
	return snap
}
