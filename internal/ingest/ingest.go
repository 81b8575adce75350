// Package ingest pulls approval events into the approval store.
//
// Each chain runs a REST backfill from the last stored observation up
// to a short lag horizon, then a live stream. Streams fail over from
// the primary provider to the fallback after repeated errors, with
// jittered exponential backoff between attempts.
package ingest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/alphawhale/guardian/internal/approval"
	"github.com/alphawhale/guardian/internal/cache"
	"github.com/alphawhale/guardian/internal/circuitbreaker"
	"github.com/alphawhale/guardian/internal/logging"
	"github.com/alphawhale/guardian/internal/metrics"
	"github.com/alphawhale/guardian/internal/signal"
)

// Provider is one source of approval events for a chain.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Stream sends live approval records on out until ctx is cancelled
	// or the stream fails. A returned error triggers backoff and,
	// eventually, failover.
	Stream(ctx context.Context, chain string, out chan<- *approval.Record) error

	// Backfill fetches historical records in [from, to).
	Backfill(ctx context.Context, chain string, from, to time.Time) ([]*approval.Record, error)
}

// Enricher attaches off-chain signals (spender trust, contract flags,
// interaction history) to a raw record before it is stored. Nil
// enrichers leave the record as the provider built it.
type Enricher interface {
	Enrich(ctx context.Context, rec *approval.Record) error
}

// EventSink receives cache-invalidation events for stored records.
// The aggregate service satisfies this.
type EventSink interface {
	ApplyEvent(ctx context.Context, ev cache.Event) (int, error)
}

// Options tune retry, backfill, and throughput behavior.
type Options struct {
	// Chains to ingest.
	Chains []string

	// StreamLag is how far behind "now" the backfill horizon sits, so
	// the backfill does not race the live stream.
	StreamLag time.Duration

	// BackfillWindow bounds how far back a cold start reaches.
	BackfillWindow time.Duration

	// RetryBase, RetryMax, and RetryMaxAttempts shape the backoff:
	// delay = min(RetryMax, RetryBase*2^attempt + jitter), and after
	// RetryMaxAttempts failures the stream fails over.
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryMaxAttempts int

	// EventsPerSec caps store writes with a token bucket.
	EventsPerSec int
}

// DefaultOptions mirrors production settings.
func DefaultOptions() Options {
	return Options{
		Chains:           []string{"base"},
		StreamLag:        15 * time.Second,
		BackfillWindow:   24 * time.Hour,
		RetryBase:        500 * time.Millisecond,
		RetryMax:         15 * time.Second,
		RetryMaxAttempts: 8,
		EventsPerSec:     10,
	}
}

// seenLimit caps the dedup set. When it fills, the set resets; the
// store's idempotent Put absorbs the resulting re-inserts.
const seenLimit = 100_000

// Service runs ingestion for all configured chains.
type Service struct {
	opts       Options
	primary    Provider
	fallback   Provider
	store      approval.Store
	normalizer *signal.Normalizer
	enricher   Enricher
	sink       EventSink
	breaker    *circuitbreaker.Breaker
	rng        *rand.Rand

	mu         sync.Mutex
	seen       map[string]struct{}
	tokens     int
	lastRefill time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewService creates the ingestion service. fallback may equal primary
// when only one provider is configured.
func NewService(opts Options, primary, fallback Provider, store approval.Store, sink EventSink) *Service {
	return &Service{
		opts:       opts,
		primary:    primary,
		fallback:   fallback,
		store:      store,
		normalizer: signal.NewNormalizer(),
		sink:       sink,
		breaker:    circuitbreaker.New(opts.RetryMaxAttempts, opts.RetryMax),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:       make(map[string]struct{}),
		tokens:     opts.EventsPerSec,
		lastRefill: time.Now(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// WithEnricher attaches an off-chain signal enricher.
func (s *Service) WithEnricher(e Enricher) *Service {
	s.enricher = e
	return s
}

// Run ingests all chains until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, chain := range s.opts.Chains {
		wg.Add(1)
		go func(chain string) {
			defer wg.Done()
			s.runChain(ctx, chain)
		}(chain)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Service) runChain(ctx context.Context, chain string) {
	log := logging.L(ctx).With("chain", chain)

	if err := s.backfill(ctx, chain); err != nil {
		log.Error("backfill failed", "error", err)
	}

	s.streamWithFailover(ctx, chain)
}

// backfill fetches from the last stored observation (or the window
// floor on a cold start) up to now minus the stream lag. The primary
// provider is tried first; on error the fallback gets one shot.
func (s *Service) backfill(ctx context.Context, chain string) error {
	log := logging.L(ctx).With("chain", chain)

	now := s.now().UTC()
	horizon := now.Add(-s.opts.StreamLag)
	floor := now.Add(-s.opts.BackfillWindow)

	start := floor
	last, err := s.store.LatestObservedAt(ctx, chain)
	if err != nil {
		return fmt.Errorf("ingest: latest observation: %w", err)
	}
	if last.After(start) {
		start = last
	}
	if !start.Before(horizon) {
		return nil
	}

	var errs []error
	for _, p := range []Provider{s.primary, s.fallback} {
		if !s.breaker.Allow(p.Name()) {
			errs = append(errs, fmt.Errorf("provider %s circuit open", p.Name()))
			continue
		}
		records, err := p.Backfill(ctx, chain, start, horizon)
		if err != nil {
			s.breaker.RecordFailure(p.Name())
			log.Error("backfill provider failed", "provider", p.Name(), "error", err)
			errs = append(errs, err)
			if p == s.fallback {
				break
			}
			continue
		}
		s.breaker.RecordSuccess(p.Name())
		for _, rec := range records {
			if err := s.handleRecord(ctx, rec); err != nil {
				log.Error("backfill record failed", "tx", rec.TxHash, "error", err)
			}
		}
		if len(records) > 0 {
			log.Info("backfill complete", "provider", p.Name(), "count", len(records))
		}
		return nil
	}
	return fmt.Errorf("ingest: backfill %s: all providers failed: %v", chain, errs)
}

// streamWithFailover keeps a live stream open, backing off on errors
// and swapping primary and fallback after RetryMaxAttempts failures.
func (s *Service) streamWithFailover(ctx context.Context, chain string) {
	log := logging.L(ctx).With("chain", chain)

	out := make(chan *approval.Record, 64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-out:
				if err := s.handleRecord(ctx, rec); err != nil {
					log.Error("stream record failed", "tx", rec.TxHash, "error", err)
				}
			}
		}
	}()

	active, standby := s.primary, s.fallback
	attempt := 0
	for ctx.Err() == nil {
		log.Info("stream connect", "provider", active.Name())
		err := active.Stream(ctx, chain, out)
		if ctx.Err() != nil {
			return
		}

		delay := s.jitterDelay(attempt)
		log.Error("stream error", "provider", active.Name(), "error", err, "retry_in", delay)
		if s.sleep(ctx, delay) != nil {
			return
		}

		attempt++
		if attempt >= s.opts.RetryMaxAttempts {
			log.Warn("stream failover", "from", active.Name(), "to", standby.Name())
			active, standby = standby, active
			attempt = 0
		}
	}
}

// handleRecord dedups, rate-limits, enriches, normalizes, and stores
// one record, then fires the wallet's invalidation event on insert.
func (s *Service) handleRecord(ctx context.Context, rec *approval.Record) error {
	metrics.IngestEventsTotal.WithLabelValues(rec.Chain, "received").Inc()

	key := eventKey(rec)
	if s.alreadySeen(key) {
		metrics.IngestEventsTotal.WithLabelValues(rec.Chain, "duplicate").Inc()
		return nil
	}

	if err := s.rateLimit(ctx); err != nil {
		return err
	}

	if s.enricher != nil {
		if err := s.enricher.Enrich(ctx, rec); err != nil {
			return fmt.Errorf("ingest: enrich %s: %w", key, err)
		}
	}
	s.normalizer.Normalize(rec)

	inserted, err := s.store.Put(ctx, rec)
	if err != nil {
		s.forget(key)
		metrics.IngestEventsTotal.WithLabelValues(rec.Chain, "error").Inc()
		return fmt.Errorf("ingest: store %s: %w", key, err)
	}
	metrics.IngestEventsTotal.WithLabelValues(rec.Chain, "stored").Inc()

	if !rec.ObservedAt.IsZero() {
		lag := s.now().Sub(rec.ObservedAt).Seconds()
		metrics.IngestLagSeconds.WithLabelValues(rec.Chain).Observe(math.Max(0, lag))
	}

	if inserted && s.sink != nil {
		if _, err := s.sink.ApplyEvent(ctx, cache.Event{
			Kind:   cache.EventNewTransaction,
			Wallet: rec.Wallet,
		}); err != nil {
			return fmt.Errorf("ingest: invalidate %s: %w", rec.Wallet, err)
		}
	}
	return nil
}

// jitterDelay is min(max, base*2^attempt + uniform(0, base)).
func (s *Service) jitterDelay(attempt int) time.Duration {
	base := float64(s.opts.RetryBase)
	d := base*math.Pow(2, float64(attempt)) + s.rng.Float64()*base
	return time.Duration(math.Min(float64(s.opts.RetryMax), d))
}

func (s *Service) alreadySeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return true
	}
	if len(s.seen) >= seenLimit {
		s.seen = make(map[string]struct{})
	}
	s.seen[key] = struct{}{}
	return false
}

func (s *Service) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, key)
}

// rateLimit takes one token, refilling at EventsPerSec, and waits when
// the bucket is empty.
func (s *Service) rateLimit(ctx context.Context) error {
	for {
		s.mu.Lock()
		now := s.now()
		refill := int(now.Sub(s.lastRefill).Seconds() * float64(s.opts.EventsPerSec))
		if refill > 0 {
			s.tokens = min(s.opts.EventsPerSec, s.tokens+refill)
			s.lastRefill = now
		}
		if s.tokens > 0 {
			s.tokens--
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		if err := s.sleep(ctx, time.Second/time.Duration(s.opts.EventsPerSec)); err != nil {
			return err
		}
	}
}

// eventKey identifies one approval observation for dedup.
func eventKey(rec *approval.Record) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s:%s",
		rec.Chain, rec.TxHash, rec.Wallet, rec.Token, rec.Spender))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
