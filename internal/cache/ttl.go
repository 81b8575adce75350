package cache

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/alphawhale/guardian/internal/metrics"
	"github.com/alphawhale/guardian/internal/risk"
)

// RandomSource supplies the jitter for TTL assignment. Injecting it
// keeps TTL behavior reproducible under test; production code passes a
// seeded math/rand source.
type RandomSource interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
}

// NewRand returns a RandomSource backed by math/rand with the given
// seed.
func NewRand(seed int64) RandomSource {
	return rand.New(rand.NewSource(seed))
}

// ttlRange is an inclusive-min, exclusive-max TTL window in seconds.
type ttlRange struct {
	min, max int
}

// TTL windows per severity. Riskier data expires faster, and the jitter
// spreads refreshes so entries created together do not all expire in
// the same instant.
var ttlRanges = map[risk.Severity]ttlRange{
	risk.SeverityCritical: {min: 3, max: 10},
	risk.SeverityHigh:     {min: 10, max: 30},
	risk.SeverityMedium:   {min: 30, max: 60},
	risk.SeverityLow:      {min: 60, max: 120},
}

// TTLSeconds picks a jittered TTL for a cache entry created at the
// given severity: floor(min + r*(max-min)) with r drawn from rng. The
// result is always >= min and < max.
func TTLSeconds(severity risk.Severity, rng RandomSource) (int, error) {
	r, ok := ttlRanges[severity]
	if !ok {
		return 0, fmt.Errorf("cache: no ttl range for severity %q", severity)
	}
	ttl := int(math.Floor(float64(r.min) + rng.Float64()*float64(r.max-r.min)))
	metrics.CacheTTLSeconds.WithLabelValues(string(severity)).Observe(float64(ttl))
	return ttl, nil
}

// TTL is TTLSeconds as a duration.
func TTL(severity risk.Severity, rng RandomSource) (time.Duration, error) {
	secs, err := TTLSeconds(severity, rng)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
