package risk

import (
	"fmt"
	"math"
)

// Severity band thresholds. Each band is closed on its lower bound and
// open on its upper bound; the critical band is closed at 1.00.
const (
	criticalThreshold = 0.80
	highThreshold     = 0.60
	mediumThreshold   = 0.40
)

// InvalidScoreError reports a classifier input outside [0,1].
type InvalidScoreError struct {
	Score float64
}

func (e *InvalidScoreError) Error() string {
	return fmt.Sprintf("invalid risk score %v: must be in [0,1]", e.Score)
}

// Classify maps a risk score in [0,1] to a severity tier.
// Out-of-range input is a contract violation: callers must clamp or
// reject upstream, the classifier never clamps silently.
func Classify(score float64) (Severity, error) {
	// NaN compares false against everything, so test it explicitly.
	if math.IsNaN(score) || score < 0 || score > 1 {
		return "", &InvalidScoreError{Score: score}
	}
	switch {
	case score >= criticalThreshold:
		return SeverityCritical, nil
	case score >= highThreshold:
		return SeverityHigh, nil
	case score >= mediumThreshold:
		return SeverityMedium, nil
	default:
		return SeverityLow, nil
	}
}
