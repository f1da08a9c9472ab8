package provider

import (
	"fmt"
	"math"
	"time"
)

// BackoffStrategy selects how respawn delays grow.
type BackoffStrategy string

const (
	BackoffNone        BackoffStrategy = "none"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Validate checks the strategy is known.
func (s BackoffStrategy) Validate() error {
	switch s {
	case BackoffNone, BackoffLinear, BackoffExponential:
		return nil
	default:
		return fmt.Errorf("invalid backoff strategy: %q", s)
	}
}

// CalculateBackoff computes the delay before respawn attempt n (0-based). A
// non-positive maxDelay leaves the growth uncapped, saturating at the largest
// representable duration instead of overflowing.
func CalculateBackoff(strategy BackoffStrategy, attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if initialDelay <= 0 {
		return initialDelay
	}
	ceiling := maxDelay
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}

	switch strategy {
	case BackoffLinear:
		// initial, 2*initial, 3*initial...
		if int64(attempt)+1 > int64(ceiling/initialDelay) {
			return ceiling
		}
		return time.Duration(attempt+1) * initialDelay
	case BackoffExponential:
		// initial, 2*initial, 4*initial...
		if attempt >= 63 || initialDelay > ceiling>>attempt {
			return ceiling
		}
		return initialDelay << attempt
	default:
		return initialDelay
	}
}
