package dispatch

import (
	"math"
	"math/rand/v2"
	"time"
)

// retryDelay doubles the base per attempt (1-indexed) and applies full
// jitter, capped at maxDelay. Jitter keeps retries of several schedules
// from lining up on the same tick.
func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	// Full jitter over the upper half so the delay never collapses to zero.
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}
