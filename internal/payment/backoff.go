package payment

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter doubles base per failed attempt up to max, then picks a point in the upper half.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
