// Package backoff provides exponential backoff with jitter for the
// runtime's transient-failure retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor multiplies the delay for each further attempt.
	Factor float64
	// Jitter is the randomized fraction (0..1) added on top of the base
	// delay before capping.
	Jitter float64
}

// TransientPolicy is the schedule used for transient network and provider
// failures: 1s base, doubling, capped at 8s, with up to 50% jitter.
func TransientPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     8 * time.Second,
		Factor:  2,
		Jitter:  0.5,
	}
}

// Delay computes the backoff duration after a failure of the 1-indexed
// attempt.
func Delay(p Policy, attempt int) time.Duration {
	return delayWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter needs no cryptographic randomness
}

// delayWithRand separates the random draw so tests stay deterministic.
// randomValue must be in [0, 1).
func delayWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total).Round(time.Millisecond)
}
