// Package backoff computes when a failed queue item becomes eligible again.
package backoff

import (
	"math/rand"
	"time"
)

const (
	// Min is the lower clamp for the exponential base.
	Min = 5 * time.Second
	// Max is the upper clamp for the exponential base.
	Max = 300 * time.Second
	// JitterFactor bounds the random extra delay as a fraction of the base.
	JitterFactor = 0.3
)

// Source supplies uniform samples in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Base returns the clamped exponential delay for the given attempt count.
// The exponent is attempts+1, one step past a plain 2^attempts curve, so that
// a single failure already waits Min and eight or more failures sit at Max.
func Base(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^9 s already exceeds Max; avoid shifting into overflow.
	if attempts >= 9 {
		return Max
	}
	d := time.Second * time.Duration(int64(1)<<uint(attempts+1))
	if d < Min {
		return Min
	}
	if d > Max {
		return Max
	}
	return d
}

// Next returns now + base + jitter, with jitter uniform in [0, JitterFactor*base).
// A nil source falls back to the global math/rand source.
func Next(attempts int, now time.Time, src Source) time.Time {
	base := Base(attempts)
	var u float64
	if src != nil {
		u = src.Float64()
	} else {
		u = rand.Float64()
	}
	jitter := time.Duration(float64(base) * JitterFactor * u)
	return now.Add(base + jitter)
}
