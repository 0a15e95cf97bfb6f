package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64        // fraction of the delay, e.g. 0.25 for ±25%
	Rand   func() float64 // in [0,1); nil uses math/rand
}

// Delay returns the wait before retry number attempt (0-based):
// min(Base·2^attempt, Max), then scaled by a random factor in
// [1-Jitter, 1+Jitter).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		factor := 1 - b.Jitter + r()*2*b.Jitter
		d = time.Duration(float64(d) * factor)
	}
	return d
}
