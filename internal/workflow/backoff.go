package workflow

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with jitter, shared by the
// executor's step-retry loop and the supervisor's Core-restart loop
// (§4.A, §4.H) so there is exactly one backoff formula in the module.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // fraction, e.g. 0.25 for ±25%
}

// DefaultStepBackoff matches §4.A: 1s initial, doubling, capped at 60s,
// jittered ±25%.
func DefaultStepBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 60 * time.Second, Jitter: 0.25}
}

// Delay returns the backoff delay for the given zero-based attempt index.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := b.Initial
	for i := 0; i < attempt; i++ {
		base *= 2
		if base > b.Max {
			base = b.Max
			break
		}
	}
	if base > b.Max {
		base = b.Max
	}

	if b.Jitter <= 0 {
		return base
	}

	spread := float64(base) * b.Jitter
	delta := (rand.Float64()*2 - 1) * spread // in [-spread, +spread]
	d := time.Duration(float64(base) + delta)
	if d < 0 {
		d = 0
	}
	return d
}
