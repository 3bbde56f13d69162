package backpressure

import (
	"context"

	"golang.org/x/time/rate"
)

// Smoother paces ACCEPT-class admissions through a token bucket so a
// burst of simultaneously-READY steps doesn't all hit the process
// manager in the same instant even when the classifier says ACCEPT.
// DEFER/DEGRADE/REJECT bypass the bucket entirely — they're already
// being shed upstream.
type Smoother struct {
	limiter *rate.Limiter
}

// NewSmoother creates a Smoother admitting up to ratePerSec tokens per
// second with the given burst allowance.
func NewSmoother(ratePerSec float64, burst int) *Smoother {
	return &Smoother{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Wait blocks until a token is available or ctx is cancelled. Callers
// should only invoke Wait when the Controller's current state is
// Accept; Smoother itself applies no classification logic.
func (s *Smoother) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// Allow reports whether a token is immediately available without
// blocking, consuming one if so.
func (s *Smoother) Allow() bool {
	return s.limiter.Allow()
}
