// Package throttle bounds how often a shared resource may be used
// across independent callers — e.g. how many failover handlers may
// begin a health-check cycle in the same instant.
package throttle

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate limiter for a single shared
// resource. The zero value is not usable; construct with New.
type Limiter struct {
	rl *rate.Limiter
}

// New creates a Limiter allowing up to ratePerSecond events per second,
// with burst as the maximum instantaneous allowance.
func New(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}
