package ingestion

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/votoclaro/electsync/internal/clock"
)

// RateLimiter enforces a minimum delay between consecutive requests to one
// source. Time comes from the injected clock so tests never sleep.
type RateLimiter struct {
	limiter *rate.Limiter
	clock   clock.Clock
}

// NewRateLimiter creates a limiter allowing one request per minDelay.
// A zero minDelay disables limiting.
func NewRateLimiter(minDelay time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	l := &RateLimiter{clock: clk}
	if minDelay > 0 {
		l.limiter = rate.NewLimiter(rate.Every(minDelay), 1)
	}
	return l
}

// Wait blocks until the next request may be sent.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l.limiter == nil {
		return ctx.Err()
	}

	now := l.clock.Now()
	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limiter cannot grant a request")
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := l.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(l.clock.Now())
		return err
	}
	return nil
}
