package queue

import (
	"math"
	"time"
)

// BackoffPolicy defines how failed tasks are rescheduled.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoffPolicy returns the production backoff policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:   30 * time.Second,
		Max:    time.Hour,
		Factor: 2.0,
	}
}

// Delay returns min(Base * Factor^attempts, Max). attempts is the number of
// failures recorded so far, including the one being scheduled.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2.0
	}

	backoff := float64(p.Base) * math.Pow(factor, float64(attempts))
	if p.Max > 0 && (backoff > float64(p.Max) || math.IsInf(backoff, 0)) {
		return p.Max
	}
	return time.Duration(backoff)
}
