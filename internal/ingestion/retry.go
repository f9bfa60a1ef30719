package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/queue"
)

// RetryPolicy bounds the in-request retries of one upstream call. A document
// that still cannot be fetched fails the source's fetch; per-item failures
// go to the retry queue instead.
type RetryPolicy struct {
	// Retries is the number of attempts after the first.
	Retries int
	Backoff queue.BackoffPolicy
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64
}

// DefaultRetryPolicy is used for upstream HTTP requests.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries: 2,
		Backoff: queue.BackoffPolicy{Base: time.Second, Max: 30 * time.Second, Factor: 2},
		Jitter:  0.1,
	}
}

// delay is the pause before retry number attempt (zero based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff.Delay(attempt)
	if p.Jitter > 0 {
		d += time.Duration(float64(d) * p.Jitter * (2*rand.Float64() - 1))
	}
	return d
}

// TransientError marks an upstream failure worth retrying: a network error,
// HTTP 429 or a 5xx. Status is zero for network errors.
type TransientError struct {
	Err        error
	Status     int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %v)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err, or anything it wraps, is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func transient(err error) error {
	return &TransientError{Err: err}
}

// transientStatus classifies an HTTP status. It returns nil for statuses
// that a retry cannot fix.
func transientStatus(err error, status int, retryAfter time.Duration) error {
	if status != http.StatusTooManyRequests && status < 500 {
		return nil
	}
	return &TransientError{Err: err, Status: status, RetryAfter: retryAfter}
}

// Retry calls fn until it succeeds, fails permanently or the policy runs
// out. A RetryAfter hint replaces the computed delay. Sleeps go through clk.
func Retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var te *TransientError
		if !errors.As(err, &te) {
			return err
		}
		if attempt >= policy.Retries {
			return fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
		}

		wait := policy.delay(attempt)
		if te.RetryAfter > 0 {
			wait = te.RetryAfter
		}
		if err := clk.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}
}
