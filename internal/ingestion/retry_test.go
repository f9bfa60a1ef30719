package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/queue"
)

func testPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		Retries: retries,
		Backoff: queue.BackoffPolicy{Base: time.Second, Max: 10 * time.Second, Factor: 2},
	}
}

func TestRetry(t *testing.T) {
	flaky := errors.New("connection reset")

	tests := []struct {
		name       string
		retries    int
		failures   int
		permanent  bool
		wantCalls  int
		wantSleeps []time.Duration
		wantErr    string
	}{
		{name: "first try", retries: 3, wantCalls: 1},
		{name: "recovers", retries: 3, failures: 2, wantCalls: 3, wantSleeps: []time.Duration{time.Second, 2 * time.Second}},
		{name: "gives up", retries: 2, failures: 5, wantCalls: 3, wantSleeps: []time.Duration{time.Second, 2 * time.Second}, wantErr: "gave up after 3 attempts: connection reset"},
		{name: "no retries", retries: 0, failures: 1, wantCalls: 1, wantErr: "gave up after 1 attempts"},
		{name: "permanent", retries: 3, failures: 1, permanent: true, wantCalls: 1, wantErr: "connection reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(time.Unix(0, 0))
			calls := 0
			err := Retry(context.Background(), clk, testPolicy(tt.retries), func() error {
				calls++
				if calls > tt.failures {
					return nil
				}
				if tt.permanent {
					return flaky
				}
				return transient(flaky)
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantSleeps == nil {
				assert.Empty(t, clk.Sleeps())
			} else {
				assert.Equal(t, tt.wantSleeps, clk.Sleeps())
			}
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, flaky)
		})
	}
}

func TestRetryHonoursRetryAfter(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0

	err := Retry(context.Background(), clk, testPolicy(1), func() error {
		calls++
		if calls == 1 {
			return transientStatus(errors.New("slow down"), http.StatusTooManyRequests, 7*time.Second)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, clk.Sleeps())
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Retry(ctx, clk, testPolicy(5), func() error {
		calls++
		cancel()
		return transient(errors.New("timeout"))
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, calls)
}

func TestTransientStatus(t *testing.T) {
	cause := errors.New("status")
	for status, want := range map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusNotFound:            false,
		http.StatusForbidden:           false,
	} {
		err := transientStatus(cause, status, 0)
		assert.Equal(t, want, err != nil, "status %d", status)
		if err != nil {
			var te *TransientError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, status, te.Status)
		}
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.True(t, IsTransient(transient(errors.New("net"))))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", transient(errors.New("net")))))
}

func TestRetryPolicyJitterStaysInBounds(t *testing.T) {
	policy := testPolicy(0)
	policy.Jitter = 0.1

	for i := 0; i < 50; i++ {
		d := policy.delay(1)
		assert.GreaterOrEqual(t, d, 1800*time.Millisecond)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
	assert.Equal(t, 10*time.Second, testPolicy(0).delay(6))
}

func TestTransientErrorMessage(t *testing.T) {
	assert.Equal(t, "boom", transient(errors.New("boom")).Error())
	assert.Equal(t, "boom (retry after 5s)", transientStatus(errors.New("boom"), 503, 5*time.Second).Error())
}
