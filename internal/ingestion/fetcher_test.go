package ingestion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votoclaro/electsync/internal/clock"
)

type breakerRecorder struct {
	mu     sync.Mutex
	states []string
}

func (b *breakerRecorder) BreakerStateChanged(_ string, state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, state)
}

func (b *breakerRecorder) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.states...)
}

func testFetcherConfig(maxRetries int) FetcherConfig {
	return FetcherConfig{
		UserAgent:       "electsync-test",
		Timeout:         5 * time.Second,
		Retry:           testPolicy(maxRetries),
		BreakerFailures: 3,
		BreakerCooldown: time.Hour,
	}
}

func TestHTTPFetcherRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "electsync-test", r.Header.Get("User-Agent"))
		switch hits.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Unix(0, 0))
	f := NewHTTPFetcher("news", clk, testFetcherConfig(3), nil, nil)

	body, err := f.Get(context.Background(), srv.URL+"/feed")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{7 * time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestHTTPFetcherDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher("news", clock.NewFake(time.Unix(0, 0)), testFetcherConfig(3), nil, nil)

	_, err := f.Get(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code 404")
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPFetcherOpensBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &breakerRecorder{}
	f := NewHTTPFetcher("candidates", clock.NewFake(time.Unix(0, 0)), testFetcherConfig(0), rec, nil)

	for i := 0; i < 3; i++ {
		_, err := f.Get(context.Background(), srv.URL+"/list.json")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	_, err := f.Get(context.Background(), srv.URL+"/list.json")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "open", f.State())
	assert.Equal(t, []string{"open"}, rec.seen())
}

func TestHTTPFetcherAppliesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	cfg := testFetcherConfig(0)
	cfg.MinDelay = 3 * time.Second
	f := NewHTTPFetcher("news", clk, cfg, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := f.Get(context.Background(), srv.URL+"/feed")
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, clk.Sleeps())
}

func TestHTTPFetcherRejectsOversizedBody(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/exact" {
			_, _ = w.Write([]byte("12345678"))
			return
		}
		_, _ = w.Write([]byte("123456789"))
	}))
	defer srv.Close()

	cfg := testFetcherConfig(3)
	cfg.MaxBodyBytes = 8
	f := NewHTTPFetcher("candidates", clock.NewFake(time.Unix(0, 0)), cfg, nil, nil)

	body, err := f.Get(context.Background(), srv.URL+"/exact")
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(body))

	_, err = f.Get(context.Background(), srv.URL+"/list.json")
	require.ErrorIs(t, err, ErrResponseTooLarge)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(2), hits.Load(), "oversized bodies are not retried")
}

func TestRetryAfterHeader(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryAfter("30"))
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, time.Duration(0), retryAfter("Wed, 21 Oct 2026 07:28:00 GMT"))
}
