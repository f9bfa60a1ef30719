package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/votoclaro/electsync/internal/clock"
)

// ErrCircuitOpen is returned while a source's circuit breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrResponseTooLarge is returned when a body exceeds FetcherConfig.MaxBodyBytes.
var ErrResponseTooLarge = errors.New("response too large")

const defaultMaxBodyBytes = 10 << 20

// BreakerObserver is notified when a source's breaker changes state.
type BreakerObserver interface {
	BreakerStateChanged(source, state string)
}

// FetcherConfig tunes one source's HTTP access.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
	MinDelay  time.Duration
	Retry     RetryPolicy
	// BreakerFailures is the number of consecutive failed fetches that opens
	// the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	MaxBodyBytes    int64
}

// DefaultFetcherConfig returns production defaults for minDelay spacing.
func DefaultFetcherConfig(minDelay time.Duration) FetcherConfig {
	return FetcherConfig{
		UserAgent:       "electsync/1.0 (+https://votoclaro.pe)",
		Timeout:         30 * time.Second,
		MinDelay:        minDelay,
		Retry:           DefaultRetryPolicy(),
		BreakerFailures: 5,
		BreakerCooldown: 2 * time.Minute,
		MaxBodyBytes:    defaultMaxBodyBytes,
	}
}

// HTTPFetcher performs every upstream request of one source: rate limited,
// retried on transient failures and guarded by a circuit breaker.
type HTTPFetcher struct {
	source  string
	client  *http.Client
	limiter *RateLimiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	cfg     FetcherConfig
	clock   clock.Clock
	logger  *slog.Logger
}

// NewHTTPFetcher creates the fetcher for source. observer may be nil.
func NewHTTPFetcher(source string, clk clock.Clock, cfg FetcherConfig, observer BreakerObserver, logger *slog.Logger) *HTTPFetcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 2 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	f := &HTTPFetcher{
		source:  source,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: NewRateLimiter(cfg.MinDelay, clk),
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
	}

	f.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        source,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "source", name, "from", from.String(), "to", to.String())
			if observer != nil {
				observer.BreakerStateChanged(name, to.String())
			}
		},
	})

	return f
}

// Source returns the source the fetcher belongs to.
func (f *HTTPFetcher) Source() string {
	return f.source
}

// State reports the breaker state.
func (f *HTTPFetcher) State() string {
	return f.breaker.State().String()
}

// Get fetches url and returns the response body.
func (f *HTTPFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	body, err := f.breaker.Execute(func() ([]byte, error) {
		var body []byte
		err := Retry(ctx, f.clock, f.cfg.Retry, func() error {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
			b, err := f.do(ctx, url)
			body = b
			return err
		})
		return body, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w", f.source, ErrCircuitOpen)
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *HTTPFetcher) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, application/json, text/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transient(fmt.Errorf("failed to fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
		if te := transientStatus(statusErr, resp.StatusCode, retryAfter(resp.Header.Get("Retry-After"))); te != nil {
			return nil, te
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, transient(fmt.Errorf("failed to read response body: %w", err))
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrResponseTooLarge, f.cfg.MaxBodyBytes, url)
	}
	return body, nil
}

// retryAfter parses the delay-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
