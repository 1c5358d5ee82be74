package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/i474232898/weather-shipper/internal/common"
	"github.com/i474232898/weather-shipper/internal/logging"
	"github.com/i474232898/weather-shipper/internal/metrics"
	"github.com/i474232898/weather-shipper/internal/retry"
	"github.com/i474232898/weather-shipper/internal/weather"
)

const (
	DefaultConcurrency    = 20
	DefaultRequestTimeout = 15 * time.Second
)

var (
	errCircuitOpen = errors.New("circuit breaker open")
	errNoAPIKey    = errors.New("api key is not configured")
)

// Options configures a provider source. Zero values pick the defaults.
type Options struct {
	Client *http.Client

	// BaseURL overrides the provider endpoint.
	BaseURL string

	// Concurrency bounds in-flight requests across all cities of the source.
	Concurrency int

	// RateLimit caps requests per second; 0 disables limiting.
	RateLimit float64

	// Timeout applies to each individual request attempt.
	Timeout time.Duration

	Policy  retry.Policy
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// fetcher is the resilient HTTP plumbing shared by the provider sources:
// a per-source semaphore, optional rate limiter, circuit breaker and the
// retry loop.
type fetcher struct {
	name    string
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	circuit *gobreaker.CircuitBreaker
	policy  retry.Policy
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newFetcher(name string, opts Options) *fetcher {
	client := opts.Client
	if client == nil {
		client = common.NewHTTPClient(30 * time.Second)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	policy := opts.Policy
	if policy.Base <= 0 {
		policy = retry.DefaultPolicy()
	}
	logger := logging.Default(opts.Logger).With(zap.String("source", name))

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 20
		},
		// The breaker sees one outcome per city, after retries. Only an
		// exhausted retry budget counts as a failure; a 404 for an unknown
		// city, a 429 or a cancelled cycle means the provider is up.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			if retry.StatusCode(err) == http.StatusTooManyRequests {
				return true
			}
			return !errors.Is(err, retry.ErrExhausted)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &fetcher{
		name:    name,
		client:  client,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		limiter: limiter,
		circuit: cb,
		policy:  policy,
		timeout: timeout,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// getJSON GETs rawURL and decodes the 2xx body into out, retrying transient
// failures. The breaker wraps the whole retry loop for one city. The
// concurrency slot is held only for the duration of one attempt, never
// across a backoff sleep.
func (f *fetcher) getJSON(ctx context.Context, rawURL string, out any) error {
	policy := f.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		f.metrics.ObserveRetry("fetch")
		f.logger.Debug("retrying fetch",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	_, err := f.circuit.Execute(func() (interface{}, error) {
		return nil, retry.Do(ctx, policy, retry.IsRetryable, func(ctx context.Context) error {
			if err := f.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer f.sem.Release(1)

			if f.limiter != nil {
				if err := f.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			return f.do(ctx, rawURL, out)
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", errCircuitOpen, err)
	}
	return err
}

func (f *fetcher) do(ctx context.Context, rawURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.NewStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// fetchAll runs one per city concurrently and keeps the successful events
// in city order. A failed city is logged and skipped.
func (f *fetcher) fetchAll(ctx context.Context, cities []string, one func(ctx context.Context, city string) (weather.Event, error)) ([]weather.Event, error) {
	results := make([]*weather.Event, len(cities))

	var wg sync.WaitGroup
	for i, city := range cities {
		i, city := i, city
		wg.Add(1)
		go func() {
			defer wg.Done()

			e, err := one(ctx, city)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.metrics.ObserveFetch(f.name, metrics.OutcomeFailed)
				f.logger.Warn("fetch failed",
					zap.String("city", city),
					zap.Int("status", retry.StatusCode(err)),
					zap.Error(err))
				return
			}
			f.metrics.ObserveFetch(f.name, metrics.OutcomeOK)
			results[i] = &e
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events := make([]weather.Event, 0, len(cities))
	for _, e := range results {
		if e != nil {
			events = append(events, *e)
		}
	}
	return events, nil
}
