// Package shipper delivers event batches to a Logz.io style HTTP listener.
package shipper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/weather-shipper/internal/batch"
	"github.com/i474232898/weather-shipper/internal/common"
	"github.com/i474232898/weather-shipper/internal/logging"
	"github.com/i474232898/weather-shipper/internal/metrics"
	"github.com/i474232898/weather-shipper/internal/retry"
	"github.com/i474232898/weather-shipper/internal/weather"
)

const DefaultShipTimeout = 20 * time.Second

// ErrPayloadTooLarge is returned when a single event is rejected with 413.
var ErrPayloadTooLarge = errors.New("payload too large")

type Options struct {
	// Timeout applies to each POST attempt.
	Timeout time.Duration
	Policy  retry.Policy
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Shipper implements weather.Shipper.
type Shipper struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
	policy   retry.Policy
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

var _ weather.Shipper = (*Shipper)(nil)

func New(client *http.Client, endpoint string, opts Options) *Shipper {
	if client == nil {
		client = common.NewHTTPClient(30 * time.Second)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultShipTimeout
	}
	policy := opts.Policy
	if policy.Base <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &Shipper{
		client:   client,
		endpoint: endpoint,
		timeout:  timeout,
		policy:   policy,
		logger:   logging.Default(opts.Logger).With(zap.String("component", "shipper")),
		metrics:  opts.Metrics,
	}
}

// Ship posts events as one NDJSON batch. A 413 response splits the batch in
// half and ships each half in turn; the first failing half aborts the rest.
func (s *Shipper) Ship(ctx context.Context, events []weather.Event) error {
	if len(events) == 0 {
		return nil
	}

	err := s.post(ctx, events)
	if retry.StatusCode(err) != http.StatusRequestEntityTooLarge {
		return err
	}
	if len(events) == 1 {
		return fmt.Errorf("%w: single event rejected: %w", ErrPayloadTooLarge, err)
	}

	mid := len(events) / 2
	s.metrics.ObserveSplit()
	s.logger.Info("batch too large, splitting",
		zap.Int("events", len(events)),
		zap.Int("left", mid),
		zap.Int("right", len(events)-mid))

	if err := s.Ship(ctx, events[:mid]); err != nil {
		return err
	}
	return s.Ship(ctx, events[mid:])
}

// post sends one batch with retries. 413 is returned untouched so Ship can
// split.
func (s *Shipper) post(ctx context.Context, events []weather.Event) error {
	body, header, err := batch.Encode(events)
	if err != nil {
		return err
	}

	policy := s.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.metrics.ObserveRetry("ship")
		s.logger.Warn("retrying delivery",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Int("status", retry.StatusCode(err)),
			zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	err = retry.Do(ctx, policy, retry.IsRetryable, func(ctx context.Context) error {
		return s.send(ctx, body, header)
	})
	if err != nil {
		s.metrics.ObserveShip(retry.StatusCode(err), len(events))
		return fmt.Errorf("ship %d events: %w", len(events), err)
	}

	s.metrics.ObserveShip(http.StatusOK, len(events))
	s.logger.Debug("batch shipped",
		zap.Int("events", len(events)),
		zap.Int("bytes", len(body)),
		zap.Bool("gzip", header.Get("Content-Encoding") == batch.EncodingGzip))
	return nil
}

func (s *Shipper) send(ctx context.Context, body []byte, header http.Header) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.NewStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
