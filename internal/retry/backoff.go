package retry

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBase       = 500 * time.Millisecond
	DefaultJitterMax  = 500 * time.Millisecond
	DefaultMaxRetries = 5
)

// Policy controls exponential backoff behaviour.
type Policy struct {
	Base       time.Duration
	JitterMax  time.Duration
	MaxRetries int

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64

	// Sleep waits for d or until ctx is done. Defaults to a timer/select.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used by both fetches and delivery.
func DefaultPolicy() Policy {
	return Policy{
		Base:       DefaultBase,
		JitterMax:  DefaultJitterMax,
		MaxRetries: DefaultMaxRetries,
	}
}

// Delay returns how long to wait before the next attempt. A server hint
// (Retry-After) always wins over the computed backoff.
func (p Policy) Delay(attempt int, hint time.Duration, hinted bool) time.Duration {
	if hinted {
		return hint
	}
	if attempt < 0 {
		attempt = 0
	}

	d := time.Duration(float64(p.Base) * math.Pow(2, float64(attempt)))
	if p.JitterMax > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * float64(p.JitterMax))
	}
	return d
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext blocks for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter reads a Retry-After header given in whole seconds.
// HTTP-date values are ignored.
func ParseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, false
		}
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
