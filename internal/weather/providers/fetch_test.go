package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-shipper/internal/retry"
)

// sleepRecorder stands in for the backoff sleep and remembers every delay.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testPolicy(rec *sleepRecorder) retry.Policy {
	return retry.Policy{
		Base:       500 * time.Millisecond,
		MaxRetries: 5,
		Rand:       func() float64 { return 0 },
		Sleep:      rec.sleep,
	}
}

func openWeatherBody(city string, temp float64) string {
	return fmt.Sprintf(`{"name":%q,"main":{"temp":%v},"weather":[{"description":"clear sky"}]}`, city, temp)
}

func TestOpenWeatherFetchManySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("appid"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		_, _ = fmt.Fprint(w, openWeatherBody(r.URL.Query().Get("q"), 12.5))
	}))
	defer srv.Close()

	src := NewOpenWeatherSource("k", Options{Client: srv.Client(), BaseURL: srv.URL})
	events, err := src.FetchMany(context.Background(), []string{"Berlin", "Sydney", "Oslo"})
	require.NoError(t, err)
	require.Len(t, events, 3)

	for i, city := range []string{"Berlin", "Sydney", "Oslo"} {
		assert.Equal(t, city, *events[i].City)
		assert.Equal(t, 12.5, *events[i].TemperatureCelsius)
		assert.Equal(t, "open_weather", events[i].SourceProvider)
	}
}

func TestFetchHonoursRetryAfter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = fmt.Fprint(w, `{"location":{"name":"Berlin"},"current":{"temp_c":18.5,"condition":{"text":"Sunny"}}}`)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	src := NewWeatherAPISource("k", Options{Client: srv.Client(), BaseURL: srv.URL, Policy: testPolicy(rec)})

	events, err := src.FetchMany(context.Background(), []string{"Berlin"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "weather_api", events[0].SourceProvider)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.recorded())
}

func TestFetchSkipsFailedCity(t *testing.T) {
	var missingHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		city := r.URL.Query().Get("q")
		if city == "Atlantis" {
			missingHits.Add(1)
			http.Error(w, `{"cod":"404","message":"city not found"}`, http.StatusNotFound)
			return
		}
		_, _ = fmt.Fprint(w, openWeatherBody(city, 20))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	src := NewOpenWeatherSource("k", Options{Client: srv.Client(), BaseURL: srv.URL, Policy: testPolicy(rec)})

	events, err := src.FetchMany(context.Background(), []string{"Berlin", "Atlantis", "Oslo"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Berlin", *events[0].City)
	assert.Equal(t, "Oslo", *events[1].City)

	assert.Equal(t, int32(1), missingHits.Load(), "404 must not be retried")
	assert.Empty(t, rec.recorded())
}

func TestFetchRetriesServerErrorsUntilExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	policy := testPolicy(rec)
	policy.MaxRetries = 2
	src := NewOpenWeatherSource("k", Options{Client: srv.Client(), BaseURL: srv.URL, Policy: policy})

	events, err := src.FetchMany(context.Background(), []string{"Berlin"})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, rec.recorded())
}

func TestFetchRespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		_, _ = fmt.Fprint(w, openWeatherBody(r.URL.Query().Get("q"), 1))
	}))
	defer srv.Close()

	src := NewOpenWeatherSource("k", Options{Client: srv.Client(), BaseURL: srv.URL, Concurrency: 2})

	cities := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	events, err := src.FetchMany(context.Background(), cities)
	require.NoError(t, err)
	assert.Len(t, events, len(cities))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCircuitBreakerOpensOnOutage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	policy := testPolicy(&sleepRecorder{})
	policy.MaxRetries = 1
	src := NewOpenWeatherSource("k", Options{Client: srv.Client(), BaseURL: srv.URL, Concurrency: 1, Policy: policy})

	cities := make([]string, 25)
	for i := range cities {
		cities[i] = fmt.Sprintf("city-%d", i)
	}
	events, err := src.FetchMany(context.Background(), cities)
	require.NoError(t, err)
	assert.Empty(t, events)
	// Every city that reached the provider spent its whole budget.
	first := hits.Load()
	assert.GreaterOrEqual(t, first, int32(40))
	assert.Zero(t, first%2)

	// Twenty exhausted cities open the breaker; the next cycle fails fast.
	events, err = src.FetchMany(context.Background(), cities)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, first, hits.Load())
}

func TestTransientBurstDoesNotTripBreaker(t *testing.T) {
	var mu sync.Mutex
	failed := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		city := r.URL.Query().Get("q")
		mu.Lock()
		first := !failed[city]
		failed[city] = true
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, openWeatherBody(city, 3))
	}))
	defer srv.Close()

	src := NewOpenWeatherSource("k", Options{
		Client:      srv.Client(),
		BaseURL:     srv.URL,
		Concurrency: 20,
		Policy:      testPolicy(&sleepRecorder{}),
	})

	cities := make([]string, 25)
	for i := range cities {
		cities[i] = fmt.Sprintf("city-%d", i)
	}
	for cycle := 0; cycle < 2; cycle++ {
		events, err := src.FetchMany(context.Background(), cities)
		require.NoError(t, err)
		assert.Len(t, events, len(cities), "cycle %d", cycle)
	}
}

func TestCircuitBreakerIgnoresNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "real" {
			_, _ = fmt.Fprint(w, openWeatherBody("real", 5))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewOpenWeatherSource("k", Options{Client: srv.Client(), BaseURL: srv.URL, Concurrency: 1})

	cities := make([]string, 0, 31)
	for i := 0; i < 30; i++ {
		cities = append(cities, fmt.Sprintf("nowhere-%d", i))
	}
	cities = append(cities, "real")

	events, err := src.FetchMany(context.Background(), cities)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "real", *events[0].City)
}

func TestFetchManyCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	src := NewOpenWeatherSource("k", Options{Client: srv.Client(), BaseURL: srv.URL})
	_, err := src.FetchMany(ctx, []string{"Berlin", "Oslo"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchWithoutAPIKey(t *testing.T) {
	src := NewOpenWeatherSource("", Options{BaseURL: "http://127.0.0.1:0"})
	events, err := src.FetchMany(context.Background(), []string{"Berlin"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

type fakeGeocoder struct {
	calls atomic.Int32
}

func (g *fakeGeocoder) Geocode(_ context.Context, city string) (Coordinates, error) {
	g.calls.Add(1)
	if city == "Nowhere" {
		return Coordinates{}, fmt.Errorf("no results for %q", city)
	}
	return Coordinates{Lat: 52.52, Lon: 13.405}, nil
}

func TestOpenMeteoGeocodesOncePerCity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "52.5200", r.URL.Query().Get("latitude"))
		assert.Equal(t, "13.4050", r.URL.Query().Get("longitude"))
		_, _ = fmt.Fprint(w, `{"current_weather":{"temperature":9.1,"weathercode":3}}`)
	}))
	defer srv.Close()

	geo := &fakeGeocoder{}
	src := NewOpenMeteoSource(geo, Options{Client: srv.Client(), BaseURL: srv.URL})

	for i := 0; i < 2; i++ {
		events, err := src.FetchMany(context.Background(), []string{"Berlin", "Nowhere"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "Berlin", *events[0].City)
		assert.Equal(t, "Overcast", *events[0].Description)
	}
	// Berlin is cached after the first cycle; Nowhere is retried each time.
	assert.Equal(t, int32(3), geo.calls.Load())
}

func TestGoogleGeocoderHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	g := &GoogleGeocoder{apiKey: "k", lookup: func(string, string) (Coordinates, error) {
		<-release
		return Coordinates{}, nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.Geocode(ctx, "Berlin")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGoogleGeocoderReturnsLookupResult(t *testing.T) {
	g := &GoogleGeocoder{apiKey: "k", lookup: func(key, city string) (Coordinates, error) {
		assert.Equal(t, "k", key)
		if city == "Nowhere" {
			return Coordinates{}, fmt.Errorf("no results")
		}
		return Coordinates{Lat: 59.91, Lon: 10.75}, nil
	}}

	c, err := g.Geocode(context.Background(), "Oslo")
	require.NoError(t, err)
	assert.Equal(t, Coordinates{Lat: 59.91, Lon: 10.75}, c)

	_, err = g.Geocode(context.Background(), "Nowhere")
	assert.ErrorContains(t, err, `geocode "Nowhere"`)
}
