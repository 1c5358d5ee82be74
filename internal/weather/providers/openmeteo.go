package providers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/kelvins/geocoder"

	"github.com/i474232898/weather-shipper/internal/weather"
)

const openMeteoName = "open_meteo"

// Coordinates is a geocoded position.
type Coordinates struct {
	Lat float64
	Lon float64
}

// Geocoder resolves a city name to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, city string) (Coordinates, error)
}

// GoogleGeocoder resolves cities through the Google Geocoding API.
type GoogleGeocoder struct {
	apiKey string
	lookup func(apiKey, city string) (Coordinates, error)
}

func NewGoogleGeocoder(apiKey string) *GoogleGeocoder {
	return &GoogleGeocoder{apiKey: apiKey, lookup: googleLookup}
}

// geocoder keeps its key in a package variable.
var geocoderMu sync.Mutex

// googleLookup has no deadline of its own; callers bound it with ctx.
func googleLookup(apiKey, city string) (Coordinates, error) {
	geocoderMu.Lock()
	defer geocoderMu.Unlock()

	geocoder.ApiKey = apiKey
	loc, err := geocoder.Geocoding(geocoder.Address{City: city})
	if err != nil {
		return Coordinates{}, err
	}
	return Coordinates{Lat: loc.Latitude, Lon: loc.Longitude}, nil
}

// Geocode returns as soon as ctx is done. An abandoned lookup finishes in
// the background and its result is dropped.
func (g *GoogleGeocoder) Geocode(ctx context.Context, city string) (Coordinates, error) {
	if err := ctx.Err(); err != nil {
		return Coordinates{}, err
	}

	type result struct {
		coords Coordinates
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, err := g.lookup(g.apiKey, city)
		done <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		return Coordinates{}, fmt.Errorf("geocode %q: %w", city, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return Coordinates{}, fmt.Errorf("geocode %q: %w", city, r.err)
		}
		return r.coords, nil
	}
}

// OpenMeteoSource implements weather.Source for Open-Meteo. Open-Meteo is
// keyed by coordinates, so each city is geocoded once and cached.
type OpenMeteoSource struct {
	baseURL  string
	geocoder Geocoder
	http     *fetcher

	coords sync.Map // city -> Coordinates
}

func NewOpenMeteoSource(geo Geocoder, opts Options) *OpenMeteoSource {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.open-meteo.com/v1/forecast"
	}
	return &OpenMeteoSource{
		baseURL:  baseURL,
		geocoder: geo,
		http:     newFetcher(openMeteoName, opts),
	}
}

func (p *OpenMeteoSource) Name() string {
	return openMeteoName
}

func (p *OpenMeteoSource) FetchMany(ctx context.Context, cities []string) ([]weather.Event, error) {
	return p.http.fetchAll(ctx, cities, p.fetch)
}

type openMeteoPayload struct {
	CurrentWeather *struct {
		Temperature *float64 `json:"temperature"`
		WeatherCode *int     `json:"weathercode"`
	} `json:"current_weather"`
}

func (p *OpenMeteoSource) locate(ctx context.Context, city string) (Coordinates, error) {
	if c, ok := p.coords.Load(city); ok {
		return c.(Coordinates), nil
	}
	c, err := p.geocoder.Geocode(ctx, city)
	if err != nil {
		return Coordinates{}, err
	}
	p.coords.Store(city, c)
	return c, nil
}

func (p *OpenMeteoSource) fetch(ctx context.Context, city string) (weather.Event, error) {
	loc, err := p.locate(ctx, city)
	if err != nil {
		return weather.Event{}, err
	}

	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(loc.Lat, 'f', 4, 64))
	values.Set("longitude", strconv.FormatFloat(loc.Lon, 'f', 4, 64))
	values.Set("current_weather", "true")

	var payload openMeteoPayload
	if err := p.http.getJSON(ctx, p.baseURL+"?"+values.Encode(), &payload); err != nil {
		return weather.Event{}, err
	}
	return normalizeOpenMeteo(city, payload), nil
}

func normalizeOpenMeteo(city string, p openMeteoPayload) weather.Event {
	var (
		temp *float64
		desc *string
	)
	if p.CurrentWeather != nil {
		temp = p.CurrentWeather.Temperature
		if p.CurrentWeather.WeatherCode != nil {
			d := describeWeatherCode(*p.CurrentWeather.WeatherCode)
			desc = &d
		}
	}
	return weather.NewEvent(openMeteoName, &city, temp, desc)
}

// describeWeatherCode maps WMO weather interpretation codes (simplified).
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "Clear sky"
	case code == 1:
		return "Mainly clear"
	case code == 2:
		return "Partly cloudy"
	case code == 3:
		return "Overcast"
	case code == 45 || code == 48:
		return "Fog"
	case code >= 51 && code <= 57:
		return "Drizzle"
	case code >= 61 && code <= 67:
		return "Rain"
	case code >= 71 && code <= 77:
		return "Snow"
	case code >= 80 && code <= 82:
		return "Rain showers"
	case code == 85 || code == 86:
		return "Snow showers"
	case code >= 95:
		return "Thunderstorm"
	default:
		return "Unknown"
	}
}
