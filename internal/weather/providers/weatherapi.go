package providers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/i474232898/weather-shipper/internal/weather"
)

const weatherAPIName = "weather_api"

// WeatherAPISource implements weather.Source for WeatherAPI.com.
type WeatherAPISource struct {
	apiKey  string
	baseURL string
	http    *fetcher
}

func NewWeatherAPISource(apiKey string, opts Options) *WeatherAPISource {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.weatherapi.com/v1/current.json"
	}
	return &WeatherAPISource{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    newFetcher(weatherAPIName, opts),
	}
}

func (p *WeatherAPISource) Name() string {
	return weatherAPIName
}

func (p *WeatherAPISource) FetchMany(ctx context.Context, cities []string) ([]weather.Event, error) {
	return p.http.fetchAll(ctx, cities, p.fetch)
}

type weatherAPIPayload struct {
	Location *struct {
		Name *string `json:"name"`
	} `json:"location"`
	Current *struct {
		TempC     *float64 `json:"temp_c"`
		Condition *struct {
			Text *string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
}

func (p *WeatherAPISource) fetch(ctx context.Context, city string) (weather.Event, error) {
	if p.apiKey == "" {
		return weather.Event{}, fmt.Errorf("weatherapi: %w", errNoAPIKey)
	}

	// WeatherAPI uses "q" for location; it accepts a city name or "lat,lon".
	values := url.Values{}
	values.Set("key", p.apiKey)
	values.Set("q", city)

	var payload weatherAPIPayload
	if err := p.http.getJSON(ctx, p.baseURL+"?"+values.Encode(), &payload); err != nil {
		return weather.Event{}, err
	}
	return normalizeWeatherAPI(payload), nil
}

func normalizeWeatherAPI(p weatherAPIPayload) weather.Event {
	var city *string
	if p.Location != nil {
		city = p.Location.Name
	}
	var (
		temp *float64
		desc *string
	)
	if p.Current != nil {
		temp = p.Current.TempC
		if p.Current.Condition != nil {
			desc = p.Current.Condition.Text
		}
	}
	return weather.NewEvent(weatherAPIName, city, temp, desc)
}
