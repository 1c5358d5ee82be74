package providers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/i474232898/weather-shipper/internal/weather"
)

const openWeatherName = "open_weather"

// OpenWeatherSource implements weather.Source for OpenWeatherMap.
type OpenWeatherSource struct {
	apiKey  string
	baseURL string
	http    *fetcher
}

func NewOpenWeatherSource(apiKey string, opts Options) *OpenWeatherSource {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	return &OpenWeatherSource{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    newFetcher(openWeatherName, opts),
	}
}

func (p *OpenWeatherSource) Name() string {
	return openWeatherName
}

func (p *OpenWeatherSource) FetchMany(ctx context.Context, cities []string) ([]weather.Event, error) {
	return p.http.fetchAll(ctx, cities, p.fetch)
}

type openWeatherPayload struct {
	Name *string `json:"name"`
	Main *struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
	Weather []struct {
		Description *string `json:"description"`
	} `json:"weather"`
}

func (p *OpenWeatherSource) fetch(ctx context.Context, city string) (weather.Event, error) {
	if p.apiKey == "" {
		return weather.Event{}, fmt.Errorf("openweather: %w", errNoAPIKey)
	}

	values := url.Values{}
	values.Set("q", city)
	values.Set("appid", p.apiKey)
	values.Set("units", "metric")

	var payload openWeatherPayload
	if err := p.http.getJSON(ctx, p.baseURL+"?"+values.Encode(), &payload); err != nil {
		return weather.Event{}, err
	}
	return normalizeOpenWeather(payload), nil
}

func normalizeOpenWeather(p openWeatherPayload) weather.Event {
	var temp *float64
	if p.Main != nil {
		temp = p.Main.Temp
	}
	var desc *string
	if len(p.Weather) > 0 {
		desc = p.Weather[0].Description
	}
	return weather.NewEvent(openWeatherName, p.Name, temp, desc)
}
