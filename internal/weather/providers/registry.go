package providers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/i474232898/weather-shipper/internal/config"
	"github.com/i474232898/weather-shipper/internal/logging"
	"github.com/i474232898/weather-shipper/internal/metrics"
	"github.com/i474232898/weather-shipper/internal/retry"
	"github.com/i474232898/weather-shipper/internal/weather"
)

// Source kinds accepted in SOURCE_TYPES.
const (
	KindFile        = "FILE"
	KindOpenWeather = "OPEN_WEATHER"
	KindWeatherAPI  = "WEATHER_API"
	KindOpenMeteo   = "OPEN_METEO"
)

// Deps are the shared collaborators handed to every source.
type Deps struct {
	Client  *http.Client
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Geocoder overrides the Google geocoder used by Open-Meteo.
	Geocoder Geocoder

	// Policy overrides the retry policy; MaxRetries from cfg still applies.
	Policy *retry.Policy
}

// Build returns the enabled sources in SOURCE_TYPES order. A kind whose
// credentials are missing is left out with a debug log; an unknown kind is
// left out with a warning.
// A kind listed twice is built once.
func Build(cfg *config.AppConfig, deps Deps) []weather.Source {
	logger := logging.Default(deps.Logger)

	policy := retry.DefaultPolicy()
	if deps.Policy != nil {
		policy = *deps.Policy
	}
	policy.MaxRetries = cfg.MaxRetries

	opts := func() Options {
		return Options{
			Client:      deps.Client,
			Concurrency: cfg.Concurrency,
			RateLimit:   cfg.RateLimit,
			Timeout:     cfg.FetchTimeout,
			Policy:      policy,
			Logger:      logger,
			Metrics:     deps.Metrics,
		}
	}

	seen := make(map[string]bool, len(cfg.SourceTypes))
	sources := make([]weather.Source, 0, len(cfg.SourceTypes))
	for _, raw := range cfg.SourceTypes {
		kind := strings.ToUpper(strings.TrimSpace(raw))
		if seen[kind] {
			continue
		}
		seen[kind] = true

		switch kind {
		case KindFile:
			if cfg.CSVFile == "" {
				logger.Debug("CSV_FILE not set, skipping source", zap.String("kind", kind))
				continue
			}
			sources = append(sources, NewFileSource(cfg.CSVFile, logger))
		case KindOpenWeather:
			if cfg.OpenWeatherAPIKey == "" {
				logger.Debug("OPEN_WEATHER_API_KEY not set, skipping source", zap.String("kind", kind))
				continue
			}
			sources = append(sources, NewOpenWeatherSource(cfg.OpenWeatherAPIKey, opts()))
		case KindWeatherAPI:
			if cfg.WeatherAPIKey == "" {
				logger.Debug("WEATHER_API_KEY not set, skipping source", zap.String("kind", kind))
				continue
			}
			sources = append(sources, NewWeatherAPISource(cfg.WeatherAPIKey, opts()))
		case KindOpenMeteo:
			geo := deps.Geocoder
			if geo == nil {
				if cfg.GeocoderAPIKey == "" {
					logger.Debug("GEOCODER_API_KEY not set, skipping source", zap.String("kind", kind))
					continue
				}
				geo = NewGoogleGeocoder(cfg.GeocoderAPIKey)
			}
			sources = append(sources, NewOpenMeteoSource(geo, opts()))
		default:
			logger.Warn("unknown source kind, skipping", zap.String("kind", kind))
		}
	}
	return sources
}
