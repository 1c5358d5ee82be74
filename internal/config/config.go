package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const defaultListenerPort = "8071"

var validate = validator.New()

type AppConfig struct {
	OpenWeatherAPIKey string
	WeatherAPIKey     string
	GeocoderAPIKey    string
	CSVFile           string

	// SourceTypes lists enabled source kinds in aggregation order,
	// e.g. FILE, OPEN_WEATHER, WEATHER_API, OPEN_METEO.
	SourceTypes []string `validate:"dive,oneof=FILE OPEN_WEATHER WEATHER_API OPEN_METEO"`

	// Cities to poll.
	Cities []string

	// Ingestion endpoint.
	LogzToken    string `validate:"required"`
	LogzListener string `validate:"required,hostname_port"`
	LogzType     string
	LogzScheme   string `validate:"oneof=http https"`

	PollingInterval time.Duration `validate:"gt=0"`
	Concurrency     int           `validate:"gte=1"`
	RateLimit       float64       `validate:"gte=0"` // requests per second per source; 0 = unlimited
	MaxRetries      int           `validate:"gte=0"`

	FetchTimeout time.Duration `validate:"gt=0"` // per provider request attempt
	ShipTimeout  time.Duration `validate:"gt=0"` // per delivery attempt
	HTTPTimeout  time.Duration `validate:"gt=0"` // shared client bound

	// Cycle report retention.
	StoreMaxHistory int           // max number of reports (0 = unlimited)
	StoreMaxAge     time.Duration // max age of reports (0 = unlimited)

	StatusEnabled bool
	Port          string `validate:"numeric"`

	LogLevel       string `validate:"omitempty,oneof=debug info warn warning error"`
	LogDevelopment bool
}

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. It reports false when the file is absent.
func LoadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// Load reads configuration from the environment with sensible defaults.
// Call LoadEnvFile first to pick up a .env file.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}

	cfg.OpenWeatherAPIKey = os.Getenv("OPEN_WEATHER_API_KEY")
	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	cfg.GeocoderAPIKey = os.Getenv("GEOCODER_API_KEY")
	cfg.CSVFile = os.Getenv("CSV_FILE")

	kinds := getenvDefault("SOURCE_TYPES", os.Getenv("SOURCE_TYPE"))
	for _, k := range splitList(kinds) {
		cfg.SourceTypes = append(cfg.SourceTypes, strings.ToUpper(k))
	}
	cfg.Cities = splitList(os.Getenv("CITIES"))

	cfg.LogzToken = os.Getenv("LOGZ_TOKEN")
	cfg.LogzListener = normalizeListener(getenvDefault("LOGZ_LISTENER", "listener.logz.io"))
	cfg.LogzType = getenvDefault("LOGZ_TYPE", "weather")
	cfg.LogzScheme = strings.ToLower(getenvDefault("LOGZ_SCHEME", "https"))

	secs, err := getenvInt("POLLING_INTERVAL", 60)
	if err != nil {
		return nil, err
	}
	cfg.PollingInterval = time.Duration(secs) * time.Second

	if cfg.Concurrency, err = getenvInt("CONCURRENCY", 20); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = getenvFloat("RATE_LIMIT_PER_SECOND", 0); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getenvInt("MAX_RETRIES", 5); err != nil {
		return nil, err
	}

	if cfg.FetchTimeout, err = getenvDuration("FETCH_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.ShipTimeout, err = getenvDuration("SHIP_TIMEOUT", "20s"); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "30s"); err != nil {
		return nil, err
	}

	// Roughly 24h of reports at the default one-minute interval.
	if cfg.StoreMaxHistory, err = getenvInt("STORE_MAX_HISTORY", 1440); err != nil {
		return nil, err
	}
	if cfg.StoreMaxAge, err = getenvDuration("STORE_MAX_AGE", "24h"); err != nil {
		return nil, err
	}

	if cfg.StatusEnabled, err = getenvBool("STATUS_ENABLED", true); err != nil {
		return nil, err
	}
	cfg.Port = getenvDefault("PORT", "8080")

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	if cfg.LogDevelopment, err = getenvBool("LOG_DEVELOPMENT", false); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// IngestURL is the ingestion endpoint including the auth token.
func (c *AppConfig) IngestURL() string {
	q := url.Values{}
	q.Set("token", c.LogzToken)
	if c.LogzType != "" {
		q.Set("type", c.LogzType)
	}
	u := url.URL{
		Scheme:   c.LogzScheme,
		Host:     c.LogzListener,
		Path:     "/",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// normalizeListener appends the default listener port when none is given.
func normalizeListener(listener string) string {
	listener = strings.TrimSpace(listener)
	if _, _, err := net.SplitHostPort(listener); err == nil {
		return listener
	}
	return net.JoinHostPort(listener, defaultListenerPort)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
