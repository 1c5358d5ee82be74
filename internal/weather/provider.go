package weather

import (
	"context"
	"time"
)

// Source abstracts a weather data source (a CSV file, OpenWeatherMap,
// WeatherAPI, Open-Meteo).
type Source interface {
	Name() string
	// FetchMany returns normalized events for the given cities. A failure for
	// one city never fails the call; only cancellation or a local read error
	// is returned.
	FetchMany(ctx context.Context, cities []string) ([]Event, error)
}

// Shipper delivers a batch of events to the ingestion endpoint.
type Shipper interface {
	Ship(ctx context.Context, events []Event) error
}

// Store is the contract the in-memory cycle report store satisfies.
type Store interface {
	SaveReport(report CycleReport)
	GetLatest() (CycleReport, error)
	GetRange(from, to time.Time) ([]CycleReport, error)
}

// Recorder receives cycle-level measurements. Implementations must be safe
// for concurrent use.
type Recorder interface {
	ObserveCycle(report CycleReport, duration time.Duration)
}
