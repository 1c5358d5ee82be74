package weather

import (
	"time"
)

// Event is a single normalized weather observation. Fields the upstream did
// not provide stay nil and encode as JSON null. Field order is the wire order.
type Event struct {
	City               *string  `json:"city"`
	TemperatureCelsius *float64 `json:"temperature_celsius"`
	Description        *string  `json:"description"`
	SourceProvider     string   `json:"source_provider"`
}

// NewEvent builds an Event tagged with the provider it came from.
func NewEvent(provider string, city *string, tempC *float64, description *string) Event {
	return Event{
		City:               city,
		TemperatureCelsius: tempC,
		Description:        description,
		SourceProvider:     provider,
	}
}

// CycleReport summarizes one poll-and-ship cycle.
type CycleReport struct {
	ID         string         `json:"id"`
	Cycle      int            `json:"cycle"`
	StartedAt  time.Time      `json:"startedAt"`  // always UTC
	FinishedAt time.Time      `json:"finishedAt"` // always UTC
	Events     int            `json:"events"`
	BySource   map[string]int `json:"bySource,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Succeeded reports whether the cycle shipped its batch.
func (r CycleReport) Succeeded() bool {
	return r.Error == ""
}
