package store

import (
	"errors"
	"sync"
	"time"

	"github.com/i474232898/weather-shipper/internal/weather"
)

var (
	// ErrNotFound is returned when no cycle report matches the query.
	ErrNotFound = errors.New("no cycle reports")
)

// MemoryStore is a concurrency-safe in-memory history of cycle reports,
// ordered by start time.
type MemoryStore struct {
	mu sync.RWMutex

	reports []weather.CycleReport

	// retention configuration
	maxHistory int           // max number of reports kept
	maxAge     time.Duration // optional max age for reports

	now func() time.Time
}

var _ weather.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		maxHistory: maxHistory,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// SaveReport appends a report and enforces retention.
func (s *MemoryStore) SaveReport(report weather.CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports = append(s.reports, report)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(s.reports) > s.maxHistory {
		over := len(s.reports) - s.maxHistory
		s.reports = append([]weather.CycleReport(nil), s.reports[over:]...)
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(s.reports); i++ {
			if !s.reports[i].StartedAt.Before(cutoff) {
				break
			}
		}
		if i > 0 {
			s.reports = append([]weather.CycleReport(nil), s.reports[i:]...)
		}
	}
}

// GetLatest returns the most recent report.
func (s *MemoryStore) GetLatest() (weather.CycleReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.reports) == 0 {
		return weather.CycleReport{}, ErrNotFound
	}
	return s.reports[len(s.reports)-1], nil
}

// GetRange returns all reports started between from and to (inclusive).
func (s *MemoryStore) GetRange(from, to time.Time) ([]weather.CycleReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []weather.CycleReport
	for _, r := range s.reports {
		if !r.StartedAt.Before(from) && !r.StartedAt.After(to) {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

// Len reports how many reports are retained.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports)
}
