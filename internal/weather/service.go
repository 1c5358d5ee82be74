package weather

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/weather-shipper/internal/logging"
)

// ErrNoStore is returned by the read accessors when the service has no store.
var ErrNoStore = errors.New("no cycle store configured")

// PollOnce fetches from all sources concurrently and concatenates their
// events in source order. A failing source contributes nothing; only
// cancellation of ctx is returned as an error.
func PollOnce(ctx context.Context, sources []Source, cities []string, logger *zap.Logger) ([]Event, error) {
	logger = logging.Default(logger)

	results := make([][]Event, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			evs, err := src.FetchMany(ctx, cities)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				// A failed source contributes no events.
				logger.Warn("source fetch failed", zap.String("source", src.Name()), zap.Error(err))
				return nil
			}
			results[i] = evs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	events := make([]Event, 0, total)
	for _, r := range results {
		events = append(events, r...)
	}
	return events, nil
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Sources  []Source
	Cities   []string
	Shipper  Shipper
	Store    Store    // optional
	Recorder Recorder // optional
	Logger   *zap.Logger
}

// Service runs poll-and-ship cycles and keeps their reports.
type Service struct {
	sources  []Source
	cities   []string
	shipper  Shipper
	store    Store
	recorder Recorder
	logger   *zap.Logger
}

// NewService creates a new Service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		sources:  cfg.Sources,
		cities:   cfg.Cities,
		shipper:  cfg.Shipper,
		store:    cfg.Store,
		recorder: cfg.Recorder,
		logger:   logging.Default(cfg.Logger).With(zap.String("component", "service")),
	}
}

// Sources returns the active sources in aggregation order.
func (s *Service) Sources() []Source {
	return s.sources
}

// RunCycle polls every source once and ships the aggregated batch. The
// returned report is also saved to the store, whether or not the cycle
// succeeded.
func (s *Service) RunCycle(ctx context.Context, cycle int) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{
		ID:        uuid.NewString(),
		Cycle:     cycle,
		StartedAt: start.UTC(),
	}

	events, err := PollOnce(ctx, s.sources, s.cities, s.logger)
	if err == nil {
		report.Events = len(events)
		report.BySource = countBySource(events)
		err = s.shipper.Ship(ctx, events)
	}

	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Error = err.Error()
	}
	s.record(report, time.Since(start))

	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Info("cycle interrupted", zap.Int("cycle", cycle))
		} else {
			s.logger.Error("cycle failed",
				zap.Int("cycle", cycle),
				zap.String("cycle_id", report.ID),
				zap.Int("events", report.Events),
				zap.Error(err))
		}
		return report, fmt.Errorf("cycle %d: %w", cycle, err)
	}

	s.logger.Info("cycle shipped",
		zap.Int("cycle", cycle),
		zap.String("cycle_id", report.ID),
		zap.Int("events", report.Events),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

func (s *Service) record(report CycleReport, took time.Duration) {
	if s.store != nil {
		s.store.SaveReport(report)
	}
	if s.recorder != nil {
		s.recorder.ObserveCycle(report, took)
	}
}

// GetLatest delegates to the underlying store.
func (s *Service) GetLatest() (CycleReport, error) {
	if s.store == nil {
		return CycleReport{}, ErrNoStore
	}
	return s.store.GetLatest()
}

// GetRange delegates to the underlying store.
func (s *Service) GetRange(from, to time.Time) ([]CycleReport, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.GetRange(from, to)
}

func countBySource(events []Event) map[string]int {
	if len(events) == 0 {
		return nil
	}
	m := make(map[string]int)
	for _, e := range events {
		m[e.SourceProvider]++
	}
	return m
}
