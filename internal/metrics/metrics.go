// Package metrics holds the Prometheus collectors for fetches, deliveries
// and cycles. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/weather-shipper/internal/weather"
)

const namespace = "weather_shipper"

// Fetch outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	fetchTotal     *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	shipTotal      *prometheus.CounterVec
	eventsShipped  prometheus.Counter
	splitsTotal    prometheus.Counter
	cycleDuration  prometheus.Histogram
	cyclesTotal    *prometheus.CounterVec
	lastSuccessTS  prometheus.Gauge
	lastCycleEvent prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{gatherer: reg}

	m.fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_total",
		Help:      "Per-city provider fetches by source and outcome",
	}, []string{"source", "outcome"})
	m.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Retry attempts by operation",
	}, []string{"operation"})
	m.shipTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ship_requests_total",
		Help:      "Delivery requests by final HTTP status (0 = transport error)",
	}, []string{"status"})
	m.eventsShipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_shipped_total",
		Help:      "Events accepted by the ingestion endpoint",
	})
	m.splitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_splits_total",
		Help:      "Batches split in half after a 413 response",
	})
	m.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Time spent polling and shipping one cycle",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	m.cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Finished cycles by result",
	}, []string{"result"})
	m.lastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successfully shipped cycle",
	})
	m.lastCycleEvent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_cycle_events",
		Help:      "Number of events aggregated in the last cycle",
	})

	reg.MustRegister(
		m.fetchTotal, m.retriesTotal, m.shipTotal, m.eventsShipped,
		m.splitsTotal, m.cycleDuration, m.cyclesTotal,
		m.lastSuccessTS, m.lastCycleEvent,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.gatherer
}

func (m *Metrics) ObserveFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(operation).Inc()
}

// ObserveShip records one delivery request outcome; events is counted only
// when status is 2xx.
func (m *Metrics) ObserveShip(status int, events int) {
	if m == nil {
		return
	}
	m.shipTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	if status/100 == 2 {
		m.eventsShipped.Add(float64(events))
	}
}

func (m *Metrics) ObserveSplit() {
	if m == nil {
		return
	}
	m.splitsTotal.Inc()
}

// ObserveCycle implements weather.Recorder.
func (m *Metrics) ObserveCycle(report weather.CycleReport, took time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(took.Seconds())
	m.lastCycleEvent.Set(float64(report.Events))
	if report.Succeeded() {
		m.cyclesTotal.WithLabelValues("success").Inc()
		m.lastSuccessTS.Set(float64(report.FinishedAt.Unix()))
		return
	}
	m.cyclesTotal.WithLabelValues("failure").Inc()
}
