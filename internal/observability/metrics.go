package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API, worker and dispatcher flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	callsPlacedTotal         *prometheus.CounterVec
	callDuration             *prometheus.HistogramVec
	callRetriesTotal         prometheus.Counter
	dispatcherInflight       prometheus.Gauge
	campaignTransitionsTotal *prometheus.CounterVec
	jobsDiscardedTotal       *prometheus.CounterVec
	jobsRequeuedTotal        *prometheus.CounterVec
}

const namespace = "campaign_engine"

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		callsPlacedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_placed_total",
				Help:      "Total number of contacts that reached a terminal call outcome.",
			},
			[]string{"outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_placement_duration_seconds",
				Help:      "Call placement request duration in seconds grouped by result.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"result"},
		),
		callRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "call_retries_total",
				Help:      "Total number of call placement retries after transient failures.",
			},
		),
		dispatcherInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatcher_inflight_calls",
				Help:      "Current number of in-flight call placements across dispatchers.",
			},
		),
		campaignTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "campaign_transitions_total",
				Help:      "Total number of campaign status transitions grouped by target status.",
			},
			[]string{"to"},
		),
		jobsDiscardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_discarded_total",
				Help:      "Total number of execution jobs dropped without running, grouped by reason.",
			},
			[]string{"reason"},
		),
		jobsRequeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_requeued_total",
				Help:      "Total number of stale campaigns re-enqueued by the requeuer.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.callsPlacedTotal,
		m.callDuration,
		m.callRetriesTotal,
		m.dispatcherInflight,
		m.campaignTransitionsTotal,
		m.jobsDiscardedTotal,
		m.jobsRequeuedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncCallPlaced(outcome string) {
	if m == nil {
		return
	}
	m.callsPlacedTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveCallDuration(result string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.callDuration.WithLabelValues(normalizeLabel(result)).Observe(seconds)
}

func (m *Metrics) IncCallRetry() {
	if m == nil {
		return
	}
	m.callRetriesTotal.Inc()
}

func (m *Metrics) IncDispatcherInFlight() {
	if m == nil {
		return
	}
	m.dispatcherInflight.Inc()
}

func (m *Metrics) DecDispatcherInFlight() {
	if m == nil {
		return
	}
	m.dispatcherInflight.Dec()
}

func (m *Metrics) IncCampaignTransition(to string) {
	if m == nil {
		return
	}
	m.campaignTransitionsTotal.WithLabelValues(normalizeLabel(to)).Inc()
}

func (m *Metrics) IncJobDiscarded(reason string) {
	if m == nil {
		return
	}
	m.jobsDiscardedTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncJobRequeued(status string) {
	if m == nil {
		return
	}
	m.jobsRequeuedTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
