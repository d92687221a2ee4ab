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

// Metrics stores Prometheus collectors used by API, coordinator, and worker
// flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	batchesApprovedTotal    *prometheus.CounterVec
	approvalFailuresTotal   *prometheus.CounterVec
	approvalDuration        prometheus.Histogram
	approvalInflight        prometheus.Gauge
	conflictsDetectedTotal  *prometheus.CounterVec
	conflictsResolvedTotal  *prometheus.CounterVec
	resolutionOutcomesTotal *prometheus.CounterVec
	dispatchesTotal         *prometheus.CounterVec
	dispatchDuration        prometheus.Histogram
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batchgate",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "batchgate",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesApprovedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batchgate",
				Name:      "batches_approved_total",
				Help:      "Total number of batches approved, grouped by approval mode.",
			},
			[]string{"mode"},
		),
		approvalFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batchgate",
				Name:      "approval_failures_total",
				Help:      "Total number of per-batch approval failures grouped by reason.",
			},
			[]string{"reason"},
		),
		approvalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "batchgate",
				Name:      "approval_duration_seconds",
				Help:      "Duration of whole approval calls in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		approvalInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "batchgate",
				Name:      "approval_inflight",
				Help:      "Current number of batches being approved.",
			},
		),
		conflictsDetectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batchgate",
				Name:      "conflicts_detected_total",
				Help:      "Total number of configuration conflicts registered, grouped by category.",
			},
			[]string{"category"},
		),
		conflictsResolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batchgate",
				Name:      "conflicts_resolved_total",
				Help:      "Total number of configuration conflicts resolved, grouped by category.",
			},
			[]string{"category"},
		),
		resolutionOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batchgate",
				Name:      "resolution_outcomes_total",
				Help:      "Total number of remediation applications grouped by outcome status.",
			},
			[]string{"status"},
		),
		dispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batchgate",
				Name:      "dispatches_total",
				Help:      "Total number of gateway dispatch attempts grouped by result.",
			},
			[]string{"result"},
		),
		dispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "batchgate",
				Name:      "dispatch_duration_seconds",
				Help:      "Gateway dispatch duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesApprovedTotal,
		m.approvalFailuresTotal,
		m.approvalDuration,
		m.approvalInflight,
		m.conflictsDetectedTotal,
		m.conflictsResolvedTotal,
		m.resolutionOutcomesTotal,
		m.dispatchesTotal,
		m.dispatchDuration,
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

func (m *Metrics) IncBatchApproved(forced bool) {
	if m == nil {
		return
	}
	mode := "routine"
	if forced {
		mode = "forced"
	}
	m.batchesApprovedTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncApprovalFailure(reason string) {
	if m == nil {
		return
	}
	m.approvalFailuresTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveApprovalDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.approvalDuration.Observe(seconds)
}

func (m *Metrics) IncApprovalInFlight() {
	if m == nil {
		return
	}
	m.approvalInflight.Inc()
}

func (m *Metrics) DecApprovalInFlight() {
	if m == nil {
		return
	}
	m.approvalInflight.Dec()
}

func (m *Metrics) IncConflictDetected(category string) {
	if m == nil {
		return
	}
	m.conflictsDetectedTotal.WithLabelValues(normalizeLabel(category)).Inc()
}

func (m *Metrics) IncConflictResolved(category string) {
	if m == nil {
		return
	}
	m.conflictsResolvedTotal.WithLabelValues(normalizeLabel(category)).Inc()
}

func (m *Metrics) IncResolutionOutcome(status string) {
	if m == nil {
		return
	}
	m.resolutionOutcomesTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncBatchDispatched(result string) {
	if m == nil {
		return
	}
	m.dispatchesTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) ObserveDispatchDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.dispatchDuration.Observe(seconds)
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
