package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics captures HTTP gateway activity segmented by route.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	custodyMetricsOnce sync.Once
	custodyRegistry    *CustodyMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// Gateway returns the lazily-initialised metrics registry used to record
// gateway request activity.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by route and method.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total gateway errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of gateway requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a gateway request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *GatewayMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *GatewayMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// CustodyMetrics wraps collectors tracking the custody engine: workflow
// throughput and latency, the capital ceiling, the pause guard, and oracle
// quote freshness.
type CustodyMetrics struct {
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	errors         *prometheus.CounterVec
	capValuation   prometheus.Gauge
	capLimit       prometheus.Gauge
	capUtilization prometheus.Gauge
	pauseEngaged   prometheus.Gauge
	oracleAge      *prometheus.GaugeVec
}

// Custody exposes the metrics registry for the custody engine.
func Custody() *CustodyMetrics {
	custodyMetricsOnce.Do(func() {
		custodyRegistry = &CustodyMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "custody",
				Name:      "requests_total",
				Help:      "Count of custody workflows segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "custody",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for custody workflows.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "custody",
				Name:      "errors_total",
				Help:      "Count of custody workflow failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			capValuation: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "custody",
				Name:      "cap_valuation",
				Help:      "Latest reserve valuation in reference units.",
			}),
			capLimit: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "custody",
				Name:      "cap_limit",
				Help:      "Configured capital ceiling in reference units.",
			}),
			capUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "custody",
				Name:      "cap_utilization",
				Help:      "Ratio of the capital ceiling consumed by the current valuation (0-1).",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "custody",
				Name:      "pause_engaged",
				Help:      "Indicates whether the custody pause guard is active (1) or not (0).",
			}),
			oracleAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "custody",
				Name:      "oracle_quote_age_seconds",
				Help:      "Age in seconds of the most recent validated oracle quote per pair.",
			}, []string{"pair"}),
		}
		prometheus.MustRegister(
			custodyRegistry.requests,
			custodyRegistry.latency,
			custodyRegistry.errors,
			custodyRegistry.capValuation,
			custodyRegistry.capLimit,
			custodyRegistry.capUtilization,
			custodyRegistry.pauseEngaged,
			custodyRegistry.oracleAge,
		)
	})
	return custodyRegistry
}

// Observe records the execution metrics for a custody workflow. The reason
// should be empty for successful operations and a stable error class such as
// "cap_exceeded" otherwise.
func (m *CustodyMetrics) Observe(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason = strings.TrimSpace(reason); reason != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCap updates the valuation, ceiling, and utilisation gauges.
func (m *CustodyMetrics) RecordCap(valuation, limit *big.Int) {
	if m == nil {
		return
	}
	valuationVal := bigToFloat(valuation)
	m.capValuation.Set(valuationVal)
	limitVal := bigToFloat(limit)
	m.capLimit.Set(limitVal)
	utilisation := 0.0
	if limitVal > 0 {
		utilisation = valuationVal / limitVal
		if utilisation < 0 {
			utilisation = 0
		}
		if utilisation > 1 {
			utilisation = 1
		}
	}
	m.capUtilization.Set(utilisation)
}

// SetPause toggles the pause_engaged gauge.
func (m *CustodyMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// RecordOracleAge records how stale the validated oracle quote was.
func (m *CustodyMetrics) RecordOracleAge(pair string, age time.Duration) {
	if m == nil {
		return
	}
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.oracleAge.WithLabelValues(labelAsset(pair)).Set(seconds)
}

// ReconMetrics tracks reconciliation runs and the anomalies they surface.
type ReconMetrics struct {
	runs      *prometheus.CounterVec
	anomalies *prometheus.CounterVec
	lastRun   prometheus.Gauge
}

// Recon exposes the metrics registry for the journal reconciler.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Count of reconciliation runs segmented by outcome.",
			}, []string{"outcome"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Count of reconciliation anomalies segmented by type.",
			}, []string{"type"}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "recon",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix timestamp of the most recent reconciliation run.",
			}),
		}
		prometheus.MustRegister(
			reconRegistry.runs,
			reconRegistry.anomalies,
			reconRegistry.lastRun,
		)
	})
	return reconRegistry
}

// RecordRun increments the run counter for the supplied outcome and stamps
// the last-run gauge.
func (m *ReconMetrics) RecordRun(outcome string, at time.Time) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.lastRun.Set(float64(at.Unix()))
}

// RecordAnomaly increments the anomaly counter for the supplied type.
func (m *ReconMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
