// Package metrics provides Prometheus metrics collection for tokengate.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokengate"

// Collector holds all Prometheus metrics for tokengate.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Authorization metrics
	AuthDecisions *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec

	// Metering metrics
	TokensCharged  *prometheus.CounterVec
	ChargeFailures *prometheus.CounterVec

	// Throttling metrics
	AbuseBlocked prometheus.Counter
	BurstLimited *prometheus.CounterVec

	// Billing metrics
	BillingEvents *prometheus.CounterVec
	UsageResets   prometheus.Counter
	AccountsReset prometheus.Counter

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		AuthDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_decisions_total",
				Help:      "Authorization outcomes by reason",
			},
			[]string{"outcome"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_cache_lookups_total",
				Help:      "Authorization cache lookups by result",
			},
			[]string{"result"},
		),
		TokensCharged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_charged_total",
				Help:      "Tokens charged by operation",
			},
			[]string{"operation"},
		),
		ChargeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "charge_failures_total",
				Help:      "Charges that could not be recorded, by resulting action",
			},
			[]string{"action"},
		),
		AbuseBlocked: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "abuse_blocked_total",
				Help:      "Requests rejected by the per-origin abuse window",
			},
		),
		BurstLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "burst_limited_total",
				Help:      "Requests rejected by the per-IP burst limiter",
			},
			[]string{"scope"},
		),
		BillingEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_events_total",
				Help:      "Billing webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		UsageResets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_resets_total",
				Help:      "Completed monthly usage resets",
			},
		),
		AccountsReset: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accounts_reset_total",
				Help:      "Accounts whose usage was reset",
			},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// NormalizePath reduces cardinality by dropping query strings and capping
// length. tokengate routes are static, so no segment rewriting is needed.
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if len(path) > 50 {
		return path[:50] + "..."
	}
	return path
}

// StatusClass buckets an HTTP status code into "2xx", "4xx" and so on.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
