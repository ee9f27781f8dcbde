// Package metrics exposes Prometheus metrics for the ceres service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mercator-hq/ceres/pkg/config"
)

// Collector owns every Prometheus metric the service records. All
// recording methods are safe for concurrent use and become no-ops when
// metrics are disabled.
type Collector struct {
	config   config.MetricsConfig
	registry *prometheus.Registry

	leasesCreated    prometheus.Counter
	leasesRenewed    prometheus.Counter
	leasesTerminated *prometheus.CounterVec
	activeLeases     prometheus.Gauge
	usageMicros      prometheus.Counter

	requestsDecided  *prometheus.CounterVec
	decisionConflict prometheus.Counter

	policyViolations *prometheus.CounterVec
	policyRevokes    prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates a collector registered against the given
// registry. A nil registry gets a fresh private one.
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "ceres"
	}
	ns := cfg.Namespace

	c := &Collector{
		config:   cfg,
		registry: registry,

		leasesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "leases_created_total",
			Help:      "Total leases granted by handshakes.",
		}),
		leasesRenewed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "leases_renewed_total",
			Help:      "Total successful lease renewals.",
		}),
		leasesTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "leases_terminated_total",
			Help:      "Total lease terminations by final state.",
		}, []string{"state"}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_leases",
			Help:      "Current number of ACTIVE leases.",
		}),
		usageMicros: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "lease_usage_micros_total",
			Help:      "Total spend recorded against leases, in micro-units.",
		}),

		requestsDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "budget_requests_total",
			Help:      "Total budget request transitions by outcome.",
		}, []string{"outcome"}),
		decisionConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "decision_conflicts_total",
			Help:      "Total decisions lost to a concurrent transition.",
		}),

		policyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "policy_violations_total",
			Help:      "Total usage policy violations by rule.",
		}, []string{"rule"}),
		policyRevokes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "policy_revocations_total",
			Help:      "Total leases revoked by policy enforcement.",
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		c.leasesCreated, c.leasesRenewed, c.leasesTerminated, c.activeLeases, c.usageMicros,
		c.requestsDecided, c.decisionConflict,
		c.policyViolations, c.policyRevokes,
		c.httpRequests, c.httpDuration,
	)
	return c
}

// Handler returns the Prometheus scrape handler for this collector's
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordLeaseCreated counts a successful handshake.
func (c *Collector) RecordLeaseCreated() {
	if !c.config.Enabled {
		return
	}
	c.leasesCreated.Inc()
	c.activeLeases.Inc()
}

// RecordLeaseRenewed counts a successful renewal.
func (c *Collector) RecordLeaseRenewed() {
	if !c.config.Enabled {
		return
	}
	c.leasesRenewed.Inc()
}

// RecordLeaseTerminated counts a termination with its final state.
func (c *Collector) RecordLeaseTerminated(state string) {
	if !c.config.Enabled {
		return
	}
	c.leasesTerminated.WithLabelValues(state).Inc()
	c.activeLeases.Dec()
}

// RecordUsage counts reported spend in micro-units.
func (c *Collector) RecordUsage(micros int64) {
	if !c.config.Enabled {
		return
	}
	c.usageMicros.Add(float64(micros))
}

// RecordRequestOutcome counts a budget request transition
// ("created", "approved", "rejected", "cancelled").
func (c *Collector) RecordRequestOutcome(outcome string) {
	if !c.config.Enabled {
		return
	}
	c.requestsDecided.WithLabelValues(outcome).Inc()
}

// RecordDecisionConflict counts a decision lost to a concurrent racer.
func (c *Collector) RecordDecisionConflict() {
	if !c.config.Enabled {
		return
	}
	c.decisionConflict.Inc()
}

// RecordPolicyViolation counts a tripped policy rule.
func (c *Collector) RecordPolicyViolation(rule string) {
	if !c.config.Enabled {
		return
	}
	c.policyViolations.WithLabelValues(rule).Inc()
}

// RecordPolicyRevocation counts a policy-driven revocation.
func (c *Collector) RecordPolicyRevocation() {
	if !c.config.Enabled {
		return
	}
	c.policyRevokes.Inc()
}

// RecordHTTPRequest counts a served request and observes its duration.
func (c *Collector) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
