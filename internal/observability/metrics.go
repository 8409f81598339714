// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Call metrics
	CallsTotal      *prometheus.CounterVec
	CallAttempts    *prometheus.CounterVec
	CallLatency     *prometheus.HistogramVec
	FailoversTotal  prometheus.Counter
	DeadlineExpired prometheus.Counter

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Provider health metrics
	ProviderStatus    *prometheus.GaugeVec
	QuarantinesTotal  *prometheus.CounterVec
	ProbeFailures     *prometheus.CounterVec
	ProviderLatencyMs *prometheus.GaugeVec

	// Budget metrics
	BudgetRemaining *prometheus.GaugeVec
	BudgetDenials   *prometheus.CounterVec

	// Subscription metrics
	ActiveSubscriptions prometheus.Gauge
	SubscriptionRebinds *prometheus.CounterVec
	MessagesDelivered   prometheus.Counter
	MessagesDropped     prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rpc_gateway"
	}

	return &Metrics{
		CallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "calls_total",
			Help:      "Total gateway calls by chain and outcome",
		}, []string{"chain", "outcome"}),
		CallAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "call_attempts_total",
			Help:      "Total per-provider call attempts by outcome",
		}, []string{"provider", "outcome"}),
		CallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "call_latency_seconds",
			Help:      "Per-provider call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		FailoversTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "failovers_total",
			Help:      "Total calls that required more than one provider attempt",
		}),
		DeadlineExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "deadline_expired_total",
			Help:      "Total calls abandoned because the caller deadline elapsed",
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache misses",
		}),

		ProviderStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "provider_status",
			Help:      "Provider status (2=healthy, 1=degraded, 0=quarantined)",
		}, []string{"provider"}),
		QuarantinesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "quarantines_total",
			Help:      "Total quarantine transitions by provider",
		}, []string{"provider"}),
		ProbeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_failures_total",
			Help:      "Total failed liveness probes by provider",
		}, []string{"provider"}),
		ProviderLatencyMs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "provider_latency_ewma_ms",
			Help:      "Smoothed provider latency estimate in milliseconds",
		}, []string{"provider"}),

		BudgetRemaining: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "remaining",
			Help:      "Remaining daily budget by provider",
		}, []string{"provider"}),
		BudgetDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "denials_total",
			Help:      "Total reservations denied by the daily budget",
		}, []string{"provider"}),

		ActiveSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Number of active subscriptions",
		}),
		SubscriptionRebinds: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "rebinds_total",
			Help:      "Total subscription rebinds to an alternate provider",
		}, []string{"chain"}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "messages_delivered_total",
			Help:      "Total stream messages delivered to handlers",
		}),
		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "messages_dropped_total",
			Help:      "Total stream messages dropped by the bounded delivery queue",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordCall records a completed gateway call.
func RecordCall(chain, outcome string) {
	DefaultMetrics.CallsTotal.WithLabelValues(chain, outcome).Inc()
}

// RecordCallAttempt records one per-provider attempt.
func RecordCallAttempt(provider, outcome string) {
	DefaultMetrics.CallAttempts.WithLabelValues(provider, outcome).Inc()
}

// RecordCallLatency records per-provider call latency.
func RecordCallLatency(provider string, seconds float64) {
	DefaultMetrics.CallLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordFailover marks a call that needed more than one attempt.
func RecordFailover() {
	DefaultMetrics.FailoversTotal.Inc()
}

// RecordDeadlineExpired marks a call abandoned at its deadline.
func RecordDeadlineExpired() {
	DefaultMetrics.DeadlineExpired.Inc()
}

// RecordCacheHit increments the cache hit counter.
func RecordCacheHit() {
	DefaultMetrics.CacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func RecordCacheMiss() {
	DefaultMetrics.CacheMisses.Inc()
}

// SetProviderStatus updates the provider status gauge.
func SetProviderStatus(provider, status string) {
	v := 0.0
	switch status {
	case "healthy":
		v = 2
	case "degraded":
		v = 1
	}
	DefaultMetrics.ProviderStatus.WithLabelValues(provider).Set(v)
}

// RecordQuarantine increments the quarantine transition counter.
func RecordQuarantine(provider string) {
	DefaultMetrics.QuarantinesTotal.WithLabelValues(provider).Inc()
}

// RecordProbeFailure increments the failed probe counter.
func RecordProbeFailure(provider string) {
	DefaultMetrics.ProbeFailures.WithLabelValues(provider).Inc()
}

// SetProviderLatency updates the latency EWMA gauge.
func SetProviderLatency(provider string, ms float64) {
	DefaultMetrics.ProviderLatencyMs.WithLabelValues(provider).Set(ms)
}

// SetBudgetRemaining updates the remaining budget gauge.
func SetBudgetRemaining(provider string, amount float64) {
	DefaultMetrics.BudgetRemaining.WithLabelValues(provider).Set(amount)
}

// RecordBudgetDenial increments the budget denial counter.
func RecordBudgetDenial(provider string) {
	DefaultMetrics.BudgetDenials.WithLabelValues(provider).Inc()
}

// AddActiveSubscriptions adjusts the active subscription gauge.
func AddActiveSubscriptions(delta float64) {
	DefaultMetrics.ActiveSubscriptions.Add(delta)
}

// RecordSubscriptionRebind increments the rebind counter.
func RecordSubscriptionRebind(chain string) {
	DefaultMetrics.SubscriptionRebinds.WithLabelValues(chain).Inc()
}

// RecordMessageDelivered increments the delivered message counter.
func RecordMessageDelivered() {
	DefaultMetrics.MessagesDelivered.Inc()
}

// RecordMessageDropped increments the dropped message counter.
func RecordMessageDropped() {
	DefaultMetrics.MessagesDropped.Inc()
}
