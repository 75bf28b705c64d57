package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	CostUSD          *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec
	BudgetRejects    *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	QueueDepth       prometheus.Gauge
	FallbacksTotal   *prometheus.CounterVec
	HeartbeatReaps   *prometheus.CounterVec
	RateLimitRejects prometheus.Counter
	CacheHits        *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_requests_total",
			Help: "Total tasks dispatched through modelrelay",
		}, []string{"tier", "model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_request_latency_ms",
			Help:    "Dispatch latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"tier", "model"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_cost_usd_total",
			Help: "Recorded USD cost by tier and project",
		}, []string{"tier", "project"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_tokens_total",
			Help: "Actual token usage by tier and direction",
		}, []string{"tier", "direction"}),
		BudgetRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_budget_rejects_total",
			Help: "Tasks rejected by a budget gate",
		}, []string{"gate"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrelay_breaker_state",
			Help: "Circuit breaker state per target (0=closed, 1=open, 2=half-open)",
		}, []string{"target"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelrelay_queue_depth",
			Help: "Tasks currently in flight",
		}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_fallbacks_total",
			Help: "Dispatches that fell back from their primary tier",
		}, []string{"from", "to"}),
		HeartbeatReaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_heartbeat_reaps_total",
			Help: "Tasks flagged stale or cancelled by the reaper",
		}, []string{"outcome"}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelrelay_ratelimit_rejects_total",
			Help: "Requests rejected by the per-IP rate limiter",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_route_cache_total",
			Help: "Routing decision cache lookups",
		}, []string{"result"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostUSD, m.TokensTotal,
		m.BudgetRejects, m.BreakerState, m.QueueDepth, m.FallbacksTotal,
		m.HeartbeatReaps, m.RateLimitRejects, m.CacheHits)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveBreaker records a breaker state change on the gauge.
func (m *Registry) ObserveBreaker(target string, state int) {
	m.BreakerState.WithLabelValues(target).Set(float64(state))
}
