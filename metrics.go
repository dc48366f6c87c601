package rspc

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports server activity to Prometheus. It observes requests and
// subscriptions and tracks connections.
type Metrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	connections   prometheus.Gauge
	subscriptions prometheus.Gauge
	events        *prometheus.CounterVec
	rejected      *prometheus.CounterVec

	reg         prometheus.Registerer
	limiterKeys prometheus.GaugeFunc
}

// NewMetrics creates the server metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rspc",
			Name:      "requests_total",
			Help:      "Queries and mutations executed, by kind and result code.",
		}, []string{"kind", "path", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rspc",
			Name:      "request_duration_seconds",
			Help:      "Time to produce the response of a query or mutation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rspc",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rspc",
			Name:      "subscriptions",
			Help:      "Running subscriptions across all connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rspc",
			Name:      "subscription_events_total",
			Help:      "Events delivered to the outbound queue, by procedure.",
		}, []string{"path"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rspc",
			Name:      "rejected_total",
			Help:      "Inbound messages rejected before dispatch, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.requests, m.latency, m.connections, m.subscriptions, m.events, m.rejected)
	m.reg = reg
	return m
}

// watchRateLimiter exports the number of client keys held by the rate
// limiter. keys is read on every scrape.
func (m *Metrics) watchRateLimiter(keys func() int) {
	m.limiterKeys = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "rspc",
		Name:      "rate_limit_keys",
		Help:      "Client keys tracked by the rate limiter.",
	}, func() float64 { return float64(keys()) })
	m.reg.MustRegister(m.limiterKeys)
}

// BeforeRequest implements RequestObserver. Timing is taken by the router.
func (m *Metrics) BeforeRequest(ctx context.Context, _ RequestMeta) context.Context {
	return ctx
}

// AfterRequest counts the request by result code and records its latency.
func (m *Metrics) AfterRequest(_ context.Context, meta RequestMeta, resp Response, elapsed time.Duration) {
	code := "ok"
	if resp.IsError() {
		code = string(resp.Result.Code)
	}
	m.requests.WithLabelValues(string(meta.Kind), meta.Key, code).Inc()
	m.latency.WithLabelValues(string(meta.Kind)).Observe(elapsed.Seconds())
}

// SubscriptionStarted implements SubscriptionObserver.
func (m *Metrics) SubscriptionStarted(RequestMeta) {
	m.subscriptions.Inc()
}

// SubscriptionEvent counts one delivered event.
func (m *Metrics) SubscriptionEvent(meta RequestMeta) {
	m.events.WithLabelValues(meta.Key).Inc()
}

// SubscriptionEnded implements SubscriptionObserver.
func (m *Metrics) SubscriptionEnded(RequestMeta) {
	m.subscriptions.Dec()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) reject(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}
