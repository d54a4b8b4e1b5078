package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callbridge"

// Registry holds every collector the service exports.
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "method", "status"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	serviceCalls = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_call_duration_seconds",
		Help:      "Latency of calls to external providers.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "outcome"})

	circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"provider"})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Live call sessions currently bridged.",
	})

	sessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Call sessions by terminal state.",
	}, []string{"state"})

	bargeIns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_barge_in_frames_dropped_total",
		Help:      "Queued agent audio frames discarded because the caller spoke.",
	})

	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Inbound webhook events by kind and outcome.",
	}, []string{"kind", "outcome"})

	notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_attempts_total",
		Help:      "Notification send attempts by channel and status.",
	}, []string{"channel", "status"})

	broadcastDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_dropped_total",
		Help:      "Dashboard events dropped for slow observers or a full relay outbox.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency, serviceCalls, circuitState,
		activeSessions, sessionsEnded, bargeIns,
		webhookEvents, notifications, broadcastDrops,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordRequest(route, method string, status int, latency time.Duration) {
	httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(route, method).Observe(latency.Seconds())
}

func RecordServiceCall(provider string, success bool, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	serviceCalls.WithLabelValues(provider, outcome).Observe(latency.Seconds())
}

func UpdateCircuitBreaker(provider string, state int) {
	circuitState.WithLabelValues(provider).Set(float64(state))
}

func SessionStarted() {
	activeSessions.Inc()
}

func SessionEnded(state string) {
	activeSessions.Dec()
	sessionsEnded.WithLabelValues(state).Inc()
}

// SessionRejected counts a session that failed before it was bridged.
func SessionRejected() {
	sessionsEnded.WithLabelValues("FAILED").Inc()
}

func BargeIn(dropped int) {
	bargeIns.Add(float64(dropped))
}

func WebhookEvent(kind, outcome string) {
	webhookEvents.WithLabelValues(kind, outcome).Inc()
}

func NotificationAttempt(channel, status string) {
	notifications.WithLabelValues(channel, status).Inc()
}

func BroadcastDropped() {
	broadcastDrops.Inc()
}
