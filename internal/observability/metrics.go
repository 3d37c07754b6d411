package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Turns                   *prometheus.CounterVec
	TurnLatency             prometheus.Histogram
	TurnStageLatency        *prometheus.HistogramVec
	OutboundPersistFailures prometheus.Counter
	StoreOps                *prometheus.CounterVec
	StoreLatency            *prometheus.HistogramVec
	CompletionErrors        *prometheus.CounterVec
	ActiveConnections       prometheus.Gauge
	WSMessages              *prometheus.CounterVec
	TelegramUpdates         *prometheus.CounterVec

	gatherer prometheus.Gatherer
	stages   *turnStageWindow
}

// NewMetrics registers the service instruments on reg. A nil reg uses the
// process-wide default registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	latencyBuckets := []float64{5, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by final state and whether the fallback reply was used.",
		}, []string{"state", "fallback"}),
		TurnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end turn latency in milliseconds.",
			Buckets:   latencyBuckets,
		}),
		TurnStageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn stage latency in milliseconds.",
			Buckets:   latencyBuckets,
		}, []string{"stage"}),
		OutboundPersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_persist_failures_total",
			Help:      "Assistant replies delivered without being stored.",
		}),
		StoreOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_ops_total",
			Help:      "Message store operations by backend, op and result.",
		}, []string{"backend", "op", "result"}),
		StoreLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_latency_ms",
			Help:      "Message store operation latency in milliseconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"backend", "op"}),
		CompletionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_errors_total",
			Help:      "Completion failures by provider and status code.",
		}, []string{"provider", "code"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open websocket chat connections.",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TelegramUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_updates_total",
			Help:      "Telegram updates by outcome.",
		}, []string{"outcome"}),
		gatherer: gatherer,
		stages:   newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveTurn(state string, fallback bool, d time.Duration) {
	m.Turns.WithLabelValues(state, strconv.FormatBool(fallback)).Inc()
	m.TurnLatency.Observe(durationMS(d))
	m.stages.Observe("turn_total", durationMS(d))
	if fallback {
		m.stages.ObserveIndicator("fallback_reply")
	}
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.TurnStageLatency.WithLabelValues(stage).Observe(durationMS(d))
	m.stages.Observe(stage, durationMS(d))
}

func (m *Metrics) ObserveOutboundPersistFailure() {
	m.OutboundPersistFailures.Inc()
	m.stages.ObserveIndicator("outbound_persist_failed")
}

func (m *Metrics) ObserveCompletionError(provider string, status int) {
	m.CompletionErrors.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

// ObserveStoreOp implements memory.Observer.
func (m *Metrics) ObserveStoreOp(backend, op string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOps.WithLabelValues(backend, op, result).Inc()
	m.StoreLatency.WithLabelValues(backend, op).Observe(durationMS(elapsed))
}

func (m *Metrics) SetActiveConnections(n int) {
	m.ActiveConnections.Set(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveTelegramUpdate(outcome string) {
	m.TelegramUpdates.WithLabelValues(outcome).Inc()
}

// SnapshotTurnStages returns rolling percentiles for recent turns.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.stages.Snapshot()
}

// Handler serves the registry these metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
