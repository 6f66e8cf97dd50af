package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/topiclane/internal/events"
)

// Metrics groups all Prometheus instruments used by the service. Every
// method is safe on a nil receiver.
type Metrics struct {
	TodoTransitions *prometheus.CounterVec
	TodoBackoffs    *prometheus.CounterVec
	TodoSendLatency prometheus.Histogram
	LaneEvents      *prometheus.CounterVec
	ActiveLanes     prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec

	registry prometheus.Gatherer
	window   *stageWindow
}

// NewMetrics registers instruments on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWith registers on reg. Tests pass a fresh prometheus.Registry so
// repeated construction does not collide.
func NewMetricsWith(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TodoTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "todo_transitions_total",
			Help:      "Todo status transitions by target status.",
		}, []string{"status"}),
		TodoBackoffs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "todo_backoffs_total",
			Help:      "Executor backoffs by reason.",
		}, []string{"reason"}),
		TodoSendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "todo_send_latency_ms",
			Help:      "Latency of the send-message side effect in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		LaneEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_events_total",
			Help:      "Resource lane events by type.",
		}, []string{"event"}),
		ActiveLanes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_lanes",
			Help:      "Number of resource lanes with queued or running tasks.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		registry: gatherer,
		window:   newStageWindow(256),
	}
}

func (m *Metrics) ObserveTodoTransition(status string) {
	if m == nil {
		return
	}
	m.TodoTransitions.WithLabelValues(status).Inc()
	if status == "failed" {
		m.window.Count("failed")
	}
}

func (m *Metrics) ObserveBackoff(reason string) {
	if m == nil {
		return
	}
	m.TodoBackoffs.WithLabelValues(reason).Inc()
	m.window.Count("backoff_" + reason)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	if stage == StageSend {
		m.TodoSendLatency.Observe(float64(d.Milliseconds()))
	}
	m.window.Observe(stage, d)
}

func (m *Metrics) ObserveHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// WatchLanes counts lane events from bus and keeps ActiveLanes in sync with
// activeCount. It returns the unsubscribe func.
func (m *Metrics) WatchLanes(bus *events.Bus, activeCount func() int) func() {
	if m == nil || bus == nil {
		return func() {}
	}
	return bus.Subscribe(func(evt events.Event) {
		m.LaneEvents.WithLabelValues(string(evt.Type)).Inc()
		if activeCount != nil && (evt.Type == events.EventStateChanged || evt.Type == events.EventLaneIdle) {
			m.ActiveLanes.Set(float64(activeCount()))
		}
	})
}

func (m *Metrics) PipelineSnapshot() PipelineSnapshot {
	if m == nil {
		return PipelineSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
