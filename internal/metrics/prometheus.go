package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mirror exports the collector's signals through a dedicated Prometheus
// registry so an external scraper sees the same numbers the internal
// rules are evaluated on.
type Mirror struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsSessions      prometheus.Gauge
	wsDropped       prometheus.Counter
	taskRuns        *prometheus.CounterVec
	orderStates     *prometheus.CounterVec
	breakerOpen     *prometheus.GaugeVec
}

// NewMirror creates the registry and all instrument families.
func NewMirror() *Mirror {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Mirror{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneta",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moneta",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moneta",
			Name:      "stream_sessions",
			Help:      "Currently connected streaming sessions.",
		}),
		wsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moneta",
			Name:      "stream_dropped_frames_total",
			Help:      "Frames dropped to slow streaming consumers.",
		}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneta",
			Name:      "task_runs_total",
			Help:      "Scheduler task runs by name and final state.",
		}, []string{"name", "state"}),
		orderStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneta",
			Name:      "order_transitions_total",
			Help:      "Order state transitions by target state.",
		}, []string{"state"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "moneta",
			Name:      "breaker_open",
			Help:      "1 when the named circuit breaker is open.",
		}, []string{"target"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsSessions,
		m.wsDropped,
		m.taskRuns,
		m.orderStates,
		m.breakerOpen,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Mirror) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (m *Mirror) ObserveRequest(route string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SessionOpened / SessionClosed track the streaming session gauge.
func (m *Mirror) SessionOpened() { m.wsSessions.Inc() }

func (m *Mirror) SessionClosed() { m.wsSessions.Dec() }

// FrameDropped counts one dropped streaming frame.
func (m *Mirror) FrameDropped() { m.wsDropped.Inc() }

// TaskFinished counts a completed scheduler run.
func (m *Mirror) TaskFinished(name, state string) {
	m.taskRuns.WithLabelValues(name, state).Inc()
}

// OrderTransition counts an order reaching a new state.
func (m *Mirror) OrderTransition(state string) {
	m.orderStates.WithLabelValues(state).Inc()
}

// SetBreakerOpen reflects a breaker's open flag.
func (m *Mirror) SetBreakerOpen(target string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpen.WithLabelValues(target).Set(v)
}
