// Package metrics exposes client-side counters for streams, events and
// uploads in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatbot"

// Stream outcomes.
const (
	OutcomeDone      = "done"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	streamsOpen    prometheus.Gauge
	streamsStarted prometheus.Counter
	streamOutcomes *prometheus.CounterVec
	firstEvent     prometheus.Histogram
	events         *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	sendsThrottled prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		streamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_open",
			Help:      "Response streams currently open.",
		}),
		streamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Response streams opened.",
		}),
		streamOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_finished_total",
			Help:      "Response streams finished, by outcome.",
		}, []string{"outcome"}),
		firstEvent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_first_event_seconds",
			Help:      "Time from send to the first decoded event.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Decoded stream events, by kind.",
		}, []string{"kind"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "File uploads, by result.",
		}, []string{"result"}),
		sendsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_throttled_total",
			Help:      "Sends dropped by the send throttle.",
		}),
	}
	m.registry.MustRegister(
		m.streamsOpen, m.streamsStarted, m.streamOutcomes, m.firstEvent,
		m.events, m.uploads, m.sendsThrottled,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.streamsStarted.Inc()
	m.streamsOpen.Inc()
}

func (m *Metrics) StreamFinished(outcome string) {
	if m == nil {
		return
	}
	m.streamsOpen.Dec()
	m.streamOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FirstEvent(d time.Duration) {
	if m == nil {
		return
	}
	m.firstEvent.Observe(d.Seconds())
}

func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) Upload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) SendThrottled() {
	if m == nil {
		return
	}
	m.sendsThrottled.Inc()
}
