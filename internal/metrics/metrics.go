// Package metrics exposes Prometheus collectors for the mail catcher.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailcatcher"

// Metrics holds every collector on its own registry, so several instances
// can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal       prometheus.Counter
	SessionsActive      prometheus.Gauge
	RejectedConnections prometheus.Counter

	MessagesReceived prometheus.Counter
	MessagesDeleted  prometheus.Counter
	MessagesStored   prometheus.Gauge
	MessageSize      prometheus.Histogram
	DecodeAnomalies  prometheus.Counter

	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	Subscribers     prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_sessions_total",
			Help:      "Total number of SMTP sessions accepted",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smtp_sessions_active",
			Help:      "Number of SMTP sessions currently open",
		}),
		RejectedConnections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_rejected_connections_total",
			Help:      "Connections refused by the connection limiter",
		}),

		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages captured",
		}),
		MessagesDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deleted_total",
			Help:      "Total number of messages removed",
		}),
		MessagesStored: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_stored",
			Help:      "Number of messages currently held",
		}),
		MessageSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "Size of captured messages",
			Buckets:   prometheus.ExponentialBuckets(512, 4, 8),
		}),
		DecodeAnomalies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_anomalies_total",
			Help:      "Message sections that were kept raw because they could not be decoded",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to live observers",
		}, []string{"event"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded because a subscriber queue was full",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of attached live observers",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SubscriberAdded implements broker.Observer.
func (m *Metrics) SubscriberAdded() { m.Subscribers.Inc() }

// SubscriberRemoved implements broker.Observer.
func (m *Metrics) SubscriberRemoved() { m.Subscribers.Dec() }

// EventPublished implements broker.Observer.
func (m *Metrics) EventPublished(name string) { m.EventsPublished.WithLabelValues(name).Inc() }

// EventDropped implements broker.Observer.
func (m *Metrics) EventDropped() { m.EventsDropped.Inc() }

// SessionStarted is called when an SMTP session begins.
func (m *Metrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionEnded is called when an SMTP session ends.
func (m *Metrics) SessionEnded() { m.SessionsActive.Dec() }

// ConnectionRejected is called when the limiter turns a connection away.
func (m *Metrics) ConnectionRejected() { m.RejectedConnections.Inc() }

// MessageStored records a captured message.
func (m *Metrics) MessageStored(size, anomalies int) {
	m.MessagesReceived.Inc()
	m.MessagesStored.Inc()
	m.MessageSize.Observe(float64(size))
	m.DecodeAnomalies.Add(float64(anomalies))
}

// MessagesRemoved records n removed messages.
func (m *Metrics) MessagesRemoved(n int) {
	m.MessagesDeleted.Add(float64(n))
	m.MessagesStored.Sub(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
