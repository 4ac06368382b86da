// Package observability exposes server metrics as Prometheus collectors
// on a private registry.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "fast_reactor"

// Metrics groups the server collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsActive   *prometheus.GaugeVec
	requests            *prometheus.CounterVec
	handlerLatency      *prometheus.HistogramVec
	admissionDrops      prometheus.Counter
	busyResponses       prometheus.Counter
	parseErrors         *prometheus.CounterVec
	timeoutsSwept       prometheus.Counter
	writeErrors         prometheus.Counter
	queueDepth          *prometheus.GaugeVec
	upstreamFailures    *prometheus.CounterVec
	upstreamSelected    *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Accepted inbound connections.",
		}),
		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live connections per net thread.",
		}, []string{"thread"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Completed inbound messages by protocol.",
		}, []string{"protocol"}),
		handlerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time from message completion to response ready.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"protocol"}),
		admissionDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_drops_total",
			Help:      "Connections dropped because the worker queue was fully loaded.",
		}),
		busyResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_responses_total",
			Help:      "Messages answered by the overload handler.",
		}),
		parseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Connections closed because of malformed input.",
		}, []string{"protocol"}),
		timeoutsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_swept_total",
			Help:      "Connections removed by the idle sweep.",
		}),
		writeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_errors_total",
			Help:      "Connections torn down after a failed write.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Items waiting in the worker receive queue per net thread.",
		}, []string{"thread"}),
		upstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Failed upstream connects by upstream address.",
		}, []string{"upstream"}),
		upstreamSelected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_selected_total",
			Help:      "Load balancer selections by upstream address.",
		}, []string{"upstream"}),
	}
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
}

func (m *Metrics) SetActiveConnections(thread string, n int) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(thread).Set(float64(n))
}

func (m *Metrics) MessageReceived(protocol string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ObserveHandler(protocol string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerLatency.WithLabelValues(protocol).Observe(d.Seconds())
}

func (m *Metrics) AdmissionDropped() {
	if m == nil {
		return
	}
	m.admissionDrops.Inc()
}

func (m *Metrics) BusyResponse() {
	if m == nil {
		return
	}
	m.busyResponses.Inc()
}

func (m *Metrics) ParseError(protocol string) {
	if m == nil {
		return
	}
	m.parseErrors.WithLabelValues(protocol).Inc()
}

func (m *Metrics) TimeoutsSwept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.timeoutsSwept.Add(float64(n))
}

func (m *Metrics) WriteError() {
	if m == nil {
		return
	}
	m.writeErrors.Inc()
}

func (m *Metrics) SetQueueDepth(thread string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(thread).Set(float64(n))
}

func (m *Metrics) UpstreamFailed(upstream string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(upstream).Inc()
}

func (m *Metrics) UpstreamSelected(upstream string) {
	if m == nil {
		return
	}
	m.upstreamSelected.WithLabelValues(upstream).Inc()
}
