// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/devgate/schema"
)

const namespace = "devgate"

// Metrics owns a registry and the gateway collectors. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	connections         prometheus.Gauge
	inboundEventsTotal  *prometheus.CounterVec
	broadcastsTotal     *prometheus.CounterVec
	evictionsTotal      prometheus.Counter
	terminalBytesTotal  prometheus.Counter
	treeBuildDuration   prometheus.Histogram
	browseTotal         *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, including Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections",
				Help:      "Currently connected session channels",
			},
		),
		inboundEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_events_total",
				Help:      "Inbound session events by event name and result kind",
			},
			[]string{"event", "result"},
		),
		broadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Events broadcast to all connections",
			},
			[]string{"type"},
		),
		evictionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slow_consumer_evictions_total",
				Help:      "Connections closed because their outbound queue was full",
			},
		),
		terminalBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_output_bytes_total",
				Help:      "Bytes read from the shared terminal",
			},
		),
		treeBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tree_build_duration_seconds",
				Help:      "Time to build a directory snapshot",
				Buckets:   prometheus.DefBuckets,
			},
		),
		browseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "browse_total",
				Help:      "Preview requests by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ConnectionOpened increments the connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// RecordResult counts one dispatched inbound event.
func (m *Metrics) RecordResult(result schema.Result) {
	if m == nil {
		return
	}
	outcome := "ok"
	if result.Error != nil {
		outcome = result.Error.Kind
	}
	m.inboundEventsTotal.WithLabelValues(string(result.Event), outcome).Inc()
}

// RecordEviction counts a slow consumer eviction.
func (m *Metrics) RecordEviction(schema.ConnID) {
	if m == nil {
		return
	}
	m.evictionsTotal.Inc()
}

// RecordTreeBuild records snapshot duration.
func (m *Metrics) RecordTreeBuild(duration time.Duration) {
	if m == nil {
		return
	}
	m.treeBuildDuration.Observe(duration.Seconds())
}

// RecordBrowse counts a preview request.
func (m *Metrics) RecordBrowse(success bool) {
	if m == nil {
		return
	}
	outcome := "page"
	if !success {
		outcome = "error"
	}
	m.browseTotal.WithLabelValues(outcome).Inc()
}

// OnTerminalData counts terminal output.
func (m *Metrics) OnTerminalData(_ context.Context, data schema.TerminalData) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(string(schema.EventTerminalData)).Inc()
	m.terminalBytesTotal.Add(float64(len(data.Data)))
}

// OnTerminalExit counts the exit notice.
func (m *Metrics) OnTerminalExit(context.Context, schema.TerminalExit) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(string(schema.EventTerminalExit)).Inc()
}

// OnFileEvent counts filesystem changes.
func (m *Metrics) OnFileEvent(context.Context, schema.FileSystemEvent) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(string(schema.EventFileRefresh)).Inc()
}
