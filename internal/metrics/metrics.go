// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metric names read back by the stats endpoint.
const (
	NameRequestsTotal = "passage_http_requests_total"
	NameTunnelsTotal  = "passage_tunnels_total"
	NameFetchTotal    = "passage_fetch_total"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	TunnelsActive *prometheus.GaugeVec
	TunnelsTotal  *prometheus.CounterVec
	TunnelBytes   *prometheus.CounterVec

	FetchTotal *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: NameRequestsTotal,
			Help: "Total inbound HTTP requests by dispatch mode.",
		}, []string{"method", "status_code", "mode"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "mode"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "passage_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passage_upstream_request_duration_seconds",
			Help:    "Upstream round-trip latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"mode"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_upstream_responses_total",
			Help: "Total upstream responses by mode and status code.",
		}, []string{"mode", "status_code"}),

		TunnelsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "passage_tunnels_active",
			Help: "Number of open CONNECT tunnels and upgrade relays.",
		}, []string{"kind"}),

		TunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: NameTunnelsTotal,
			Help: "Total tunnels by kind and result.",
		}, []string{"kind", "result"}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passage_tunnel_bytes_total",
			Help: "Bytes relayed through tunnels by kind and direction.",
		}, []string{"kind", "direction"}),

		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: NameFetchTotal,
			Help: "Total fetch-rewrite requests by payload kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.TunnelsActive,
		m.TunnelsTotal,
		m.TunnelBytes,
		m.FetchTotal,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// Sum adds up every sample of the named counter or gauge family. Unknown names sum to 0.
func (m *Metrics) Sum(name string) float64 {
	families, err := m.Registry.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, s := range f.GetMetric() {
			switch {
			case s.GetCounter() != nil:
				total += s.GetCounter().GetValue()
			case s.GetGauge() != nil:
				total += s.GetGauge().GetValue()
			}
		}
	}
	return total
}
