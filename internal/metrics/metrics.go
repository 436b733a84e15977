// Package metrics exposes swarm node internals as Prometheus collectors,
// using an isolated registry per process so these metrics never collide
// with the default global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every swarm Prometheus collector.
type Metrics struct {
	Registry *prometheus.Registry

	DialsTotal        *prometheus.CounterVec
	DialDurationSeconds *prometheus.HistogramVec

	ConnectionsTotal    *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
	ConnectionsTrimmed  *prometheus.CounterVec

	StreamsOpenedTotal *prometheus.CounterVec
	ActiveStreams      prometheus.Gauge

	ReconnectAttemptsTotal *prometheus.CounterVec

	ResourceRejectionsTotal *prometheus.CounterVec

	AutoNATChecksTotal *prometheus.CounterVec
	AutoNATReachability prometheus.Gauge

	GaterDecisionsTotal *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with every collector registered on an
// isolated registry. version and goVersion are recorded as labels on the
// swarm_info gauge.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		DialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_dials_total",
				Help: "Total number of outbound dial attempts.",
			},
			[]string{"result"},
		),
		DialDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarm_dial_duration_seconds",
				Help:    "Duration of outbound dial attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"result"},
		),

		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_connections_total",
				Help: "Total number of connections established, by direction.",
			},
			[]string{"direction"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarm_active_connections",
				Help: "Number of currently tracked connections in the pool.",
			},
		),
		ConnectionsTrimmed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_connections_trimmed_total",
				Help: "Total number of connections trimmed by the connection manager.",
			},
			[]string{"reason"},
		),

		StreamsOpenedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_streams_opened_total",
				Help: "Total number of streams opened, by direction.",
			},
			[]string{"direction"},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarm_active_streams",
				Help: "Number of currently open streams across all connections.",
			},
		),

		ReconnectAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_reconnect_attempts_total",
				Help: "Total number of reconnection attempts, by outcome.",
			},
			[]string{"outcome"},
		),

		ResourceRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_resource_rejections_total",
				Help: "Total number of resource reservations rejected, by scope and resource.",
			},
			[]string{"scope", "resource"},
		),

		AutoNATChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_autonat_checks_total",
				Help: "Total number of AutoNAT v2 reachability checks, by verdict.",
			},
			[]string{"verdict"},
		),
		AutoNATReachability: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarm_autonat_reachability",
				Help: "Current majority AutoNAT v2 reachability verdict (0=unknown, 1=public, 2=private).",
			},
		),

		GaterDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_gater_decisions_total",
				Help: "Total number of connection gater decisions, by outcome.",
			},
			[]string{"outcome"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarm_build_info",
				Help: "Static build information, value is always 1.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.DialsTotal,
		m.DialDurationSeconds,
		m.ConnectionsTotal,
		m.ActiveConnections,
		m.ConnectionsTrimmed,
		m.StreamsOpenedTotal,
		m.ActiveStreams,
		m.ReconnectAttemptsTotal,
		m.ResourceRejectionsTotal,
		m.AutoNATChecksTotal,
		m.AutoNATReachability,
		m.GaterDecisionsTotal,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler serving this instance's metrics in the
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
