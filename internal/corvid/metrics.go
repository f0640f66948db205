package corvid

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the process counters/gauges the core updates as it
// processes traffic. They're registered against the default registry so a
// caller outside the core can serve them (e.g. on a /metrics HTTP
// endpoint); this package never listens on HTTP itself.
type Metrics struct {
	Connections    prometheus.Counter
	Users          prometheus.Gauge
	Servers        prometheus.Gauge
	MessagesRouted prometheus.Counter
	ModeTranslated prometheus.Counter
	BurstSeconds   prometheus.Histogram
}

// NewMetrics constructs and registers the core's metric set. Registration
// failures (duplicate registration against the default registry, e.g. in
// tests constructing more than one Runtime) are ignored rather than
// panicking, since the metrics are diagnostic, not load-bearing.
func NewMetrics() *Metrics {
	m := &Metrics{
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_connections_accepted_total",
			Help: "Total number of connections accepted.",
		}),
		Users: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corvid_users",
			Help: "Current number of registered users known to the pool.",
		}),
		Servers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corvid_servers",
			Help: "Current number of linked servers known to the pool.",
		}),
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_messages_routed_total",
			Help: "Total number of PRIVMSG/NOTICE deliveries routed.",
		}),
		ModeTranslated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_mode_translations_total",
			Help: "Total number of cross-server mode string translations performed.",
		}),
		BurstSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "corvid_burst_duration_seconds",
			Help:    "Duration of outbound bursts to newly linked servers.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Connections, m.Users, m.Servers, m.MessagesRouted, m.ModeTranslated, m.BurstSeconds,
	} {
		_ = prometheus.Register(c)
	}

	return m
}
