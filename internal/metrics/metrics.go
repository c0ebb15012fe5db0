// Package metrics exposes Prometheus collectors for the relay core.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaycore"

var (
	once sync.Once

	// Connection pool
	ConnectedRelays = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "connected_relays",
		Help:      "Number of relays with an open connection",
	})
	ConnectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "connect_failures_total",
		Help:      "Failed relay dial attempts",
	}, []string{"relay"})
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "messages_total",
		Help:      "Inbound relay messages by label",
	}, []string{"type"})
	ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "protocol_errors_total",
		Help:      "Inbound frames dropped as malformed or with a bad signature",
	})
	Cooldowns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "cooldowns_total",
		Help:      "Relays put into cooldown",
	}, []string{"reason"})

	// Subscriptions
	QuorumWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "quorum_wait_seconds",
		Help:      "Time spent awaiting an EOSE quorum",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	})
	QuorumTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "quorum_timeouts_total",
		Help:      "Quorum waits that ended on timeout with partial answers",
	})

	// Routing
	OutboxDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "dispatch_total",
		Help:      "Subscriptions dispatched by route",
	}, []string{"route"})

	// Ingestion
	IngestEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Admission decisions",
	}, []string{"result"})
	IngestNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "notifications_total",
		Help:      "Batched observer notifications",
	}, []string{"stream"})

	// Discovery
	DiscoveryRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "runs_total",
		Help:      "Network expansion runs by result",
	}, []string{"result"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ConnectedRelays)
		prometheus.MustRegister(ConnectFailures)
		prometheus.MustRegister(MessagesReceived)
		prometheus.MustRegister(ProtocolErrors)
		prometheus.MustRegister(Cooldowns)
		prometheus.MustRegister(QuorumWait)
		prometheus.MustRegister(QuorumTimeouts)
		prometheus.MustRegister(OutboxDispatches)
		prometheus.MustRegister(IngestEvents)
		prometheus.MustRegister(IngestNotifications)
		prometheus.MustRegister(DiscoveryRuns)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
