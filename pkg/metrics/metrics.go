package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tenant lifecycle metrics
	ConnectStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connect_starts_total",
			Help: "Total number of tenant connect supervisor starts by result",
		},
		[]string{"result"},
	)

	ConnectShutdownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connect_shutdowns_total",
			Help: "Total number of tenant connect supervisor shutdowns by reason",
		},
		[]string{"reason"},
	)

	ConnectedUsers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_connected_users",
			Help: "Connected users per tenant as seen by the local node",
		},
		[]string{"tenant"},
	)

	// Replication metrics
	BroadcastFromDatabaseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcast_from_database_total",
			Help: "Total number of fan-outs produced by the replication ingester",
		},
		[]string{"tenant"},
	)

	LatencyCommittedAt = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_broadcast_from_database_commit_lag_seconds",
			Help:    "Lag between transaction commit and fan-out in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	LatencyInsertedAt = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_broadcast_from_database_insert_lag_seconds",
			Help:    "Lag between row insert and fan-out in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	ReplicationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_replication_errors_total",
			Help: "Total number of replication stream errors by kind",
		},
		[]string{"kind"},
	)

	// Authorization metrics
	ReadAuthorizationCheck = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_read_authorization_check_seconds",
			Help:    "Read-direction RLS probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	WriteAuthorizationCheck = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_write_authorization_check_seconds",
			Help:    "Write-direction RLS probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	// Registry metrics
	RegistryConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_registry_conflicts_total",
			Help: "Total number of registry name conflicts resolved",
		},
	)

	RegistryApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_registry_apply_duration_seconds",
			Help:    "Time taken to replicate a registry command in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bus metrics
	BusPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bus_publish_total",
			Help: "Total number of bus publishes by adapter",
		},
		[]string{"adapter"},
	)

	BusDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_dropped_total",
			Help: "Total number of frames dropped on saturated subscriber queues",
		},
	)

	// Rate counter snapshots, refreshed by the Collector
	RateEventsPerSecond = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_rate_events_per_second",
			Help: "Rolling events per second average per tenant",
		},
		[]string{"tenant"},
	)

	RateJoinsPerSecond = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_rate_joins_per_second",
			Help: "Rolling joins per second average per tenant",
		},
		[]string{"tenant"},
	)

	RateRequestsPerSecond = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_rate_requests_per_second",
			Help: "Rolling requests per second average per tenant",
		},
		[]string{"tenant"},
	)

	RateChannelsPerClient = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_rate_channels_per_client",
			Help: "Rolling channels per client average per tenant",
		},
		[]string{"tenant"},
	)
)

func init() {
	prometheus.MustRegister(ConnectStartsTotal)
	prometheus.MustRegister(ConnectShutdownsTotal)
	prometheus.MustRegister(ConnectedUsers)

	prometheus.MustRegister(BroadcastFromDatabaseTotal)
	prometheus.MustRegister(LatencyCommittedAt)
	prometheus.MustRegister(LatencyInsertedAt)
	prometheus.MustRegister(ReplicationErrorsTotal)

	prometheus.MustRegister(ReadAuthorizationCheck)
	prometheus.MustRegister(WriteAuthorizationCheck)

	prometheus.MustRegister(RegistryConflictsTotal)
	prometheus.MustRegister(RegistryApplyDuration)

	prometheus.MustRegister(BusPublishTotal)
	prometheus.MustRegister(BusDroppedTotal)

	prometheus.MustRegister(RateEventsPerSecond)
	prometheus.MustRegister(RateJoinsPerSecond)
	prometheus.MustRegister(RateRequestsPerSecond)
	prometheus.MustRegister(RateChannelsPerClient)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
