package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockCounter tracks endpoint locks granted by the service.
	LockCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_service_locks_total",
		Help: "Total number of endpoint locks granted",
	})
	// UnlockCounter tracks endpoint locks released on the service.
	UnlockCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_service_unlocks_total",
		Help: "Total number of endpoint locks released",
	})
	// ReadCounter tracks resource states served under lock.
	ReadCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_service_reads_total",
		Help: "Total number of resource states served",
	})
	// DenialCounter tracks operations the service refused: contended locks,
	// reads without the lock and unlocks of idle endpoints.
	DenialCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_service_denials_total",
		Help: "Total number of refused lock, unlock and read operations",
	})
	// WatcherGauge reports the number of active watch subscribers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_watchers",
		Help: "Current number of active watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the service side collectors on the provided
// registry. Client side metrics are per instance; see the WithMetrics
// options in the query and lock packages.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockCounter, UnlockCounter, ReadCounter, DenialCounter, WatcherGauge)
}
