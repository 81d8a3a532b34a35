package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DispatchCounter tracks the number of pool dispatches.
	DispatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_dispatch_total",
		Help: "Total number of pool dispatches",
	})
	// InvokeErrorCounter tracks calls settled with an error.
	InvokeErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_invoke_errors_total",
		Help: "Total number of calls rejected with an error",
	})
	// BusyWorkersGauge reports the number of units with in-flight calls.
	BusyWorkersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loom_busy_workers",
		Help: "Current number of busy worker units",
	})
	// OpenWorkersGauge reports the number of units with a live execution context.
	OpenWorkersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loom_open_workers",
		Help: "Current number of open worker units",
	})
	// LockRequestCounter tracks lock requests seen by the broker.
	LockRequestCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_lock_requests_total",
		Help: "Total number of lock requests",
	})
	// LockGrantCounter tracks grants issued by the broker.
	LockGrantCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loom_lock_grants_total",
		Help: "Total number of lock grants",
	})
	// LockWaitersGauge reports queued lock requests, holders included.
	LockWaitersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loom_lock_waiters",
		Help: "Current number of queued lock requests across all keys",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers loom core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		DispatchCounter,
		InvokeErrorCounter,
		BusyWorkersGauge,
		OpenWorkersGauge,
		LockRequestCounter,
		LockGrantCounter,
		LockWaitersGauge,
	)
}
