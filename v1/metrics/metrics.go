package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result labels shared by the lock counters.
const (
	ResultOK          = "ok"
	ResultHeld        = "held"
	ResultMismatch    = "mismatch"
	ResultUnavailable = "unavailable"
)

var (
	// AcquireCounter tracks acquisition attempts by result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"result"})
	// ReleaseCounter tracks release attempts by result.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_release_total",
		Help: "Total number of lock release attempts",
	}, []string{"result"})
	// RenewCounter tracks renewal attempts by result.
	RenewCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_renew_total",
		Help: "Total number of lock renewal attempts",
	}, []string{"result"})
	// LostCounter counts locks whose renewal detected a new owner or gave up.
	LostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_lost_total",
		Help: "Total number of locks lost while being renewed",
	})
	// RollbackCounter counts batch acquisitions that had to be rolled back.
	RollbackCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_batch_rollback_total",
		Help: "Total number of rolled back batch acquisitions",
	})
	// HeldGauge reports the number of locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_held",
		Help: "Current number of locks held by this process",
	})
	// RenewalGauge reports the number of active renewal loops.
	RenewalGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_renewals",
		Help: "Current number of active lock renewals",
	})
	// AcquireLatency observes the time spent in a single acquisition attempt.
	AcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latch_acquire_duration_seconds",
		Help:    "Latency of lock acquisition attempts",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	// WaitLatency observes the total time spent in AcquireWait.
	WaitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latch_wait_duration_seconds",
		Help:    "Time spent waiting for a contended lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ReleaseCounter,
		RenewCounter,
		LostCounter,
		RollbackCounter,
		HeldGauge,
		RenewalGauge,
		AcquireLatency,
		WaitLatency,
	)
}
