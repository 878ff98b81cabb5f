package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine.
type Metrics struct {
	config MetricsConfig

	// Action metrics
	actionsStarted  *prometheus.CounterVec
	actionsFinished *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionsTimedOut prometheus.Counter

	// Lock metrics
	locksAcquired prometheus.Counter
	lockConflicts *prometheus.CounterVec
	locksStolen   prometheus.Counter

	// Scheduler metrics
	batchThrottles prometheus.Counter
	runningActions prometheus.Gauge

	// Dispatch metrics
	dispatchRequests *prometheus.CounterVec

	// Health metrics
	healthEntriesClaimed prometheus.Counter
	healthChecks         *prometheus.CounterVec

	// Registry metrics
	liveEngines prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Action metrics
		actionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_started_total",
				Help:      "Total number of actions started",
			},
			[]string{"verb"},
		),
		actionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_finished_total",
				Help:      "Total number of actions finished",
			},
			[]string{"verb", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"verb"},
		),
		actionsTimedOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_timed_out_total",
				Help:      "Total number of actions failed by the timeout sweep",
			},
		),

		// Lock metrics
		locksAcquired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "locks_acquired_total",
				Help:      "Total number of target locks acquired",
			},
		),
		lockConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_conflicts_total",
				Help:      "Total number of lock acquisitions refused",
			},
			[]string{"scope"},
		),
		locksStolen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "locks_stolen_total",
				Help:      "Total number of locks stolen from dead engines",
			},
		),

		// Scheduler metrics
		batchThrottles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_throttles_total",
				Help:      "Total number of batch-limit pauses in the work pump",
			},
		),
		runningActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_actions",
				Help:      "Current number of actions executing on this engine",
			},
		),

		// Dispatch metrics
		dispatchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_requests_total",
				Help:      "Total number of inter-engine dispatch requests",
			},
			[]string{"operation", "status"},
		),

		// Health metrics
		healthEntriesClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_entries_claimed_total",
				Help:      "Total number of health-check duties claimed",
			},
		),
		healthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Total number of cluster health checks performed",
			},
			[]string{"check_type", "status"},
		),

		// Registry metrics
		liveEngines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_engines",
				Help:      "Current number of engines with a fresh heartbeat",
			},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.actionsStarted,
		m.actionsFinished,
		m.actionDuration,
		m.actionsTimedOut,
		m.locksAcquired,
		m.lockConflicts,
		m.locksStolen,
		m.batchThrottles,
		m.runningActions,
		m.dispatchRequests,
		m.healthEntriesClaimed,
		m.healthChecks,
		m.liveEngines,
		m.errorsByClass,
	)

	return m, nil
}

// Action Metrics

// ActionStarted increments the counter for started actions.
func (m *Metrics) ActionStarted(verb string) {
	if m == nil || m.actionsStarted == nil {
		return
	}
	m.actionsStarted.WithLabelValues(verb).Inc()
}

// ActionFinished records a finished action with its status and duration.
func (m *Metrics) ActionFinished(verb, status string, duration time.Duration) {
	if m == nil || m.actionsFinished == nil {
		return
	}
	m.actionsFinished.WithLabelValues(verb, status).Inc()
	m.actionDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

// ActionTimedOut counts an action failed by the timeout sweep.
func (m *Metrics) ActionTimedOut() {
	if m == nil || m.actionsTimedOut == nil {
		return
	}
	m.actionsTimedOut.Inc()
}

// Lock Metrics

// LockAcquired counts a successful lock acquisition.
func (m *Metrics) LockAcquired(scope string) {
	if m == nil || m.locksAcquired == nil {
		return
	}
	m.locksAcquired.Inc()
}

// LockConflict counts a refused lock acquisition.
func (m *Metrics) LockConflict(scope string) {
	if m == nil || m.lockConflicts == nil {
		return
	}
	m.lockConflicts.WithLabelValues(scope).Inc()
}

// LockStolen counts a lock stolen from a dead engine.
func (m *Metrics) LockStolen() {
	if m == nil || m.locksStolen == nil {
		return
	}
	m.locksStolen.Inc()
}

// Scheduler Metrics

// BatchThrottled counts a batch-limit pause in the work pump.
func (m *Metrics) BatchThrottled() {
	if m == nil || m.batchThrottles == nil {
		return
	}
	m.batchThrottles.Inc()
}

// RunningActions adjusts the gauge of in-flight actions by delta.
func (m *Metrics) RunningActions(delta int) {
	if m == nil || m.runningActions == nil {
		return
	}
	m.runningActions.Add(float64(delta))
}

// Dispatch Metrics

// DispatchRequest records the outcome of one inter-engine request.
func (m *Metrics) DispatchRequest(operation, status string) {
	if m == nil || m.dispatchRequests == nil {
		return
	}
	m.dispatchRequests.WithLabelValues(operation, status).Inc()
}

// Health Metrics

// HealthEntriesClaimed counts newly claimed health-check duties.
func (m *Metrics) HealthEntriesClaimed(count int) {
	if m == nil || m.healthEntriesClaimed == nil {
		return
	}
	m.healthEntriesClaimed.Add(float64(count))
}

// HealthCheck records the outcome of one cluster health check.
func (m *Metrics) HealthCheck(checkType, status string) {
	if m == nil || m.healthChecks == nil {
		return
	}
	m.healthChecks.WithLabelValues(checkType, status).Inc()
}

// Registry Metrics

// SetLiveEngines sets the current count of live engines.
func (m *Metrics) SetLiveEngines(count float64) {
	if m == nil || m.liveEngines == nil {
		return
	}
	m.liveEngines.Set(count)
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
