package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Handler registry metrics
	HandlersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduled_handlers_total",
			Help: "Total number of registered handlers by status",
		},
		[]string{"status"},
	)

	// Schedule store metrics
	SchedulesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduled_schedules_total",
			Help: "Total number of active schedules",
		},
	)

	SchedulesAcquiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduled_schedules_acquired_total",
			Help: "Total number of schedules claimed due by the planner",
		},
	)

	MisfiresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduled_misfires_total",
			Help: "Total number of fires skipped for exceeding misfire_grace_time",
		},
	)

	// Raft metrics (multi-instance Schedule Store consensus)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduled_raft_is_leader",
			Help: "Whether this instance is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduled_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event broker metrics
	BrokerAliveInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduled_broker_alive_instances",
			Help: "Number of peer coordinator instances currently considered alive",
		},
	)

	BrokerIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduled_broker_is_leader",
			Help: "Whether this instance holds event-broker leadership (1 = leader, 0 = follower)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduled_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Dispatch Engine metrics
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_jobs_dispatched_total",
			Help: "Total number of job attempts dispatched by handler and outcome",
		},
		[]string{"handler_id", "status"},
	)

	JobDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduled_job_dispatch_duration_seconds",
			Help:    "Time taken for a single dispatch attempt, by handler",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler_id"},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduled_job_retries_total",
			Help: "Total number of retry attempts scheduled after a failed dispatch",
		},
	)

	JobsExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduled_jobs_exhausted_total",
			Help: "Total number of jobs that failed all retry attempts",
		},
	)

	RunnerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduled_runner_queue_depth",
			Help: "Current number of jobs waiting in the runner's queue",
		},
	)

	ExecLogUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduled_execlog_utilization",
			Help: "Fraction of the execution log ring buffer currently in use",
		},
	)

	PlannerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduled_planner_cycle_duration_seconds",
			Help:    "Time taken for one planner tick (acquire_due through release)",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(HandlersTotal)
	prometheus.MustRegister(SchedulesTotal)
	prometheus.MustRegister(SchedulesAcquiredTotal)
	prometheus.MustRegister(MisfiresTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(BrokerAliveInstances)
	prometheus.MustRegister(BrokerIsLeader)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(JobDispatchDuration)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(JobsExhaustedTotal)
	prometheus.MustRegister(RunnerQueueDepth)
	prometheus.MustRegister(ExecLogUtilization)
	prometheus.MustRegister(PlannerCycleDuration)
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
