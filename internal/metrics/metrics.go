// ============================================================================
// Parliament Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose scheduler, dispatcher and quorum metrics.
//
// Metric groups:
//
//   1. Counters (monotonic):
//      - parliament_tasks_created_total
//      - parliament_tasks_completed_total / parliament_tasks_halted_total
//      - parliament_jobs_completed_total / _halted_total / _cancelled_total
//      - parliament_worker_updates_total{kind}
//      - parliament_worker_update_failures_total{kind}
//      - parliament_workers_evicted_total
//      - parliament_quorum_decisions_total{outcome}
//      - parliament_replicas_dropped_total
//      - parliament_sequenced_dropped_total
//
//   2. Gauges (sampled every stats tick):
//      - parliament_users, parliament_jobs, parliament_workers
//      - parliament_running_tasks
//      - parliament_job_queue_depth, parliament_task_queue_depth
//
//   3. Histograms:
//      - parliament_update_queue_wait_seconds: time an update spent queued
//        before a dispatcher goroutine picked it up
//
// Useful queries:
//
//   # task throughput
//   rate(parliament_tasks_completed_total[1m])
//
//   # dispatch failure ratio by kind
//   rate(parliament_worker_update_failures_total[5m])
//     / rate(parliament_worker_updates_total[5m])
//
//   # replicas disagreeing
//   increase(parliament_quorum_decisions_total{outcome="split"}[10m])
//
// A nil *Collector is valid and records nothing, so components can be
// built without instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Quorum decision outcomes.
const (
	OutcomeUnanimous = "unanimous"
	OutcomePartial   = "partial"
	OutcomeSplit     = "split"
	OutcomeNone      = "none"
)

// Collector Prometheus metrics collector
type Collector struct {
	tasksCreated   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksHalted    prometheus.Counter

	jobsCompleted prometheus.Counter
	jobsHalted    prometheus.Counter
	jobsCancelled prometheus.Counter

	updatesSent     *prometheus.CounterVec
	updatesFailed   *prometheus.CounterVec
	workersEvicted  prometheus.Counter
	updateQueueWait prometheus.Histogram

	quorumDecisions  *prometheus.CounterVec
	replicasDropped  prometheus.Counter
	sequencedDropped prometheus.Counter

	users         prometheus.Gauge
	jobs          prometheus.Gauge
	workers       prometheus.Gauge
	runningTasks  prometheus.Gauge
	jobQueueDepth prometheus.Gauge
	taskQueue     prometheus.Gauge
}

// NewCollector creates a collector registered on the default registerer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered on reg.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parliament_tasks_created_total",
			Help: "Total number of tasks produced by decomposition",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parliament_tasks_completed_total",
			Help: "Total number of tasks reaped as completed",
		}),
		tasksHalted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parliament_tasks_halted_total",
			Help: "Total number of tasks reported as errored",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parliament_jobs_completed_total",
			Help: "Total number of jobs completed",
		}),
		jobsHalted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parliament_jobs_halted_total",
			Help: "Total number of jobs halted by a failing task",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parliament_jobs_cancelled_total",
			Help: "Total number of successor jobs cancelled",
		}),
		updatesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parliament_worker_updates_total",
			Help: "Worker updates attempted, by kind",
		}, []string{"kind"}),
		updatesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parliament_worker_update_failures_total",
			Help: "Worker updates that failed, by kind",
		}, []string{"kind"}),
		workersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parliament_workers_evicted_total",
			Help: "Workers removed after crash detection or dispatch failure",
		}),
		updateQueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parliament_update_queue_wait_seconds",
			Help:    "Time worker updates spend queued before dispatch",
			Buckets: prometheus.DefBuckets,
		}),
		quorumDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parliament_quorum_decisions_total",
			Help: "Quorum broadcast decisions, by outcome",
		}, []string{"outcome"}),
		replicasDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parliament_replicas_dropped_total",
			Help: "Coordinator replicas dropped after disagreeing or not answering",
		}),
		sequencedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parliament_sequenced_dropped_total",
			Help: "Sequenced frames dropped as stale or duplicate",
		}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parliament_users",
			Help: "Connected users",
		}),
		jobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parliament_jobs",
			Help: "Known jobs",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parliament_workers",
			Help: "Registered workers",
		}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parliament_running_tasks",
			Help: "Tasks currently executing on workers",
		}),
		jobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parliament_job_queue_depth",
			Help: "Jobs waiting for decomposition",
		}),
		taskQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parliament_task_queue_depth",
			Help: "Tasks waiting for a worker",
		}),
	}

	reg.MustRegister(
		c.tasksCreated, c.tasksCompleted, c.tasksHalted,
		c.jobsCompleted, c.jobsHalted, c.jobsCancelled,
		c.updatesSent, c.updatesFailed, c.workersEvicted, c.updateQueueWait,
		c.quorumDecisions, c.replicasDropped, c.sequencedDropped,
		c.users, c.jobs, c.workers, c.runningTasks, c.jobQueueDepth, c.taskQueue,
	)
	return c
}

func (c *Collector) RecordTasksCreated(n int) {
	if c == nil {
		return
	}
	c.tasksCreated.Add(float64(n))
}

func (c *Collector) RecordTaskCompleted() {
	if c == nil {
		return
	}
	c.tasksCompleted.Inc()
}

func (c *Collector) RecordTaskHalted() {
	if c == nil {
		return
	}
	c.tasksHalted.Inc()
}

func (c *Collector) RecordJobCompleted() {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
}

func (c *Collector) RecordJobHalted() {
	if c == nil {
		return
	}
	c.jobsHalted.Inc()
}

func (c *Collector) RecordJobCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// RecordUpdate records one dispatch attempt and how long it waited.
func (c *Collector) RecordUpdate(kind string, waitSeconds float64) {
	if c == nil {
		return
	}
	c.updatesSent.WithLabelValues(kind).Inc()
	c.updateQueueWait.Observe(waitSeconds)
}

func (c *Collector) RecordUpdateFailure(kind string) {
	if c == nil {
		return
	}
	c.updatesFailed.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordWorkerEvicted() {
	if c == nil {
		return
	}
	c.workersEvicted.Inc()
}

func (c *Collector) RecordQuorumDecision(outcome string) {
	if c == nil {
		return
	}
	c.quorumDecisions.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordReplicasDropped(n int) {
	if c == nil {
		return
	}
	c.replicasDropped.Add(float64(n))
}

func (c *Collector) RecordSequencedDropped() {
	if c == nil {
		return
	}
	c.sequencedDropped.Inc()
}

// ClusterStats is a point-in-time sample of coordinator state.
type ClusterStats struct {
	Users        int
	Jobs         int
	Workers      int
	RunningTasks int
	JobQueue     int
	TaskQueue    int
}

// UpdateClusterStats sets every gauge from one sample.
func (c *Collector) UpdateClusterStats(s ClusterStats) {
	if c == nil {
		return
	}
	c.users.Set(float64(s.Users))
	c.jobs.Set(float64(s.Jobs))
	c.workers.Set(float64(s.Workers))
	c.runningTasks.Set(float64(s.RunningTasks))
	c.jobQueueDepth.Set(float64(s.JobQueue))
	c.taskQueue.Set(float64(s.TaskQueue))
}

// StartServer serves the default registry on /metrics.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
