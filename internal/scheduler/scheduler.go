// ============================================================================
// Parliament Scheduler - coordinator control loop
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: drive every job from submission to completion.
//
// One tick, in order:
//
//   1. every 5th tick   evict idle users, detect crashed workers
//   2.                  reap completed tasks, complete jobs, unblock successors
//   3.                  reap halted tasks, halt jobs, cancel the rest of the chain
//   4.                  decompose queued jobs into tasks
//   5. unless passive   assign queued tasks to available workers
//   6. every 15th tick  heartbeat every live worker
//   7. every 10th tick  log and export cluster statistics
//
// The loop never performs network I/O. Everything a worker must hear about
// is handed to the UpdateSink (the dispatcher) and carried out elsewhere.
//
// The loop is the only writer of cross-key invariants: completed_tasks of a
// job versus the state of its tasks, and the cancellation cascade along a
// chain. Gateways only flip individual task states.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/adeboyed/Parliament/internal/jobmanager"
	"github.com/adeboyed/Parliament/internal/metrics"
	"github.com/adeboyed/Parliament/internal/registry"
	"github.com/adeboyed/Parliament/internal/replica"
	"github.com/adeboyed/Parliament/pkg/types"
)

var log = slog.Default()

// ErrMissingData means a job was queued for decomposition while its input
// block does not exist. The coordinator state is corrupt past this point.
var ErrMissingData = errors.New("predecessor data missing")

// UpdateSink accepts worker updates for asynchronous delivery.
type UpdateSink interface {
	Enqueue(types.WorkerUpdate) error
}

// Config scheduler configuration
type Config struct {
	TickInterval        time.Duration // pause between ticks
	UserTimeout         time.Duration // idle users older than this are evicted
	MaxMissedHeartbeats int           // workers past this many misses are removed
	HousekeepingEvery   int           // ticks between user eviction + crash detection
	HeartbeatEvery      int           // ticks between worker heartbeats
	StatsEvery          int           // ticks between stats reports
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		TickInterval:        50 * time.Millisecond,
		UserTimeout:         100 * time.Second,
		MaxMissedHeartbeats: 6,
		HousekeepingEvery:   5,
		HeartbeatEvery:      15,
		StatsEvery:          10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.UserTimeout <= 0 {
		c.UserTimeout = d.UserTimeout
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = d.MaxMissedHeartbeats
	}
	if c.HousekeepingEvery <= 0 {
		c.HousekeepingEvery = d.HousekeepingEvery
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.StatsEvery <= 0 {
		c.StatsEvery = d.StatsEvery
	}
	return c
}

// Deps are the stores and collaborators the scheduler drives.
type Deps struct {
	Jobs    *jobmanager.JobManager
	Data    jobmanager.DataStore
	Workers *registry.Workers
	Users   *registry.Users
	Replica *replica.State
	Updates UpdateSink
	Metrics *metrics.Collector
}

// Scheduler is the coordinator control loop.
type Scheduler struct {
	cfg     Config
	jobs    *jobmanager.JobManager
	data    jobmanager.DataStore
	workers *registry.Workers
	users   *registry.Users
	replica *replica.State
	updates UpdateSink
	metrics *metrics.Collector

	// Fatal is called when a tick fails. Defaults to logging and exiting.
	Fatal func(error)

	tick    uint64
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
	loopWg  sync.WaitGroup
}

// New creates a scheduler. Nothing runs until Start.
func New(cfg Config, d Deps) *Scheduler {
	if d.Replica == nil {
		d.Replica = replica.New(false)
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		jobs:    d.Jobs,
		data:    d.Data,
		workers: d.Workers,
		users:   d.Users,
		replica: d.Replica,
		updates: d.Updates,
		metrics: d.Metrics,
		Fatal: func(err error) {
			log.Error("Scheduler invariant violated", "error", err)
			os.Exit(1)
		},
		stopCh: make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopWg.Add(1)
	go s.loop(ctx)
	log.Info("Scheduler started", "tick", s.cfg.TickInterval, "passive", s.replica.Passive())
}

// Stop halts the loop and waits for the current tick to finish. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.loopWg.Wait()
	log.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.Fatal(err)
				return
			}
		}
	}
}

// Tick runs one iteration of the control loop.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tick++

	if s.tick%uint64(s.cfg.HousekeepingEvery) == 0 {
		s.evictIdleUsers()
		s.detectCrashedWorkers()
	}

	s.reapFinished(ctx)
	s.reapErrored(ctx)

	if err := s.decomposeQueued(ctx); err != nil {
		return err
	}

	if !s.replica.Passive() {
		s.assignTasks()
	}

	if s.tick%uint64(s.cfg.HeartbeatEvery) == 0 {
		s.heartbeatWorkers()
	}

	if s.tick%uint64(s.cfg.StatsEvery) == 0 {
		s.reportStats()
	}
	return nil
}

// ============================================================================
// Housekeeping
// ============================================================================

func (s *Scheduler) evictIdleUsers() {
	for _, id := range s.users.EvictIdle(s.cfg.UserTimeout) {
		log.Warn("Kicking idle user", "user", id)
	}
}

// detectCrashedWorkers removes workers past the miss threshold. A task
// they were holding goes back to the tail of the queue.
func (s *Scheduler) detectCrashedWorkers() {
	for _, w := range s.workers.RemoveCrashed(s.cfg.MaxMissedHeartbeats) {
		s.metrics.RecordWorkerEvicted()
		log.Warn("Worker crashed", "worker", w.ID, "missed", w.MissedHeartbeats, "task", w.RunningTask)

		if w.RunningTask == "" {
			continue
		}
		s.requeue(w.RunningTask)
	}
}

// requeue resets a task that lost its worker. Tasks already terminal stay
// where they are.
func (s *Scheduler) requeue(taskID string) {
	s.workers.RemoveRunning(taskID)

	requeued := false
	err := s.jobs.UpdateTask(taskID, func(t *types.Task) {
		if t.Status != types.TaskRunning && t.Status != types.TaskAwaiting {
			return
		}
		t.Status = types.TaskAwaiting
		t.WorkerID = ""
		requeued = true
	})
	if err != nil {
		log.Error("Failed to requeue task", "task", taskID, "error", err)
		return
	}
	if requeued {
		s.jobs.PushTask(taskID)
		log.Info("Task requeued", "task", taskID)
	}
}

// ============================================================================
// Reaping
// ============================================================================

func (s *Scheduler) reapFinished(ctx context.Context) {
	for _, taskID := range s.workers.RunningTasks() {
		task, ok := s.jobs.Task(taskID)
		if !ok {
			s.workers.RemoveRunning(taskID)
			continue
		}
		switch task.Status {
		case types.TaskCancelled:
			s.workers.RemoveRunning(taskID)
		case types.TaskCompleted:
			s.workers.RemoveRunning(taskID)
			s.metrics.RecordTaskCompleted()
			s.completeTask(ctx, task)
		}
	}
}

func (s *Scheduler) completeTask(ctx context.Context, task types.Task) {
	var done bool
	var job types.Job
	err := s.jobs.UpdateJob(task.JobID, func(j *types.Job) {
		if j.Status != types.JobRunning {
			return
		}
		j.CompletedTasks++
		if j.CompletedTasks == j.TotalTasks {
			j.Status = types.JobCompleted
			done = true
		}
		job = j.Clone()
	})
	if err != nil {
		log.Error("Completed task has no job", "task", task.ID, "job", task.JobID, "error", err)
		return
	}
	if done {
		s.finishJob(ctx, job)
	}
}

// finishJob unblocks the successor and frees the consumed input block.
func (s *Scheduler) finishJob(ctx context.Context, job types.Job) {
	s.metrics.RecordJobCompleted()
	log.Info("Job completed", "job", job.ID, "tasks", job.TotalTasks)

	if job.HasSuccessor() {
		s.jobs.PushJob(job.OutputJobID)
	}
	if job.InputJobID != types.NoPredecessor {
		if err := s.data.Delete(ctx, job.InputJobID); err != nil {
			log.Error("Failed to free input block", "job", job.ID, "block", job.InputJobID, "error", err)
		}
	}
}

func (s *Scheduler) reapErrored(ctx context.Context) {
	for _, taskID := range s.workers.RunningTasks() {
		task, ok := s.jobs.Task(taskID)
		if !ok || task.Status != types.TaskHalted {
			continue
		}
		s.workers.RemoveRunning(taskID)
		s.metrics.RecordTaskHalted()

		first := false
		var job types.Job
		err := s.jobs.UpdateJob(task.JobID, func(j *types.Job) {
			if j.Status == types.JobHalted {
				return
			}
			j.Status = types.JobHalted
			first = true
			job = j.Clone()
		})
		if err != nil {
			log.Error("Halted task has no job", "task", taskID, "job", task.JobID, "error", err)
			continue
		}
		if first {
			s.haltJob(ctx, job, taskID)
		}
	}
}

// haltJob cancels every other task of the job, every job downstream of it
// and frees every block upstream of it.
func (s *Scheduler) haltJob(ctx context.Context, job types.Job, cause string) {
	s.metrics.RecordJobHalted()
	log.Warn("Job halted", "job", job.ID, "task", cause)

	for _, sibling := range job.Tasks {
		if sibling == cause {
			continue
		}
		s.cancelTask(sibling)
	}

	for next := job.OutputJobID; next != ""; {
		var following string
		err := s.jobs.UpdateJob(next, func(j *types.Job) {
			j.Status = types.JobCancelled
			following = j.OutputJobID
		})
		if err != nil {
			log.Error("Successor missing from chain", "job", next, "error", err)
			break
		}
		s.metrics.RecordJobCancelled()
		log.Info("Job cancelled", "job", next, "cause", job.ID)
		next = following
	}

	for prev := job.InputJobID; prev != types.NoPredecessor; {
		if err := s.data.Delete(ctx, prev); err != nil {
			log.Error("Failed to free block", "block", prev, "error", err)
		}
		upstream, ok := s.jobs.Job(prev)
		if !ok {
			break
		}
		prev = upstream.InputJobID
	}
}

func (s *Scheduler) cancelTask(taskID string) {
	var notify string
	err := s.jobs.UpdateTask(taskID, func(t *types.Task) {
		switch t.Status {
		case types.TaskAwaiting, types.TaskHalted:
			t.Status = types.TaskCancelled
		case types.TaskRunning:
			notify = t.WorkerID
			t.Status = types.TaskCancelled
		}
	})
	if err != nil {
		log.Error("Failed to cancel task", "task", taskID, "error", err)
		return
	}
	if notify == "" {
		return
	}
	s.workers.RemoveRunning(taskID)
	if s.replica.Passive() {
		return
	}
	w, ok := s.workers.Get(notify)
	if !ok {
		return
	}
	if err := s.updates.Enqueue(types.NewCancellation(w)); err != nil {
		log.Error("Failed to enqueue cancellation", "worker", w.ID, "task", taskID, "error", err)
	}
}

// ============================================================================
// Decomposition and assignment
// ============================================================================

func (s *Scheduler) decomposeQueued(ctx context.Context) error {
	for {
		id, ok := s.jobs.PopJob()
		if !ok {
			return nil
		}
		job, ok := s.jobs.Job(id)
		if !ok {
			log.Warn("Queued job vanished", "job", id)
			continue
		}
		if job.Status != types.JobBlocked {
			continue
		}

		tasks, err := Decompose(ctx, job, s.data)
		if err != nil {
			return fmt.Errorf("decompose %s: %w", id, err)
		}

		if len(tasks) == 0 {
			err := s.jobs.UpdateJob(id, func(j *types.Job) {
				j.Status = types.JobCompleted
				j.TotalTasks = 0
				job = j.Clone()
			})
			if err != nil {
				log.Error("Decomposed job has no record", "job", id, "error", err)
				continue
			}
			s.finishJob(ctx, job)
			continue
		}

		ids := make([]string, 0, len(tasks))
		for _, t := range tasks {
			if err := s.jobs.AddTask(t); err != nil {
				log.Error("Failed to add task", "task", t.ID, "error", err)
				continue
			}
			ids = append(ids, t.ID)
		}
		err = s.jobs.UpdateJob(id, func(j *types.Job) {
			j.Status = types.JobRunning
			j.TotalTasks = len(ids)
			j.Tasks = ids
		})
		if err != nil {
			log.Error("Decomposed job has no record", "job", id, "error", err)
			continue
		}
		for _, tid := range ids {
			s.jobs.PushTask(tid)
		}
		s.metrics.RecordTasksCreated(len(ids))
		log.Info("Job decomposed", "job", id, "fan", job.FanType.String(), "tasks", len(ids))
	}
}

func (s *Scheduler) assignTasks() {
	for s.workers.HasAvailable() {
		taskID, ok := s.jobs.PopTask()
		if !ok {
			return
		}
		task, ok := s.jobs.Task(taskID)
		if !ok || task.Status != types.TaskAwaiting {
			continue
		}

		w, ok := s.workers.Assign(taskID)
		if !ok {
			s.jobs.PushTask(taskID)
			return
		}
		s.workers.AddRunning(taskID)
		if err := s.updates.Enqueue(types.NewSubmission(w, taskID)); err != nil {
			log.Error("Failed to enqueue submission", "worker", w.ID, "task", taskID, "error", err)
			continue
		}
		log.Debug("Task assigned", "task", taskID, "worker", w.ID)
	}
}

func (s *Scheduler) heartbeatWorkers() {
	for _, w := range s.workers.Heartbeatable() {
		if err := s.updates.Enqueue(types.NewHeartbeat(w)); err != nil {
			log.Error("Failed to enqueue heartbeat", "worker", w.ID, "error", err)
		}
	}
}

func (s *Scheduler) reportStats() {
	js := s.jobs.Stats()
	stats := metrics.ClusterStats{
		Users:        s.users.Len(),
		Jobs:         js["jobs"],
		Workers:      s.workers.Len(),
		RunningTasks: s.workers.RunningLen(),
		JobQueue:     js["job_queue"],
		TaskQueue:    js["task_queue"],
	}
	s.metrics.UpdateClusterStats(stats)
	log.Info("Cluster stats",
		"users", stats.Users,
		"jobs", stats.Jobs,
		"jobs_running", js["jobs_running"],
		"tasks", js["tasks"],
		"workers", stats.Workers,
		"running", stats.RunningTasks,
		"job_queue", stats.JobQueue,
		"task_queue", stats.TaskQueue)
}
