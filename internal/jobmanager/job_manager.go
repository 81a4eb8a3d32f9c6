// ============================================================================
// Parliament Job Manager - job and task store
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: owns every job and task known to a coordinator replica, plus the
// two FIFO queues the scheduler drains.
//
// Data structures:
//   jobs map[id]*Job      - every job of every accepted submission
//   tasks map[id]*Task    - every task produced by decomposition
//   jobQueue []id         - jobs waiting to be decomposed
//   taskQueue []id        - tasks waiting for a worker
//
// Job lifecycle:
//   Blocked ──decompose──> Running ──all tasks done──> Completed
//      │                      │
//      │                      └──a task halts──> Halted
//      └──a predecessor halts──> Cancelled
//
// Concurrency:
//   Every read-modify-write on a single job or task goes through UpdateJob /
//   UpdateTask under one mutex, so it is atomic per key. Invariants that
//   span keys (completed_tasks vs task states, chain cancellation) are only
//   written by the scheduler loop.
//
//   Getters return copies. Callers never hold pointers into the maps.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sync"

	"github.com/adeboyed/Parliament/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateJob is returned when a job id is already known.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateTask is returned when a task id is already known.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrEmptyChain is returned when a submission carries no jobs.
	ErrEmptyChain = errors.New("job chain is empty")
)

// JobManager is the job/task store of one coordinator replica.
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[string]*types.Job
	tasks     map[string]*types.Task
	jobQueue  []string
	taskQueue []string
}

// NewJobManager returns an empty store.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:      make(map[string]*types.Job),
		tasks:     make(map[string]*types.Task),
		jobQueue:  make([]string, 0),
		taskQueue: make([]string, 0),
	}
}

// ============================================================================
// Jobs
// ============================================================================

// SubmitChain inserts every job of one submission and queues the first one
// for decomposition. Either all jobs are inserted or none is.
//
// Errors:
//   - ErrEmptyChain: no jobs given
//   - ErrDuplicateJob: any id clashes with a known job
func (jm *JobManager) SubmitChain(chain []types.Job) error {
	if len(chain) == 0 {
		return ErrEmptyChain
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, job := range chain {
		if _, exists := jm.jobs[job.ID]; exists {
			return ErrDuplicateJob
		}
	}

	for _, job := range chain {
		j := job.Clone()
		j.Status = types.JobBlocked
		jm.jobs[j.ID] = &j
	}
	jm.jobQueue = append(jm.jobQueue, chain[0].ID)
	return nil
}

// AddJob inserts a single job without queueing it.
func (jm *JobManager) AddJob(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	j := job.Clone()
	jm.jobs[j.ID] = &j
	return nil
}

// HasJob reports whether the job id is known.
func (jm *JobManager) HasJob(id string) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, ok := jm.jobs[id]
	return ok
}

// Job returns a copy of the job.
func (jm *JobManager) Job(id string) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return job.Clone(), true
}

// UpdateJob applies fn to the stored job atomically.
func (jm *JobManager) UpdateJob(id string, fn func(*types.Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	return nil
}

// RemoveJob deletes the job. Its tasks are left untouched.
func (jm *JobManager) RemoveJob(id string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.jobs, id)
}

// PushJob appends a job id to the decomposition queue.
func (jm *JobManager) PushJob(id string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobQueue = append(jm.jobQueue, id)
}

// PopJob removes the head of the decomposition queue.
func (jm *JobManager) PopJob() (string, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if len(jm.jobQueue) == 0 {
		return "", false
	}
	id := jm.jobQueue[0]
	jm.jobQueue = jm.jobQueue[1:]
	return id, true
}

// ============================================================================
// Tasks
// ============================================================================

// AddTask inserts a task without queueing it.
func (jm *JobManager) AddTask(task types.Task) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.tasks[task.ID]; exists {
		return ErrDuplicateTask
	}
	t := task
	jm.tasks[t.ID] = &t
	return nil
}

// Task returns a copy of the task.
func (jm *JobManager) Task(id string) (types.Task, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	task, ok := jm.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return *task, true
}

// UpdateTask applies fn to the stored task atomically.
func (jm *JobManager) UpdateTask(id string, fn func(*types.Task)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	task, ok := jm.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	fn(task)
	return nil
}

// PushTask appends a task id to the tail of the assignment queue.
func (jm *JobManager) PushTask(id string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.taskQueue = append(jm.taskQueue, id)
}

// PopTask removes the head of the assignment queue.
func (jm *JobManager) PopTask() (string, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if len(jm.taskQueue) == 0 {
		return "", false
	}
	id := jm.taskQueue[0]
	jm.taskQueue = jm.taskQueue[1:]
	return id, true
}

// TaskQueue returns a copy of the assignment queue, head first.
func (jm *JobManager) TaskQueue() []string {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return append([]string(nil), jm.taskQueue...)
}

// ============================================================================
// Statistics
// ============================================================================

// Stats returns coarse counters for logging and metrics.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		"jobs":         len(jm.jobs),
		"tasks":        len(jm.tasks),
		"job_queue":    len(jm.jobQueue),
		"task_queue":   len(jm.taskQueue),
		"jobs_running": 0,
	}
	for _, job := range jm.jobs {
		if job.Status == types.JobRunning {
			stats["jobs_running"]++
		}
	}
	return stats
}
