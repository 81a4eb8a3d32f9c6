// Package types defines the domain model shared by the coordinator, the
// dispatcher and the consensus service.
package types

import (
	"fmt"
	"time"
)

// FanType governs how many tasks a job produces and how they map onto data.
type FanType int8

const (
	SingleInSingleOut FanType = iota // one task per input element
	SingleInMultiOut                 // one task, whole block in, many outputs
	MultiInSingleOut                 // one task, whole block in, a single output
)

func (f FanType) String() string {
	switch f {
	case SingleInSingleOut:
		return "single_in_single_out"
	case SingleInMultiOut:
		return "single_in_multi_out"
	case MultiInSingleOut:
		return "multi_in_single_out"
	default:
		return fmt.Sprintf("fan_type(%d)", int8(f))
	}
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobBlocked   JobStatus = "blocked"   // waiting for its predecessor's data
	JobRunning   JobStatus = "running"   // decomposed, tasks in flight
	JobCompleted JobStatus = "completed" // every task completed
	JobHalted    JobStatus = "halted"    // one of its tasks errored
	JobCancelled JobStatus = "cancelled" // a predecessor halted
)

// TaskStatus is the lifecycle state of a task. A running task records its
// worker in Task.WorkerID.
type TaskStatus string

const (
	TaskAwaiting  TaskStatus = "awaiting"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskHalted    TaskStatus = "halted"
	TaskCancelled TaskStatus = "cancelled"
)

// WorkerStatus is the state a worker reports in its heartbeat responses.
type WorkerStatus string

const (
	WorkerAwaiting   WorkerStatus = "awaiting"
	WorkerProcessing WorkerStatus = "processing"
	WorkerHalted     WorkerStatus = "halted"
	WorkerCancelled  WorkerStatus = "cancelled"
	WorkerFinishing  WorkerStatus = "finishing"
)

// NoPredecessor marks the origin of a job chain.
const NoPredecessor = ""

// AllElements is the element index meaning "the whole data block".
const AllElements = -1

// User is a connected client and the set of jobs it owns.
type User struct {
	ID          string              `json:"id"`
	LastRequest time.Time           `json:"last_request"`
	Jobs        map[string]struct{} `json:"jobs"`
	ToBeDeleted bool                `json:"to_be_deleted"`
	Image       string              `json:"image"`
}

// Job is one stage of a submitted chain.
type Job struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	InputJobID     string    `json:"input_job_id"`            // NoPredecessor at the chain origin
	OutputJobID    string    `json:"output_job_id,omitempty"` // empty when last in chain
	FanType        FanType   `json:"fan_type"`
	Status         JobStatus `json:"status"`
	Image          string    `json:"image"`
	Closure        []byte    `json:"closure"` // shared with every task, never mutated
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	Tasks          []string  `json:"tasks"`
}

// HasSuccessor reports whether another job consumes this job's output.
func (j *Job) HasSuccessor() bool { return j.OutputJobID != "" }

// Clone returns a copy that does not share the task list.
func (j Job) Clone() Job {
	j.Tasks = append([]string(nil), j.Tasks...)
	return j
}

// Task is an executable shard of a job.
type Task struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	UserID     string     `json:"user_id"`
	DataInID   string     `json:"data_in_id"`
	DataInLoc  int        `json:"data_in_loc"`
	DataOutID  string     `json:"data_out_id"`
	DataOutLoc int        `json:"data_out_loc"`
	Image      string     `json:"image"`
	Closure    []byte     `json:"closure"`
	FanType    FanType    `json:"fan_type"`
	Status     TaskStatus `json:"status"`
	WorkerID   string     `json:"worker_id,omitempty"` // set while TaskRunning
}

// TaskID builds the id of the i-th task of a job.
func TaskID(jobID string, i int) string {
	return fmt.Sprintf("%s-%d", jobID, i)
}

// Worker is a remote execution agent registered with the coordinator.
type Worker struct {
	ID               string       `json:"id"`
	Host             string       `json:"host"`
	Port             int          `json:"port"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	MissedHeartbeats int          `json:"missed_heartbeats"`
	RunningTask      string       `json:"running_task,omitempty"`
	Status           WorkerStatus `json:"status"`
	Assigned         bool         `json:"assigned"`
}

// Addr is the dial address of the worker.
func (w *Worker) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// UpdateKind is the kind of instruction sent to a worker.
type UpdateKind int

const (
	UpdateHeartbeat UpdateKind = iota
	UpdateCancellation
	UpdateSubmission
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateHeartbeat:
		return "heartbeat"
	case UpdateCancellation:
		return "cancellation"
	case UpdateSubmission:
		return "submission"
	default:
		return "unknown"
	}
}

// Default automatic retries per update kind.
const (
	SubmissionRetries   = 2
	CancellationRetries = 2
	HeartbeatRetries    = 0
)

// WorkerUpdate is an outbound instruction produced by the scheduler and
// carried out by the dispatcher.
type WorkerUpdate struct {
	Kind       UpdateKind
	TaskID     string // only for UpdateSubmission
	WorkerID   string
	Addr       string
	Retries    int
	EnqueuedAt time.Time
}

// NewSubmission builds a task submission for the worker.
func NewSubmission(w Worker, taskID string) WorkerUpdate {
	return WorkerUpdate{
		Kind:       UpdateSubmission,
		TaskID:     taskID,
		WorkerID:   w.ID,
		Addr:       w.Addr(),
		Retries:    SubmissionRetries,
		EnqueuedAt: time.Now(),
	}
}

// NewHeartbeat builds a heartbeat request for the worker.
func NewHeartbeat(w Worker) WorkerUpdate {
	return WorkerUpdate{
		Kind:       UpdateHeartbeat,
		WorkerID:   w.ID,
		Addr:       w.Addr(),
		Retries:    HeartbeatRetries,
		EnqueuedAt: time.Now(),
	}
}

// NewCancellation builds a best-effort cancellation for the worker.
func NewCancellation(w Worker) WorkerUpdate {
	return WorkerUpdate{
		Kind:       UpdateCancellation,
		WorkerID:   w.ID,
		Addr:       w.Addr(),
		Retries:    CancellationRetries,
		EnqueuedAt: time.Now(),
	}
}

// ConsensusMachine is a consensus replica as tracked by the leader service.
type ConsensusMachine struct {
	ID   int    `json:"id" msgpack:"id"`
	IP   string `json:"ip" msgpack:"ip"`
	Port int    `json:"port" msgpack:"port"`
}

// Addr is the dial address of the replica's consensus port.
func (c ConsensusMachine) Addr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// MasterMachine is a coordinator replica. Exactly one is Active.
type MasterMachine struct {
	ID         int    `json:"id" msgpack:"id"`
	IP         string `json:"ip" msgpack:"ip"`
	WorkerPort int    `json:"worker_port" msgpack:"worker_port"`
	UserPort   int    `json:"user_port" msgpack:"user_port"`
	Active     bool   `json:"active" msgpack:"active"`
}

// WorkerAddr is the dial address of the replica's worker-facing port.
func (m MasterMachine) WorkerAddr() string {
	return fmt.Sprintf("%s:%d", m.IP, m.WorkerPort)
}

// UserAddr is the dial address of the replica's user-facing port.
func (m MasterMachine) UserAddr() string {
	return fmt.Sprintf("%s:%d", m.IP, m.UserPort)
}
