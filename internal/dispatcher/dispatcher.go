// ============================================================================
// Parliament Update Dispatcher - outbound worker traffic
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: carry out the scheduler's decisions over the network.
//
// Pool layout:
//
//   ┌───────────┐
//   │ Scheduler │ --Enqueue()--> updateCh
//   └───────────┘                   │
//                     ┌─────────────┼─────────────┐
//                     ▼             ▼             ▼
//                 goroutine 1   goroutine 2   goroutine N
//                     │             │             │
//                     └── dial worker, send, read one reply ──┘
//
// Each update is one connection: write a ServerMessage, read one
// WorkerMessage. Every worker answers with a heartbeat response.
//
// Failure handling:
//   - any failure (dial, write, read, decode, unexpected reply) increments
//     the worker's missed heartbeats
//   - with retries left, the update is re-enqueued after RetryDelay
//   - out of retries:
//       Heartbeat     nothing more, crash detection takes over
//       Cancellation  worker evicted
//       Submission    task reset to Awaiting at the queue tail, worker evicted
//
// Shutdown:
//   Stop() closes stopCh and waits for in-flight updates. updateCh is never
//   closed, so a late Enqueue or retry timer cannot panic.
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adeboyed/Parliament/internal/idgen"
	"github.com/adeboyed/Parliament/internal/jobmanager"
	"github.com/adeboyed/Parliament/internal/metrics"
	"github.com/adeboyed/Parliament/internal/registry"
	"github.com/adeboyed/Parliament/internal/replica"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

var log = slog.With("component", "dispatcher")

var (
	// ErrPoolClosed means the dispatcher has been stopped.
	ErrPoolClosed = errors.New("dispatcher is closed")
	// ErrPoolNotStarted means Enqueue was called before Start.
	ErrPoolNotStarted = errors.New("dispatcher not started")
	// ErrUnexpectedReply means the worker answered with something other
	// than a heartbeat response.
	ErrUnexpectedReply = errors.New("unexpected reply from worker")

	errTaskWithdrawn = errors.New("task no longer awaiting submission")
)

// Config dispatcher configuration
type Config struct {
	Threads        int           // concurrent outbound connections
	QueueSize      int           // buffered updates before Enqueue blocks
	DialTimeout    time.Duration // per-connection dial deadline
	IOTimeout      time.Duration // per-connection read/write deadline
	RetryDelay     time.Duration // pause before a failed update is retried
	QueueWarnAfter time.Duration // warn when an update waited longer than this
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		Threads:        5,
		QueueSize:      1024,
		DialTimeout:    2 * time.Second,
		IOTimeout:      10 * time.Second,
		RetryDelay:     50 * time.Millisecond,
		QueueWarnAfter: 2 * time.Second,
	}
}

// Deps are the stores the dispatcher reads and repairs.
type Deps struct {
	Jobs    *jobmanager.JobManager
	Data    jobmanager.DataStore
	Workers *registry.Workers
	Replica *replica.State
	Metrics *metrics.Collector
}

// Dispatcher is a fixed-size pool delivering worker updates.
type Dispatcher struct {
	cfg     Config
	dialer  wire.Dialer
	jobs    *jobmanager.JobManager
	data    jobmanager.DataStore
	workers *registry.Workers
	replica *replica.State
	metrics *metrics.Collector

	updateCh chan types.WorkerUpdate
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// New creates a dispatcher. Nothing is sent until Start.
func New(cfg Config, d Deps) *Dispatcher {
	def := DefaultConfig()
	if cfg.Threads <= 0 {
		cfg.Threads = def.Threads
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.QueueWarnAfter <= 0 {
		cfg.QueueWarnAfter = def.QueueWarnAfter
	}
	if d.Replica == nil {
		d.Replica = replica.New(false)
	}
	return &Dispatcher{
		cfg:      cfg,
		dialer:   wire.Dialer{DialTimeout: cfg.DialTimeout, IOTimeout: cfg.IOTimeout},
		jobs:     d.Jobs,
		data:     d.Data,
		workers:  d.Workers,
		replica:  d.Replica,
		metrics:  d.Metrics,
		updateCh: make(chan types.WorkerUpdate, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the pool goroutines.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("dispatcher already started")
	}
	for i := 0; i < d.cfg.Threads; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(ctx)
		}()
	}
	d.started = true
	log.Info("Dispatcher started", "threads", d.cfg.Threads)
	return nil
}

// Enqueue hands an update to the pool.
func (d *Dispatcher) Enqueue(u types.WorkerUpdate) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrPoolNotStarted
	}
	if d.stopped {
		d.mu.Unlock()
		return ErrPoolClosed
	}
	d.mu.Unlock()

	if u.EnqueuedAt.IsZero() {
		u.EnqueuedAt = time.Now()
	}
	select {
	case d.updateCh <- u:
		return nil
	case <-d.stopCh:
		return ErrPoolClosed
	}
}

// Stop waits for in-flight updates and drops anything still queued.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	log.Info("Dispatcher stopped", "dropped", len(d.updateCh))
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case u := <-d.updateCh:
			d.process(ctx, u)
		}
	}
}

// ============================================================================
// Processing
// ============================================================================

func (d *Dispatcher) process(ctx context.Context, u types.WorkerUpdate) {
	msgID := idgen.MessageID()
	l := log.With("msg", msgID, "worker", u.WorkerID, "kind", u.Kind.String())

	waited := time.Since(u.EnqueuedAt)
	if waited > d.cfg.QueueWarnAfter {
		l.Warn("Update waited too long in the queue", "waited", waited)
	}
	d.metrics.RecordUpdate(u.Kind.String(), waited.Seconds())

	req, err := d.buildMessage(ctx, u)
	if errors.Is(err, errTaskWithdrawn) {
		l.Info("Task withdrawn before submission, releasing worker", "task", u.TaskID)
		d.release(u.WorkerID, u.TaskID)
		return
	}
	if err != nil {
		l.Error("Failed to build worker message", "task", u.TaskID, "error", err)
		d.fail(u, l)
		return
	}

	var reply wire.WorkerMessage
	if err := d.dialer.Call(ctx, u.Addr, req, &reply); err != nil {
		l.Warn("Worker update failed", "addr", u.Addr, "error", err)
		d.fail(u, l)
		return
	}
	if reply.HeartbeatResponse == nil {
		l.Warn("Worker update failed", "addr", u.Addr, "error", fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Kind()))
		d.fail(u, l)
		return
	}
	d.HandleHeartbeatResponse(u.WorkerID, reply.HeartbeatResponse)
}

func (d *Dispatcher) buildMessage(ctx context.Context, u types.WorkerUpdate) (*wire.ServerMessage, error) {
	switch u.Kind {
	case types.UpdateHeartbeat:
		return &wire.ServerMessage{HeartbeatRequest: &wire.WorkerHeartbeatRequest{WorkerID: u.WorkerID}}, nil

	case types.UpdateCancellation:
		return &wire.ServerMessage{CancellationRequest: &wire.TaskCancellationRequest{WorkerID: u.WorkerID}}, nil

	case types.UpdateSubmission:
		// A retried submission may outlive its worker, or the task may have
		// been requeued and handed to someone else in the meantime.
		if w, ok := d.workers.Get(u.WorkerID); !ok || w.RunningTask != u.TaskID {
			return nil, errTaskWithdrawn
		}
		var task types.Task
		withdrawn := false
		err := d.jobs.UpdateTask(u.TaskID, func(t *types.Task) {
			switch {
			case t.Status == types.TaskAwaiting:
			case t.Status == types.TaskRunning && t.WorkerID == u.WorkerID:
			default:
				withdrawn = true
				return
			}
			t.Status = types.TaskRunning
			t.WorkerID = u.WorkerID
			task = *t
		})
		if err != nil {
			return nil, err
		}
		if withdrawn {
			return nil, errTaskWithdrawn
		}

		var in [][]byte
		if task.DataInLoc == types.AllElements {
			in, err = d.data.Get(ctx, task.DataInID)
		} else {
			var elem []byte
			elem, err = d.data.Element(ctx, task.DataInID, task.DataInLoc)
			in = [][]byte{elem}
		}
		if err != nil {
			return nil, fmt.Errorf("load input of %s: %w", task.ID, err)
		}

		return &wire.ServerMessage{SubmissionRequest: &wire.TaskSubmissionRequest{
			WorkerID: u.WorkerID,
			TaskID:   task.ID,
			FanType:  task.FanType,
			DataIn:   in,
			Image:    task.Image,
			Closure:  task.Closure,
		}}, nil

	default:
		return nil, fmt.Errorf("unknown update kind %d", u.Kind)
	}
}

// fail records a miss and either retries the update or gives up on the
// worker.
func (d *Dispatcher) fail(u types.WorkerUpdate, l *slog.Logger) {
	d.metrics.RecordUpdateFailure(u.Kind.String())
	_ = d.workers.Update(u.WorkerID, func(w *types.Worker) { w.MissedHeartbeats++ })

	if u.Retries > 0 {
		u.Retries--
		l.Info("Retrying worker update", "retries_left", u.Retries)
		time.AfterFunc(d.cfg.RetryDelay, func() {
			if err := d.Enqueue(u); err != nil && !errors.Is(err, ErrPoolClosed) {
				l.Error("Failed to re-enqueue update", "error", err)
			}
		})
		return
	}

	switch u.Kind {
	case types.UpdateHeartbeat:
	case types.UpdateCancellation:
		l.Error("Task could not be cancelled, removing worker")
		d.evict(u.WorkerID)
	case types.UpdateSubmission:
		l.Error("Task could not be assigned, requeueing task and removing worker", "task", u.TaskID)
		d.unassign(u.WorkerID, u.TaskID)
		d.evict(u.WorkerID)
	}
}

// unassign puts the task back at the tail of the queue, unless it has
// already moved on from the worker.
func (d *Dispatcher) unassign(workerID, taskID string) {
	requeue := false
	_ = d.jobs.UpdateTask(taskID, func(t *types.Task) {
		if t.Status != types.TaskRunning || t.WorkerID != workerID {
			return
		}
		t.Status = types.TaskAwaiting
		t.WorkerID = ""
		requeue = true
	})
	if !requeue && !d.owns(workerID, taskID) {
		return
	}
	d.workers.RemoveRunning(taskID)
	if requeue {
		d.jobs.PushTask(taskID)
	}
}

// release frees a worker whose assignment was withdrawn before it was sent.
func (d *Dispatcher) release(workerID, taskID string) {
	owned := false
	_ = d.workers.Update(workerID, func(w *types.Worker) {
		if w.RunningTask == taskID {
			w.RunningTask = ""
			w.Assigned = false
			owned = true
		}
	})
	if !owned {
		return
	}
	if task, ok := d.jobs.Task(taskID); ok && task.Status == types.TaskRunning && task.WorkerID != workerID {
		return
	}
	d.workers.RemoveRunning(taskID)
}

// owns reports whether the worker still holds the task.
func (d *Dispatcher) owns(workerID, taskID string) bool {
	w, ok := d.workers.Get(workerID)
	return ok && w.RunningTask == taskID
}

func (d *Dispatcher) evict(workerID string) {
	if _, ok := d.workers.Remove(workerID); ok {
		d.metrics.RecordWorkerEvicted()
	}
}

// HandleHeartbeatResponse records a worker's reported state. A passive
// replica learns about assignments made by the active replica this way.
func (d *Dispatcher) HandleHeartbeatResponse(workerID string, resp *wire.WorkerHeartbeatResponse) {
	passive := d.replica.Passive()
	backfill := ""
	err := d.workers.Update(workerID, func(w *types.Worker) {
		w.Status = resp.Status
		w.MissedHeartbeats = 0
		w.LastHeartbeat = time.Now()
		if passive && resp.Status == types.WorkerProcessing && resp.TaskID != "" {
			w.RunningTask = resp.TaskID
			backfill = resp.TaskID
		}
	})
	if err != nil {
		log.Warn("Heartbeat response from unknown worker", "worker", workerID)
		return
	}
	if backfill == "" {
		return
	}
	_ = d.jobs.UpdateTask(backfill, func(t *types.Task) {
		t.Status = types.TaskRunning
		t.WorkerID = workerID
	})
	d.workers.AddRunning(backfill)
	log.Debug("Backfilled running task", "worker", workerID, "task", backfill)
}
