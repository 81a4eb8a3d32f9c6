// ============================================================================
// Parliament Worker Agent
// ============================================================================
//
// An agent is the worker side of the coordinator protocol. It listens for
// updates from coordinators and runs at most one task at a time:
//
//   1. register   ConnectionRequest to the coordinator's worker port
//   2. serve      Heartbeat / Submission / Cancellation, each answered with
//                 the agent's status and current task
//   3. execute    run the task through an Executor in its own goroutine
//   4. report     FinishedRequest with the output, retried on failure
//   5. rejoin     the coordinator forgets a worker once its task is
//                 processed, so the agent registers again under its id
//
// A cancelled task still reports as errored; the coordinator answers it as
// processed and releases the worker.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adeboyed/Parliament/internal/idgen"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

var (
	// ErrAgentClosed means the agent has been stopped.
	ErrAgentClosed = errors.New("worker agent is closed")
	// ErrRejected means the coordinator did not accept the registration.
	ErrRejected = errors.New("coordinator rejected the worker")
	// ErrBadOutput means a single-output task produced a different count.
	ErrBadOutput = errors.New("single-output task must produce exactly one block")
)

// Config worker agent configuration
type Config struct {
	Coordinator string        // worker port of a minister or consensus replica
	ListenAddr  string        // where coordinators reach the agent
	AdvertiseIP string        // sent as the ip override, empty lets the coordinator decide
	ID          string        // preset id, empty to have one assigned
	DialTimeout time.Duration // per-connection dial deadline
	IOTimeout   time.Duration // per-connection read/write deadline
	Attempts    int           // tries for registration and reports
	RetryDelay  time.Duration // pause between tries
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 10 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 10
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	return c
}

// Agent is a single-slot worker.
type Agent struct {
	cfg    Config
	exec   Executor
	dialer wire.Dialer
	srv    *wire.Server
	log    *slog.Logger

	mu     sync.Mutex
	id     string
	status types.WorkerStatus
	taskID string
	cancel context.CancelFunc

	completed atomic.Int64
	errored   atomic.Int64

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New binds the agent's listening port. Nothing is sent until Start.
func New(cfg Config, exec Executor) (*Agent, error) {
	cfg = cfg.withDefaults()
	a := &Agent{
		cfg:    cfg,
		exec:   exec,
		dialer: wire.Dialer{DialTimeout: cfg.DialTimeout, IOTimeout: cfg.IOTimeout},
		id:     cfg.ID,
		status: types.WorkerAwaiting,
		log:    slog.With("component", "worker-agent"),
	}
	srv, err := wire.Listen("worker-agent", cfg.ListenAddr, a.handle)
	if err != nil {
		return nil, err
	}
	a.srv = srv
	return a, nil
}

// Start serves coordinator updates and registers with the coordinator.
func (a *Agent) Start(ctx context.Context) error {
	a.ctx, a.stop = context.WithCancel(ctx)
	go a.srv.Serve(a.ctx)
	return a.register(a.ctx)
}

// Stop cancels any running task and waits for it to report.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()

	if a.stop != nil {
		a.stop()
	}
	_ = a.srv.Close()
	a.wg.Wait()
}

func (a *Agent) Addr() string { return a.srv.Addr().String() }

func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Status returns the reported status and the current task.
func (a *Agent) Status() (types.WorkerStatus, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.taskID
}

// Completed counts tasks reported as finished; Errored those reported as
// errored.
func (a *Agent) Completed() int64 { return a.completed.Load() }
func (a *Agent) Errored() int64   { return a.errored.Load() }

// ============================================================================
// Coordinator -> agent
// ============================================================================

func (a *Agent) handle(ctx context.Context, conn net.Conn) {
	l := a.log.With("msg", idgen.MessageID(), "worker", a.ID())

	var msg wire.ServerMessage
	if err := wire.Receive(conn, &msg); err != nil {
		l.Error("Could not decode message from stream", "error", err)
		return
	}

	switch {
	case msg.HeartbeatRequest != nil:
	case msg.SubmissionRequest != nil:
		a.accept(l, msg.SubmissionRequest)
	case msg.CancellationRequest != nil:
		a.cancelRunning(l)
	default:
		l.Warn("Unsupported message from coordinator")
		return
	}

	status, task := a.Status()
	resp := &wire.WorkerMessage{HeartbeatResponse: &wire.WorkerHeartbeatResponse{Status: status, TaskID: task}}
	if err := wire.Send(conn, resp); err != nil {
		l.Warn("Failed to answer coordinator", "error", err)
	}
}

func (a *Agent) accept(l *slog.Logger, task *wire.TaskSubmissionRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}
	if a.taskID == task.TaskID {
		return // retried submission
	}
	if a.status != types.WorkerAwaiting {
		l.Warn("Busy, ignoring submission", "task", task.TaskID, "running", a.taskID)
		return
	}

	ctx, cancel := context.WithCancel(a.ctx)
	a.status = types.WorkerProcessing
	a.taskID = task.TaskID
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(ctx, task)
	l.Info("Task accepted", "task", task.TaskID, "fan_type", task.FanType.String(), "inputs", len(task.DataIn))
}

func (a *Agent) cancelRunning(l *slog.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.status = types.WorkerCancelled
	l.Info("Task cancelled", "task", a.taskID)
}

// ============================================================================
// Execution and reporting
// ============================================================================

func (a *Agent) run(ctx context.Context, task *wire.TaskSubmissionRequest) {
	defer a.wg.Done()
	l := a.log.With("worker", a.ID(), "task", task.TaskID)

	start := time.Now()
	out, err := a.execute(ctx, task)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	status := wire.TaskFinished
	if err != nil {
		status = wire.TaskErrored
		out = nil
		l.Warn("Task failed", "error", err, "duration", time.Since(start))
	} else {
		l.Debug("Task executed", "outputs", len(out), "duration", time.Since(start))
	}

	a.mu.Lock()
	if a.status == types.WorkerProcessing {
		a.status = types.WorkerFinishing
	}
	a.mu.Unlock()

	// Reporting outlives cancellation; only Stop ends it.
	a.report(a.ctx, l, task.TaskID, status, out)

	a.mu.Lock()
	a.cancel = nil
	a.taskID = ""
	a.status = types.WorkerAwaiting
	a.mu.Unlock()

	if a.ctx.Err() != nil {
		return
	}
	if err := a.register(a.ctx); err != nil {
		l.Error("Could not rejoin coordinator", "error", err)
	}
}

func (a *Agent) execute(ctx context.Context, task *wire.TaskSubmissionRequest) (out [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	out, err = a.exec.Execute(ctx, task)
	if err == nil && task.FanType != types.SingleInMultiOut && len(out) != 1 {
		err = fmt.Errorf("%w: got %d", ErrBadOutput, len(out))
	}
	return out, err
}

func (a *Agent) report(ctx context.Context, l *slog.Logger, taskID string, status wire.FinishedStatus, out [][]byte) {
	req := &wire.WorkerMessage{FinishedRequest: &wire.WorkerFinishedRequest{
		WorkerID: a.ID(),
		TaskID:   taskID,
		Status:   status,
		DataOut:  out,
	}}

	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		var resp wire.ServerMessage
		err := a.dialer.Call(ctx, a.cfg.Coordinator, req, &resp)
		if err == nil && resp.FinishedResponse != nil {
			if !resp.FinishedResponse.Processed {
				l.Warn("Coordinator did not process the result")
				return
			}
			if status == wire.TaskFinished {
				a.completed.Add(1)
			} else {
				a.errored.Add(1)
			}
			return
		}
		l.Warn("Failed to report result", "attempt", attempt, "error", err)
		if !a.sleep(ctx) {
			return
		}
	}
	l.Error("Giving up on reporting result")
}

// register announces the agent, retrying while the coordinator still holds
// a previous registration under the same id.
func (a *Agent) register(ctx context.Context) error {
	port := a.srv.Addr().(*net.TCPAddr).Port

	var last error = ErrRejected
	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		req := &wire.WorkerMessage{ConnectionRequest: &wire.WorkerConnectionRequest{
			Authentication: a.ID(),
			IPOverride:     a.cfg.AdvertiseIP,
			Port:           port,
		}}
		var resp wire.ServerMessage
		err := a.dialer.Call(ctx, a.cfg.Coordinator, req, &resp)
		switch {
		case err != nil:
			last = err
		case resp.ConnectionResponse == nil || !resp.ConnectionResponse.Accepted:
			last = ErrRejected
		default:
			a.mu.Lock()
			a.id = resp.ConnectionResponse.WorkerID
			a.mu.Unlock()
			a.log.Info("Registered with coordinator", "worker", resp.ConnectionResponse.WorkerID, "coordinator", a.cfg.Coordinator)
			return nil
		}
		if !a.sleep(ctx) {
			return ErrAgentClosed
		}
	}
	return last
}

func (a *Agent) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(a.cfg.RetryDelay):
		return true
	}
}
