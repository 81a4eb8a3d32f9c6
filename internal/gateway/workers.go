// Package gateway serves the two coordinator ports: the worker port, where
// workers register and report results, and the user port, where users
// submit and inspect job chains.
//
// Every connection carries exactly one request and at most one response.
// In consensus mode inbound frames are sequenced; a frame whose sequence id
// was already superseded is dropped without a response.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/adeboyed/Parliament/internal/idgen"
	"github.com/adeboyed/Parliament/internal/jobmanager"
	"github.com/adeboyed/Parliament/internal/metrics"
	"github.com/adeboyed/Parliament/internal/registry"
	"github.com/adeboyed/Parliament/internal/replica"
	"github.com/adeboyed/Parliament/internal/scheduler"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

var (
	ErrUnknownTask = errors.New("worker has no task to report")
	ErrNoOutput    = errors.New("finished task reported no output")
)

// WorkerDeps are the stores the worker port reads and writes.
type WorkerDeps struct {
	Jobs    *jobmanager.JobManager
	Data    jobmanager.DataStore
	Workers *registry.Workers
	Replica *replica.State
	Updates scheduler.UpdateSink
	Metrics *metrics.Collector
}

// WorkerGateway handles requests arriving on the worker port.
type WorkerGateway struct {
	jobs    *jobmanager.JobManager
	data    jobmanager.DataStore
	workers *registry.Workers
	replica *replica.State
	updates scheduler.UpdateSink
	metrics *metrics.Collector
	log     *slog.Logger

	// Shutdown runs after a Shutdown consensus request has been answered.
	Shutdown func()
}

func NewWorkerGateway(d WorkerDeps) *WorkerGateway {
	if d.Replica == nil {
		d.Replica = replica.New(false)
	}
	return &WorkerGateway{
		jobs:     d.Jobs,
		data:     d.Data,
		workers:  d.Workers,
		replica:  d.Replica,
		updates:  d.Updates,
		metrics:  d.Metrics,
		log:      slog.With("component", "worker-gateway"),
		Shutdown: func() { os.Exit(0) },
	}
}

// Handle serves one worker connection. It satisfies wire.Handler.
func (g *WorkerGateway) Handle(ctx context.Context, conn net.Conn) {
	l := g.log.With("msg", idgen.MessageID(), "remote", conn.RemoteAddr().String())

	var msg wire.WorkerMessage
	seq, err := wire.ReceiveMaybeSequenced(conn, g.replica.Consensus(), &msg)
	if err != nil {
		l.Error("Could not decode message from stream", "error", err)
		return
	}
	if !g.replica.Accept(seq) {
		g.metrics.RecordSequencedDropped()
		l.Warn("Dropped stale message", "seq", seq, "counter", g.replica.Counter())
		return
	}
	l.Debug("Worker message received", "kind", msg.Kind(), "seq", seq)

	var (
		resp  *wire.ServerMessage
		after func()
	)
	switch {
	case msg.ConnectionRequest != nil:
		resp = g.connect(l, conn, msg.ConnectionRequest)
	case msg.FinishedRequest != nil:
		resp, after = g.finished(ctx, l, msg.FinishedRequest)
	case msg.ConsensusRequest != nil:
		resp, after = g.consensus(l, msg.ConsensusRequest)
	default:
		l.Warn("Unsupported message on worker port", "kind", msg.Kind())
		return
	}

	if err := wire.Send(conn, resp); err != nil {
		l.Error("Failed to write response", "error", err)
		return
	}
	if after != nil {
		after()
	}
}

func (g *WorkerGateway) connect(l *slog.Logger, conn net.Conn, req *wire.WorkerConnectionRequest) *wire.ServerMessage {
	id := req.Authentication
	if id == "" {
		id = idgen.Unique(g.workers.Has)
	}
	host := req.IPOverride
	if host == "" {
		host = wire.RemoteIP(conn)
	}

	err := g.workers.Register(types.Worker{
		ID:            id,
		Host:          host,
		Port:          req.Port,
		LastHeartbeat: time.Now(),
		Status:        types.WorkerAwaiting,
	})
	if err != nil {
		l.Warn("Rejected worker connection", "worker", id, "error", err)
		return &wire.ServerMessage{ConnectionResponse: &wire.WorkerConnectionResponse{WorkerID: id}}
	}

	l.Info("Worker connected", "worker", id, "addr", fmt.Sprintf("%s:%d", host, req.Port))
	return &wire.ServerMessage{ConnectionResponse: &wire.WorkerConnectionResponse{WorkerID: id, Accepted: true}}
}

// finished records a task outcome. The worker is dropped from the registry
// once the response reaches it; it reconnects for its next task.
func (g *WorkerGateway) finished(ctx context.Context, l *slog.Logger, req *wire.WorkerFinishedRequest) (*wire.ServerMessage, func()) {
	reply := func(ok bool) *wire.ServerMessage {
		return &wire.ServerMessage{FinishedResponse: &wire.WorkerFinishedResponse{Processed: ok}}
	}

	w, ok := g.workers.Get(req.WorkerID)
	if !ok {
		l.Warn("Finished request from unknown worker", "worker", req.WorkerID)
		return reply(false), nil
	}
	remove := func() { g.workers.Remove(w.ID) }

	taskID := w.RunningTask
	if taskID == "" && g.replica.Consensus() {
		taskID = req.TaskID
		g.workers.AddRunning(taskID)
	}
	if taskID == "" {
		l.Warn("Finished request rejected", "worker", w.ID, "error", ErrUnknownTask)
		return reply(false), nil
	}
	if req.TaskID != "" && req.TaskID != taskID {
		l.Warn("Worker reported a different task than assigned", "worker", w.ID, "assigned", taskID, "reported", req.TaskID)
	}
	l = l.With("worker", w.ID, "task", taskID)

	task, ok := g.jobs.Task(taskID)
	if !ok {
		l.Warn("Finished task no longer exists")
		return reply(true), remove
	}
	if task.Status == types.TaskCancelled {
		l.Info("Ignoring result of cancelled task")
		return reply(true), remove
	}

	status := types.TaskCompleted
	if req.Status == wire.TaskErrored {
		status = types.TaskHalted
		l.Warn("Task errored on worker")
	} else if err := g.storeOutput(ctx, task, req.DataOut); err != nil {
		status = types.TaskHalted
		l.Error("Failed to store task output", "error", err)
	}

	err := g.jobs.UpdateTask(taskID, func(t *types.Task) {
		if t.Status == types.TaskCancelled {
			return
		}
		t.Status = status
		t.WorkerID = w.ID
	})
	if err != nil {
		l.Error("Failed to update task", "error", err)
		return reply(false), nil
	}

	l.Info("Task finished", "status", status)
	return reply(true), remove
}

func (g *WorkerGateway) storeOutput(ctx context.Context, task types.Task, out [][]byte) error {
	if task.DataOutLoc == types.AllElements {
		return g.data.Append(ctx, task.DataOutID, out...)
	}
	if len(out) == 0 {
		return ErrNoOutput
	}
	return g.data.Put(ctx, task.DataOutID, task.DataOutLoc, out[0])
}

func (g *WorkerGateway) consensus(l *slog.Logger, req *wire.ConsensusRequest) (*wire.ServerMessage, func()) {
	resp := &wire.ServerMessage{ConsensusResponse: &wire.ConsensusResponse{}}
	l.Info("Consensus request", "action", req.Action.String())

	switch req.Action {
	case wire.SetActive:
		g.replica.SetActive(true)
		g.takeControl(l)
	case wire.SetPassive:
		g.replica.SetActive(false)
	case wire.Shutdown:
		return resp, g.Shutdown
	default:
		l.Warn("Unknown consensus action", "action", req.Action)
	}
	return resp, nil
}

// takeControl drops workers whose state this replica cannot vouch for and
// tells them to abandon whatever they are doing.
func (g *WorkerGateway) takeControl(l *slog.Logger) {
	dropped := g.workers.TakeControl()
	for _, w := range dropped {
		if err := g.updates.Enqueue(types.NewCancellation(w)); err != nil {
			l.Error("Failed to enqueue cancellation", "worker", w.ID, "error", err)
		}
	}
	l.Info("Took control of workers", "dropped", len(dropped), "kept", g.workers.Len())
}
