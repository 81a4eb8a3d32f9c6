// Package registry holds the coordinator's worker and user registries.
//
// Workers are tracked in three structures, each behind its own mutex:
//
//	names    ordered worker ids, the assignment order
//	records  worker id -> worker record
//	running  ids of tasks currently executing on some worker
//
// Lock order: namesMu is always acquired before mu. runningMu is never held
// together with either of the other two.
package registry

import (
	"errors"
	"slices"
	"sync"

	"github.com/adeboyed/Parliament/pkg/types"
)

var (
	ErrDuplicateWorker = errors.New("worker already registered")
	ErrWorkerNotFound  = errors.New("worker not found")
)

// Workers is the worker registry of one coordinator replica.
type Workers struct {
	namesMu sync.RWMutex
	names   []string

	mu      sync.RWMutex
	records map[string]*types.Worker

	runningMu sync.Mutex
	running   map[string]struct{}
}

// NewWorkers returns an empty registry.
func NewWorkers() *Workers {
	return &Workers{
		records: make(map[string]*types.Worker),
		running: make(map[string]struct{}),
	}
}

// Register appends the worker to the assignment order.
func (r *Workers) Register(w types.Worker) error {
	r.namesMu.Lock()
	defer r.namesMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[w.ID]; exists {
		return ErrDuplicateWorker
	}
	rec := w
	r.records[w.ID] = &rec
	r.names = append(r.names, w.ID)
	return nil
}

// Has reports whether the worker id is registered.
func (r *Workers) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// Get returns a copy of the worker record.
func (r *Workers) Get(id string) (types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.records[id]
	if !ok {
		return types.Worker{}, false
	}
	return *w, true
}

// Update applies fn to the worker record atomically.
func (r *Workers) Update(id string, fn func(*types.Worker)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.records[id]
	if !ok {
		return ErrWorkerNotFound
	}
	fn(w)
	return nil
}

// Remove deletes the worker from both the order and the records.
func (r *Workers) Remove(id string) (types.Worker, bool) {
	r.namesMu.Lock()
	defer r.namesMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Workers) removeLocked(id string) (types.Worker, bool) {
	w, ok := r.records[id]
	if !ok {
		return types.Worker{}, false
	}
	delete(r.records, id)
	r.names = slices.DeleteFunc(r.names, func(n string) bool { return n == id })
	return *w, true
}

// Names returns the worker ids in assignment order.
func (r *Workers) Names() []string {
	r.namesMu.RLock()
	defer r.namesMu.RUnlock()
	return slices.Clone(r.names)
}

// Len returns the number of registered workers.
func (r *Workers) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Assign hands taskID to the first available worker in assignment order.
// A worker is available when it is Awaiting and not already assigned.
func (r *Workers) Assign(taskID string) (types.Worker, bool) {
	r.namesMu.RLock()
	defer r.namesMu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.names {
		w, ok := r.records[id]
		if !ok || w.Status != types.WorkerAwaiting || w.Assigned {
			continue
		}
		w.Assigned = true
		w.RunningTask = taskID
		return *w, true
	}
	return types.Worker{}, false
}

// HasAvailable reports whether Assign would find a worker.
func (r *Workers) HasAvailable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.records {
		if w.Status == types.WorkerAwaiting && !w.Assigned {
			return true
		}
	}
	return false
}

// RemoveCrashed removes every worker whose missed heartbeats exceed
// maxMissed and returns them.
func (r *Workers) RemoveCrashed(maxMissed int) []types.Worker {
	return r.removeWhere(func(w *types.Worker) bool {
		return w.MissedHeartbeats > maxMissed
	})
}

// TakeControl removes every worker that is idle or holds an unconfirmed
// assignment, marking each Cancelled. Run when a replica becomes active.
func (r *Workers) TakeControl() []types.Worker {
	removed := r.removeWhere(func(w *types.Worker) bool {
		return w.RunningTask == "" || w.Assigned
	})
	for i := range removed {
		removed[i].Status = types.WorkerCancelled
	}
	return removed
}

func (r *Workers) removeWhere(pred func(*types.Worker) bool) []types.Worker {
	r.namesMu.Lock()
	defer r.namesMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []types.Worker
	for _, id := range slices.Clone(r.names) {
		w, ok := r.records[id]
		if !ok || !pred(w) {
			continue
		}
		rec, _ := r.removeLocked(id)
		removed = append(removed, rec)
	}
	return removed
}

// Heartbeatable returns the workers that should be sent a heartbeat, in assignment
// order.
func (r *Workers) Heartbeatable() []types.Worker {
	r.namesMu.RLock()
	defer r.namesMu.RUnlock()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Worker, 0, len(r.names))
	for _, id := range r.names {
		w, ok := r.records[id]
		if !ok || w.Status == types.WorkerCancelled || w.Status == types.WorkerFinishing {
			continue
		}
		out = append(out, *w)
	}
	return out
}

// Snapshot returns copies of every worker record in assignment order.
func (r *Workers) Snapshot() []types.Worker {
	r.namesMu.RLock()
	defer r.namesMu.RUnlock()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Worker, 0, len(r.names))
	for _, id := range r.names {
		if w, ok := r.records[id]; ok {
			out = append(out, *w)
		}
	}
	return out
}

// ============================================================================
// Running-task set
// ============================================================================

func (r *Workers) AddRunning(taskID string) {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	r.running[taskID] = struct{}{}
}

func (r *Workers) RemoveRunning(taskID string) {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	delete(r.running, taskID)
}

func (r *Workers) IsRunning(taskID string) bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	_, ok := r.running[taskID]
	return ok
}

// RunningTasks returns the running task ids, sorted.
func (r *Workers) RunningTasks() []string {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	out := make([]string, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Workers) RunningLen() int {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return len(r.running)
}
