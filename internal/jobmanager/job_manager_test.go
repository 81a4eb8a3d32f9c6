package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/adeboyed/Parliament/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJob creates a blocked map job owned by user "u1"
func newTestJob(id, input, output string) types.Job {
	return types.Job{
		ID:          id,
		UserID:      "u1",
		InputJobID:  input,
		OutputJobID: output,
		FanType:     types.SingleInSingleOut,
		Status:      types.JobBlocked,
		Closure:     []byte("closure"),
	}
}

// newTestTask creates an awaiting task of job
func newTestTask(job string, i int) types.Task {
	return types.Task{
		ID:         types.TaskID(job, i),
		JobID:      job,
		DataInID:   "in",
		DataInLoc:  i,
		DataOutID:  job,
		DataOutLoc: i,
		Status:     types.TaskAwaiting,
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, jm *JobManager, id string, want types.JobStatus) {
	t.Helper()
	job, ok := jm.Job(id)
	if !ok {
		t.Errorf("job %s not found", id)
		return
	}
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", id, job.Status, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	if jm.jobs == nil || jm.tasks == nil {
		t.Fatal("maps not initialized")
	}
	if _, ok := jm.PopJob(); ok {
		t.Error("job queue should be empty")
	}
	if _, ok := jm.PopTask(); ok {
		t.Error("task queue should be empty")
	}
}

func TestSubmitChain(t *testing.T) {
	jm := NewJobManager()
	chain := []types.Job{
		newTestJob("u1-2", "u1-1", "u1-3"),
		newTestJob("u1-3", "u1-2", ""),
	}

	assertNoError(t, jm.SubmitChain(chain))
	assertJobStatus(t, jm, "u1-2", types.JobBlocked)
	assertJobStatus(t, jm, "u1-3", types.JobBlocked)

	id, ok := jm.PopJob()
	if !ok || id != "u1-2" {
		t.Errorf("queued job: got %q, want u1-2", id)
	}
	if _, ok := jm.PopJob(); ok {
		t.Error("only the first job of a chain should be queued")
	}
}

func TestSubmitChainIsAtomic(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.AddJob(newTestJob("u1-3", "", "")))

	err := jm.SubmitChain([]types.Job{
		newTestJob("u1-2", "u1-1", "u1-3"),
		newTestJob("u1-3", "u1-2", ""),
	})
	assertError(t, err, ErrDuplicateJob)

	if jm.HasJob("u1-2") {
		t.Error("clashing submission must not insert any job")
	}
	if _, ok := jm.PopJob(); ok {
		t.Error("clashing submission must not queue any job")
	}
}

func TestSubmitChainEmpty(t *testing.T) {
	jm := NewJobManager()
	assertError(t, jm.SubmitChain(nil), ErrEmptyChain)
}

func TestAddJobDuplicate(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.AddJob(newTestJob("j", "", "")))
	assertError(t, jm.AddJob(newTestJob("j", "", "")), ErrDuplicateJob)
}

func TestJobReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	job := newTestJob("j", "", "")
	job.Tasks = []string{"j-0"}
	assertNoError(t, jm.AddJob(job))

	got, _ := jm.Job("j")
	got.Tasks[0] = "mutated"
	got.Status = types.JobHalted

	again, _ := jm.Job("j")
	if again.Tasks[0] != "j-0" {
		t.Error("task list shared with caller")
	}
	assertJobStatus(t, jm, "j", types.JobBlocked)
}

func TestUpdateJob(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.AddJob(newTestJob("j", "", "")))

	err := jm.UpdateJob("j", func(j *types.Job) {
		j.Status = types.JobRunning
		j.TotalTasks = 3
	})
	assertNoError(t, err)
	assertJobStatus(t, jm, "j", types.JobRunning)

	assertError(t, jm.UpdateJob("missing", func(*types.Job) {}), ErrJobNotFound)
}

func TestRemoveJob(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.AddJob(newTestJob("j", "", "")))
	jm.RemoveJob("j")
	if jm.HasJob("j") {
		t.Error("job still present after removal")
	}
}

func TestTaskQueueFIFO(t *testing.T) {
	jm := NewJobManager()
	for i := 0; i < 3; i++ {
		task := newTestTask("j", i)
		assertNoError(t, jm.AddTask(task))
		jm.PushTask(task.ID)
	}

	if got := jm.TaskQueue(); len(got) != 3 || got[0] != "j-0" {
		t.Errorf("unexpected queue %v", got)
	}

	for i := 0; i < 3; i++ {
		id, ok := jm.PopTask()
		if !ok || id != types.TaskID("j", i) {
			t.Errorf("pop %d: got %q", i, id)
		}
	}
	if _, ok := jm.PopTask(); ok {
		t.Error("queue should be drained")
	}
}

func TestUpdateTask(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.AddTask(newTestTask("j", 0)))
	assertError(t, jm.AddTask(newTestTask("j", 0)), ErrDuplicateTask)

	assertNoError(t, jm.UpdateTask("j-0", func(task *types.Task) {
		task.Status = types.TaskRunning
		task.WorkerID = "w1"
	}))

	task, ok := jm.Task("j-0")
	if !ok || task.Status != types.TaskRunning || task.WorkerID != "w1" {
		t.Errorf("unexpected task %+v", task)
	}
	assertError(t, jm.UpdateTask("nope", func(*types.Task) {}), ErrTaskNotFound)
}

func TestStats(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.AddJob(newTestJob("a", "", "")))
	assertNoError(t, jm.AddJob(newTestJob("b", "", "")))
	assertNoError(t, jm.UpdateJob("a", func(j *types.Job) { j.Status = types.JobRunning }))
	jm.PushJob("b")

	stats := jm.Stats()
	if stats["jobs"] != 2 || stats["jobs_running"] != 1 || stats["job_queue"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentUpdateJob(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.AddJob(newTestJob("j", "", "")))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = jm.UpdateJob("j", func(j *types.Job) { j.CompletedTasks++ })
		}()
	}
	wg.Wait()

	job, _ := jm.Job("j")
	if job.CompletedTasks != 100 {
		t.Errorf("completed tasks: got %d, want 100", job.CompletedTasks)
	}
}

func TestConcurrentPushPop(t *testing.T) {
	jm := NewJobManager()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jm.PushTask(fmt.Sprintf("t-%d", i))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for {
		id, ok := jm.PopTask()
		if !ok {
			break
		}
		if seen[id] {
			t.Errorf("task %s popped twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 50 {
		t.Errorf("popped %d tasks, want 50", len(seen))
	}
}
