package scheduler

import (
	"context"
	"fmt"

	"github.com/adeboyed/Parliament/internal/jobmanager"
	"github.com/adeboyed/Parliament/pkg/types"
)

// Decompose splits a blocked job into tasks according to its fan type.
// The job's predecessor block must exist; a missing block returns
// ErrMissingData. A SingleInSingleOut job over an empty block yields no
// tasks.
func Decompose(ctx context.Context, job types.Job, data jobmanager.DataStore) ([]types.Task, error) {
	ok, err := data.Exists(ctx, job.InputJobID)
	if err != nil {
		return nil, fmt.Errorf("check input of %s: %w", job.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s input %q", ErrMissingData, job.ID, job.InputJobID)
	}

	switch job.FanType {
	case types.SingleInMultiOut:
		return []types.Task{newTask(job, 0, types.AllElements, types.AllElements)}, nil

	case types.MultiInSingleOut:
		return []types.Task{newTask(job, 0, types.AllElements, 0)}, nil

	case types.SingleInSingleOut:
		n, err := data.Len(ctx, job.InputJobID)
		if err != nil {
			return nil, fmt.Errorf("size input of %s: %w", job.ID, err)
		}
		tasks := make([]types.Task, n)
		for i := 0; i < n; i++ {
			tasks[i] = newTask(job, i, i, i)
		}
		return tasks, nil

	default:
		return nil, fmt.Errorf("job %s: unknown fan type %s", job.ID, job.FanType)
	}
}

func newTask(job types.Job, i, in, out int) types.Task {
	return types.Task{
		ID:         types.TaskID(job.ID, i),
		JobID:      job.ID,
		UserID:     job.UserID,
		DataInID:   job.InputJobID,
		DataInLoc:  in,
		DataOutID:  job.ID,
		DataOutLoc: out,
		Image:      job.Image,
		Closure:    job.Closure,
		FanType:    job.FanType,
		Status:     types.TaskAwaiting,
	}
}
