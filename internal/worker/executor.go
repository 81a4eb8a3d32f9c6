package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/adeboyed/Parliament/internal/wire"
)

// Executor runs one task. The returned blocks become the task's output:
// single-output fan types must return exactly one block.
type Executor interface {
	Execute(ctx context.Context, task *wire.TaskSubmissionRequest) ([][]byte, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *wire.TaskSubmissionRequest) ([][]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *wire.TaskSubmissionRequest) ([][]byte, error) {
	return f(ctx, task)
}

// Closures maps closure payloads to Go functions over a task's input. It
// stands in for a container runtime in demos and tests.
type Closures struct {
	mu    sync.RWMutex
	funcs map[string]func(in [][]byte) ([][]byte, error)
}

func NewClosures() *Closures {
	return &Closures{funcs: make(map[string]func([][]byte) ([][]byte, error))}
}

// Register binds name, sent as the job's closure bytes, to fn.
func (c *Closures) Register(name string, fn func(in [][]byte) ([][]byte, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[name] = fn
}

func (c *Closures) Execute(ctx context.Context, task *wire.TaskSubmissionRequest) ([][]byte, error) {
	c.mu.RLock()
	fn, ok := c.funcs[string(task.Closure)]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown closure %q", task.Closure)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(task.DataIn)
}

// DefaultClosures registers a few byte-level functions:
//
//	upper   uppercases every input block
//	split   splits every block on commas
//	concat  joins all blocks with commas into one
func DefaultClosures() *Closures {
	c := NewClosures()
	c.Register("upper", func(in [][]byte) ([][]byte, error) {
		out := make([][]byte, len(in))
		for i, b := range in {
			out[i] = []byte(strings.ToUpper(string(b)))
		}
		return out, nil
	})
	c.Register("split", func(in [][]byte) ([][]byte, error) {
		var out [][]byte
		for _, b := range in {
			for _, part := range strings.Split(string(b), ",") {
				out = append(out, []byte(part))
			}
		}
		return out, nil
	})
	c.Register("concat", func(in [][]byte) ([][]byte, error) {
		parts := make([]string, len(in))
		for i, b := range in {
			parts[i] = string(b)
		}
		return [][]byte{[]byte(strings.Join(parts, ","))}, nil
	})
	return c
}
