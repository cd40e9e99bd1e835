// Package workerpool executes a single task invocation, either in-process
// (goroutine pool, advisory timeout) or out-of-process (subprocess pool,
// hard timeout enforced by the parent). Both modes satisfy Pool.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/swarmguard/flowrunner/internal/registry"
)

// Invocation is one task attempt: the registered func id, its resolved
// args, and an optional per-attempt timeout (zero means unbounded).
type Invocation struct {
	Func    string
	Args    map[string]any
	Timeout time.Duration
}

// Pool executes Invocations, bounding concurrency to some fixed worker
// count.
type Pool interface {
	Execute(ctx context.Context, inv Invocation) (any, error)
	Close()
}

// New builds a Pool for the named executor ("thread", "process", or "" for
// the default of "thread"). Any other name is a fatal configuration error:
// the engine refuses to start rather than silently falling back.
func New(executor string, maxWorkers int, reg *registry.Registry) (Pool, error) {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers()
	}
	switch executor {
	case "", "thread":
		return NewThreadPool(maxWorkers, reg), nil
	case "process":
		return NewProcessPool(maxWorkers)
	default:
		return nil, fmt.Errorf("workerpool: unknown executor %q (want \"thread\" or \"process\")", executor)
	}
}

// defaultMaxWorkers is max(1, cpu_count-1): one core held back for the
// scheduler loop itself.
func defaultMaxWorkers() int {
	if n := runtime.NumCPU() - 1; n > 0 {
		return n
	}
	return 1
}
