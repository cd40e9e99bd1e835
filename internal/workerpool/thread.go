package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/swarmguard/flowrunner/internal/registry"
)

// ThreadPool runs invocations as goroutines bounded by a buffered-channel
// semaphore. A per-invocation timeout is advisory only: the callable's
// context expires on schedule, but Execute always waits for the goroutine's
// actual result rather than failing the task out from under it (Go has no
// way to forcibly kill a goroutine, and a callable that ignores ctx.Done()
// should not have its eventual success turned into a failure).
type ThreadPool struct {
	sem      chan struct{}
	registry *registry.Registry
}

// PanicError wraps a recovered panic from a task callable, carrying the
// stack trace as a separate field so callers can surface it in structured
// form instead of parsing it back out of an error string.
type PanicError struct {
	Func  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workerpool: task %q panicked: %v", e.Func, e.Value)
}

// NewThreadPool builds a ThreadPool bounded to maxWorkers concurrent
// invocations.
func NewThreadPool(maxWorkers int, reg *registry.Registry) *ThreadPool {
	return &ThreadPool{
		sem:      make(chan struct{}, maxWorkers),
		registry: reg,
	}
}

type threadResult struct {
	value any
	err   error
}

// Execute looks up inv.Func in the registry and runs it, handing the
// callable a context that expires after inv.Timeout (if set) as an
// advisory signal only, and recovering a panicking callable into a
// PanicError carrying its stack trace.
func (p *ThreadPool) Execute(ctx context.Context, inv Invocation) (any, error) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	fn, ok := p.registry.Lookup(inv.Func)
	if !ok {
		return nil, fmt.Errorf("workerpool: no task registered for %q", inv.Func)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	done := make(chan threadResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- threadResult{err: &PanicError{Func: inv.Func, Value: r, Stack: string(debug.Stack())}}
			}
		}()
		value, err := fn(execCtx, inv.Args)
		done <- threadResult{value: value, err: err}
	}()

	r := <-done
	return r.value, r.err
}

// Close is a no-op for ThreadPool: goroutines are not individually
// trackable, so there is nothing to tear down beyond letting them finish.
func (p *ThreadPool) Close() {}
