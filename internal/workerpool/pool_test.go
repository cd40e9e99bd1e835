package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/flowrunner/internal/registry"
)

func TestThreadPoolExecutesRegisteredFunc(t *testing.T) {
	reg := registry.New()
	reg.Register("tasks:double", func(ctx context.Context, args map[string]any) (any, error) {
		return args["n"].(float64) * 2, nil
	})
	pool := NewThreadPool(2, reg)
	defer pool.Close()

	out, err := pool.Execute(context.Background(), Invocation{Func: "tasks:double", Args: map[string]any{"n": 3.0}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != 6.0 {
		t.Fatalf("got %v, want 6.0", out)
	}
}

func TestThreadPoolUnknownFunc(t *testing.T) {
	pool := NewThreadPool(1, registry.New())
	defer pool.Close()
	_, err := pool.Execute(context.Background(), Invocation{Func: "tasks:missing"})
	if err == nil {
		t.Fatalf("expected error for unregistered func")
	}
}

func TestThreadPoolRecoversPanic(t *testing.T) {
	reg := registry.New()
	reg.Register("tasks:boom", func(ctx context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	})
	pool := NewThreadPool(1, reg)
	defer pool.Close()

	_, err := pool.Execute(context.Background(), Invocation{Func: "tasks:boom"})
	if err == nil {
		t.Fatalf("expected panic to surface as an error")
	}
}

func TestThreadPoolAdvisoryTimeout(t *testing.T) {
	reg := registry.New()
	started := make(chan struct{})
	reg.Register("tasks:slow", func(ctx context.Context, args map[string]any) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	})
	pool := NewThreadPool(1, reg)
	defer pool.Close()

	out, err := pool.Execute(context.Background(), Invocation{Func: "tasks:slow", Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("timeout must be advisory: task succeeded but Execute returned %v", err)
	}
	if out != "done" {
		t.Fatalf("got %v, want done", out)
	}
	<-started
}

func TestThreadPoolBoundsConcurrency(t *testing.T) {
	reg := registry.New()
	var active, maxActive int32
	reg.Register("tasks:track", func(ctx context.Context, args map[string]any) (any, error) {
		active++
		if active > maxActive {
			maxActive = active
		}
		time.Sleep(5 * time.Millisecond)
		active--
		return nil, nil
	})
	pool := NewThreadPool(1, reg)
	defer pool.Close()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := pool.Execute(context.Background(), Invocation{Func: "tasks:track"})
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if maxActive > 1 {
		t.Fatalf("peak concurrency %d exceeded pool size of 1", maxActive)
	}
}

func TestNewRejectsUnknownExecutor(t *testing.T) {
	_, err := New("gpu", 1, registry.New())
	if err == nil {
		t.Fatalf("expected error for unknown executor")
	}
}
