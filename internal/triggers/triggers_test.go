package triggers

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/flowrunner/internal/store"
	"github.com/swarmguard/flowrunner/internal/workflow"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	meter := noop.NewMeterProvider().Meter("test")
	s, err := store.Open(filepath.Join(t.TempDir(), "flowrunner.db"), meter)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCronFiresRegisteredWorkflow(t *testing.T) {
	st := openTestStore(t)
	wf := workflow.Workflow{Name: "demo", Tasks: []workflow.TaskSpec{{ID: "a", Func: "tasks:noop"}}}
	if err := st.PutWorkflow(wf); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}

	var runs int32
	run := func(ctx context.Context, wf workflow.Workflow) (map[string]workflow.TaskOutcome, workflow.RunSummary, error) {
		atomic.AddInt32(&runs, 1)
		return map[string]workflow.TaskOutcome{"a": {Status: workflow.StatusSuccess}}, workflow.RunSummary{WorkflowName: wf.Name}, nil
	}

	meter := noop.NewMeterProvider().Meter("test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched, err := New(st, run, meter, logger, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := sched.AddCron(context.Background(), ScheduleConfig{WorkflowName: "demo", CronExpr: "* * * * * *"}); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	sched.Start()
	defer sched.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&runs) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) == 0 {
		t.Fatalf("expected at least one cron-triggered run")
	}
}

func TestMaxConcurrentBlocksOverlappingFires(t *testing.T) {
	st := openTestStore(t)
	wf := workflow.Workflow{Name: "demo", Tasks: []workflow.TaskSpec{{ID: "a", Func: "tasks:noop"}}}
	if err := st.PutWorkflow(wf); err != nil {
		t.Fatalf("PutWorkflow: %v", err)
	}

	meter := noop.NewMeterProvider().Meter("test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	block := make(chan struct{})
	var runs int32
	run := func(ctx context.Context, wf workflow.Workflow) (map[string]workflow.TaskOutcome, workflow.RunSummary, error) {
		atomic.AddInt32(&runs, 1)
		<-block
		return nil, workflow.RunSummary{}, nil
	}

	sched, err := New(st, run, meter, logger, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := ScheduleConfig{WorkflowName: "demo", MaxConcurrent: 1}

	go sched.fire(context.Background(), cfg)
	time.Sleep(50 * time.Millisecond)
	sched.fire(context.Background(), cfg)
	close(block)

	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("expected exactly 1 run to proceed with MaxConcurrent=1, got %d", runs)
	}
}
