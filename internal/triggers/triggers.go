// Package triggers fires workflow runs on a schedule (cron) or on an
// external event (NATS subject), generalized from the teacher's
// Scheduler/ScheduleConfig/EventHandler: each firing simply calls the
// existing single-host engine.Engine.Run, it never distributes a run
// across triggers.
package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowrunner/internal/store"
	"github.com/swarmguard/flowrunner/internal/workflow"
)

// RunFunc executes one workflow run to completion. Implemented by
// *engine.Engine.Run, accepted as a function value so tests can stub it.
type RunFunc func(ctx context.Context, wf workflow.Workflow) (map[string]workflow.TaskOutcome, workflow.RunSummary, error)

// ScheduleConfig describes one trigger: a workflow to run, fired either on
// a cron expression or on receipt of a NATS message on Subject. Exactly
// one of CronExpr/Subject should be set.
type ScheduleConfig struct {
	WorkflowName  string `json:"workflow_name"`
	CronExpr      string `json:"cron_expr,omitempty"`      // e.g. "0 */5 * * * *" (with seconds, per robfig/cron.WithSeconds)
	Subject       string `json:"subject,omitempty"`        // NATS subject to subscribe on
	MaxConcurrent int    `json:"max_concurrent,omitempty"` // 0 = unlimited
}

// Scheduler owns a cron runner and a set of NATS subscriptions, both of
// which call back into a RunFunc for the named workflow.
type Scheduler struct {
	cron   *cron.Cron
	nc     *nats.Conn
	subs   []*nats.Subscription
	store  *store.Store
	run    RunFunc
	logger *slog.Logger

	mu       sync.Mutex
	running  map[string]int
	runCount metric.Int64Counter
	runFails metric.Int64Counter
}

// New builds a Scheduler. natsURL may be empty to disable event-driven
// triggers entirely (cron-only operation).
func New(st *store.Store, run RunFunc, meter metric.Meter, logger *slog.Logger, natsURL string) (*Scheduler, error) {
	runCount, _ := meter.Int64Counter("flowrunner_schedule_runs_total")
	runFails, _ := meter.Int64Counter("flowrunner_schedule_failures_total")

	s := &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		store:    st,
		run:      run,
		logger:   logger,
		running:  make(map[string]int),
		runCount: runCount,
		runFails: runFails,
	}

	if natsURL != "" {
		nc, err := nats.Connect(natsURL)
		if err != nil {
			return nil, fmt.Errorf("triggers: connect to nats at %q: %w", natsURL, err)
		}
		s.nc = nc
	}

	return s, nil
}

// AddCron registers cfg's workflow to run on cfg.CronExpr.
func (s *Scheduler) AddCron(ctx context.Context, cfg ScheduleConfig) error {
	_, err := s.cron.AddFunc(cfg.CronExpr, func() {
		s.fire(ctx, cfg)
	})
	if err != nil {
		return fmt.Errorf("triggers: add cron schedule for %q: %w", cfg.WorkflowName, err)
	}
	return nil
}

// AddEvent subscribes cfg's workflow to fire on every message received on
// cfg.Subject. Requires the Scheduler to have been built with a non-empty
// natsURL.
func (s *Scheduler) AddEvent(ctx context.Context, cfg ScheduleConfig) error {
	if s.nc == nil {
		return fmt.Errorf("triggers: no NATS connection configured, cannot subscribe to %q", cfg.Subject)
	}
	sub, err := s.nc.Subscribe(cfg.Subject, func(msg *nats.Msg) {
		s.fire(ctx, cfg)
	})
	if err != nil {
		return fmt.Errorf("triggers: subscribe to %q: %w", cfg.Subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// fire runs cfg's workflow once, honoring MaxConcurrent and persisting the
// result to the store under a timestamp-derived run ID.
func (s *Scheduler) fire(ctx context.Context, cfg ScheduleConfig) {
	if !s.tryEnter(cfg.WorkflowName, cfg.MaxConcurrent) {
		s.logger.Warn("schedule skipped: max concurrent runs reached", "workflow", cfg.WorkflowName)
		return
	}
	defer s.leave(cfg.WorkflowName)

	wf, found, err := s.store.GetWorkflow(cfg.WorkflowName)
	if err != nil || !found {
		s.runFails.Add(ctx, 1)
		s.logger.Error("schedule fire: workflow not found", "workflow", cfg.WorkflowName, "error", err)
		return
	}

	s.runCount.Add(ctx, 1)
	outcomes, summary, err := s.run(ctx, wf)
	if err != nil {
		s.runFails.Add(ctx, 1)
		s.logger.Error("schedule fire: run error", "workflow", cfg.WorkflowName, "error", err)
		return
	}

	runID := fmt.Sprintf("%s-%d", cfg.WorkflowName, time.Now().UnixNano())
	if err := s.store.PutRun(runID, outcomes, summary); err != nil {
		s.logger.Error("schedule fire: persist run", "workflow", cfg.WorkflowName, "error", err)
	}
}

func (s *Scheduler) tryEnter(name string, maxConcurrent int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxConcurrent > 0 && s.running[name] >= maxConcurrent {
		return false
	}
	s.running[name]++
	return true
}

func (s *Scheduler) leave(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] > 0 {
		s.running[name]--
	}
}

// Start begins the cron runner. Event subscriptions are already active as
// soon as AddEvent returns.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop gracefully stops the cron runner and drains NATS subscriptions.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
