// Package engine implements the scheduler loop: given a validated
// workflow, it runs each task's callable exactly once it becomes ready
// (all dependencies SUCCESS), resolving {"ref": ...} arguments against
// completed outputs, retrying transient failures with bounded exponential
// backoff, propagating terminal failures downstream as SKIPPED, and
// short-circuiting cache hits around the worker pool and the admission
// controller's start/finish hooks (a cache lookup still waits for the
// task's tags to be admissible).
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/flowrunner/internal/admission"
	"github.com/swarmguard/flowrunner/internal/cachekey"
	"github.com/swarmguard/flowrunner/internal/diskcache"
	"github.com/swarmguard/flowrunner/internal/enginelog"
	"github.com/swarmguard/flowrunner/internal/registry"
	"github.com/swarmguard/flowrunner/internal/resolver"
	"github.com/swarmguard/flowrunner/internal/workerpool"
	"github.com/swarmguard/flowrunner/internal/workflow"
)

// boundedWait is how long the completion phase waits, per iteration,
// before re-checking for newly ready tasks (tag-admission may have freed
// up in the meantime even with nothing in flight).
const boundedWait = 50 * time.Millisecond

const tagBlockedPollInterval = 10 * time.Millisecond

// Config configures an Engine.
type Config struct {
	MaxWorkers          int
	Executor            string // "thread" (default) or "process"
	CacheDir            string // empty disables the result cache
	MaxConcurrencyByTag map[string]int
	Verbose             bool
	EmitLogs            bool
	LogWriter           io.Writer // defaults to os.Stderr when EmitLogs is set
	Tracer              trace.Tracer
	Meter               metric.Meter
}

// Engine runs workflows against a fixed worker pool, cache, and admission
// controller built from a Config.
type Engine struct {
	cfg       Config
	pool      workerpool.Pool
	cache     *diskcache.Cache
	admission *admission.Controller
	logger    *enginelog.Logger
	tracer    trace.Tracer

	taskDuration metric.Float64Histogram
	taskRetries  metric.Int64Counter
	taskFailures metric.Int64Counter
	cacheHitsM   metric.Int64Counter
	cacheMissesM metric.Int64Counter
}

// New validates cfg and builds an Engine backed by the configured worker
// pool and (optionally) result cache.
func New(cfg Config, reg *registry.Registry) (*Engine, error) {
	pool, err := workerpool.New(cfg.Executor, cfg.MaxWorkers, reg)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	var cache *diskcache.Cache
	if cfg.CacheDir != "" {
		cache, err = diskcache.Open(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("flowrunner/engine")
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("flowrunner/engine")
	}

	taskDuration, _ := meter.Float64Histogram("flowrunner_task_duration_seconds")
	taskRetries, _ := meter.Int64Counter("flowrunner_task_retries_total")
	taskFailures, _ := meter.Int64Counter("flowrunner_task_failures_total")
	cacheHitsM, _ := meter.Int64Counter("flowrunner_cache_hits_total")
	cacheMissesM, _ := meter.Int64Counter("flowrunner_cache_misses_total")

	return &Engine{
		cfg:          cfg,
		pool:         pool,
		cache:        cache,
		admission:    admission.New(cfg.MaxConcurrencyByTag),
		logger:       enginelog.New(cfg.EmitLogs, cfg.Verbose, cfg.LogWriter),
		tracer:       tracer,
		taskDuration: taskDuration,
		taskRetries:  taskRetries,
		taskFailures: taskFailures,
		cacheHitsM:   cacheHitsM,
		cacheMissesM: cacheMissesM,
	}, nil
}

// Close releases the underlying worker pool.
func (e *Engine) Close() {
	e.pool.Close()
}

type completionMsg struct {
	taskID  string
	outcome workflow.TaskOutcome
	retry   bool
	attempt int
	err     error
}

type runState struct {
	byID        map[string]workflow.TaskSpec
	depsLeft    map[string]int
	dependents  map[string][]string
	attempts    map[string]int
	outcomes    map[string]workflow.TaskOutcome
	ready       map[string]struct{}
	running     int
	backoffs    map[string]*backoff.ExponentialBackOff
	cacheHits   int
	cacheMisses int
}

// Run executes wf to completion: every task reaches SUCCESS, FAILED, or
// SKIPPED. The returned map has exactly one TaskOutcome per task in wf.
func (e *Engine) Run(ctx context.Context, wf workflow.Workflow) (map[string]workflow.TaskOutcome, workflow.RunSummary, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Run")
	defer span.End()

	startedAt := time.Now().UTC()
	e.logger.RunStart(wf.Name, len(wf.Tasks))

	st := newRunState(wf)
	completions := make(chan completionMsg, len(wf.Tasks))

	for {
		e.submitReady(ctx, st, completions)

		if len(st.outcomes) == len(st.byID) {
			break
		}

		if st.running == 0 {
			// Nothing in flight and not all tasks are done: every remaining
			// ready task is blocked on tag admission by a task that is
			// itself blocked the same way. Poll until a slot frees up.
			time.Sleep(tagBlockedPollInterval)
			continue
		}

		select {
		case msg := <-completions:
			st.running--
			e.handleCompletion(st, msg)
		case <-ctx.Done():
			e.abortRemaining(st, ctx.Err())
			goto finished
		case <-time.After(boundedWait):
		}
	}

finished:
	finishedAt := time.Now().UTC()
	summary := buildSummary(wf, st, startedAt, finishedAt)
	e.logger.RunFinished(summary)
	return st.outcomes, summary, nil
}

func newRunState(wf workflow.Workflow) *runState {
	st := &runState{
		byID:       wf.ByID(),
		depsLeft:   make(map[string]int, len(wf.Tasks)),
		dependents: make(map[string][]string, len(wf.Tasks)),
		attempts:   make(map[string]int, len(wf.Tasks)),
		outcomes:   make(map[string]workflow.TaskOutcome, len(wf.Tasks)),
		ready:      make(map[string]struct{}, len(wf.Tasks)),
		backoffs:   make(map[string]*backoff.ExponentialBackOff),
	}
	for _, t := range wf.Tasks {
		st.depsLeft[t.ID] = len(t.Deps)
		for _, d := range t.Deps {
			st.dependents[d] = append(st.dependents[d], t.ID)
		}
	}
	for _, t := range wf.Tasks {
		if st.depsLeft[t.ID] == 0 {
			st.ready[t.ID] = struct{}{}
		}
	}
	return st
}

// submitReady attempts to start every ready task, in ascending-id order,
// skipping any still blocked by tag admission.
func (e *Engine) submitReady(ctx context.Context, st *runState, completions chan completionMsg) {
	ids := make([]string, 0, len(st.ready))
	for id := range st.ready {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := st.byID[id]
		if !e.admission.CanAdmit(t.Tags) {
			continue
		}
		delete(st.ready, id)
		st.attempts[id]++
		e.logger.TaskSubmitted(id, st.attempts[id])

		args, err := resolver.ResolveArgs(t.Args, st.outcomes)
		if err != nil {
			e.failTerminal(st, t, st.attempts[id], time.Now().UTC(), &workflow.ErrorInfo{
				Kind:    "ReferenceError",
				Message: err.Error(),
			})
			continue
		}

		if e.cache != nil {
			key := cachekey.Compute(t.Func, args)
			if value, hit := e.cache.Get(key); hit {
				now := nowSeconds()
				st.cacheHits++
				e.cacheHitsM.Add(ctx, 1)
				e.logger.TaskCacheHit(id)
				e.recordOutcome(st, id, workflow.TaskOutcome{
					Status:     workflow.StatusSuccess,
					Value:      value,
					StartedAt:  now,
					FinishedAt: now,
					Attempts:   0,
				})
				continue
			}
			st.cacheMisses++
			e.cacheMissesM.Add(ctx, 1)
		}

		e.admission.OnStart(t.Tags)
		st.running++
		go e.execute(ctx, t, args, st.attempts[id], completions)
	}
}

func (e *Engine) execute(ctx context.Context, t workflow.TaskSpec, args map[string]any, attempt int, completions chan<- completionMsg) {
	started := time.Now()
	value, err := e.pool.Execute(ctx, workerpool.Invocation{
		Func:    t.Func,
		Args:    args,
		Timeout: t.Timeout(),
	})
	duration := time.Since(started)
	e.admission.OnFinish(t.Tags)

	if err == nil {
		e.taskDuration.Record(ctx, duration.Seconds())
		completions <- completionMsg{
			taskID:  t.ID,
			attempt: attempt,
			outcome: workflow.TaskOutcome{
				Status:     workflow.StatusSuccess,
				Value:      value,
				StartedAt:  toSeconds(started),
				FinishedAt: toSeconds(started.Add(duration)),
				Attempts:   attempt,
			},
		}
		return
	}

	retry := attempt <= t.Retries
	completions <- completionMsg{
		taskID:  t.ID,
		attempt: attempt,
		retry:   retry,
		err:     err,
		outcome: workflow.TaskOutcome{
			Status:     workflow.StatusFailed,
			StartedAt:  toSeconds(started),
			FinishedAt: toSeconds(started.Add(duration)),
			Attempts:   attempt,
		},
	}
}

func (e *Engine) handleCompletion(st *runState, msg completionMsg) {
	t := st.byID[msg.taskID]

	if msg.err == nil {
		e.logger.TaskSuccess(msg.taskID, msg.attempt, msg.outcome.DurationSeconds())
		e.maybeCache(st, t, msg)
		e.recordOutcome(st, msg.taskID, msg.outcome)
		return
	}

	if msg.retry {
		e.taskRetries.Add(context.Background(), 1)
		delay := e.nextBackoff(st, t)
		e.logger.TaskRetry(msg.taskID, msg.attempt, t.Retries+1, delay.Seconds(), msg.err)
		// Matches the single-threaded Python original: the backoff delay
		// blocks the scheduler loop itself rather than being scheduled
		// concurrently. Other tasks' completions queue on the buffered
		// channel and are processed once this sleep returns.
		time.Sleep(delay)
		st.ready[msg.taskID] = struct{}{}
		return
	}

	e.taskFailures.Add(context.Background(), 1)
	errInfo := &workflow.ErrorInfo{Kind: fmt.Sprintf("%T", msg.err), Message: msg.err.Error()}
	var panicErr *workerpool.PanicError
	if errors.As(msg.err, &panicErr) {
		errInfo.Stack = panicErr.Stack
	}
	e.logger.TaskFailed(msg.taskID, msg.attempt, errInfo)
	msg.outcome.Error = errInfo
	e.failTerminal(st, t, msg.attempt, time.Now().UTC(), errInfo)
}

// nextBackoff returns (and advances) the per-task exponential backoff
// sequence: min(5s, base*2^(attempt-1)), matching the spec's formula
// exactly via a zero-jitter backoff.ExponentialBackOff.
func (e *Engine) nextBackoff(st *runState, t workflow.TaskSpec) time.Duration {
	if t.RetryBackoffSeconds <= 0 {
		return 0
	}
	b, ok := st.backoffs[t.ID]
	if !ok {
		initial := time.Duration(t.RetryBackoffSeconds * float64(time.Second))
		b = &backoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         workflow.MaxRetryBackoff,
			MaxElapsedTime:      0,
			Clock:               backoff.SystemClock,
			Stop:                backoff.Stop,
		}
		b.Reset()
		st.backoffs[t.ID] = b
	}
	delay := b.NextBackOff()
	if delay > workflow.MaxRetryBackoff {
		delay = workflow.MaxRetryBackoff
	}
	return delay
}

func (e *Engine) maybeCache(st *runState, t workflow.TaskSpec, msg completionMsg) {
	if e.cache == nil {
		return
	}
	args, err := resolver.ResolveArgs(t.Args, st.outcomes)
	if err != nil {
		return
	}
	key := cachekey.Compute(t.Func, args)
	if err := e.cache.Set(key, msg.outcome.Value); err != nil {
		e.logger.CacheWriteFailed(msg.taskID, err)
	}
}

// recordOutcome finalizes a task's outcome, frees its dependents, and adds
// any newly-ready tasks to the ready set.
func (e *Engine) recordOutcome(st *runState, id string, outcome workflow.TaskOutcome) {
	st.outcomes[id] = outcome
	for _, dep := range st.dependents[id] {
		st.depsLeft[dep]--
		if st.depsLeft[dep] == 0 {
			if _, done := st.outcomes[dep]; !done {
				st.ready[dep] = struct{}{}
			}
		}
	}
}

// failTerminal marks id FAILED and every transitive dependent SKIPPED.
func (e *Engine) failTerminal(st *runState, t workflow.TaskSpec, attempts int, at time.Time, errInfo *workflow.ErrorInfo) {
	ts := toSeconds(at)
	e.recordOutcome(st, t.ID, workflow.TaskOutcome{
		Status:     workflow.StatusFailed,
		Error:      errInfo,
		StartedAt:  ts,
		FinishedAt: ts,
		Attempts:   attempts,
	})
	e.skipDownstream(st, t.ID, "upstream_failed:"+t.ID, at)
}

func (e *Engine) skipDownstream(st *runState, failedID string, reason string, at time.Time) {
	ts := toSeconds(at)
	var stack []string
	stack = append(stack, st.dependents[failedID]...)
	visited := make(map[string]struct{})
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		if _, done := st.outcomes[id]; done {
			continue
		}
		delete(st.ready, id)
		e.logger.TaskSkipped(id, reason)
		st.outcomes[id] = workflow.TaskOutcome{
			Status:     workflow.StatusSkipped,
			StartedAt:  ts,
			FinishedAt: ts,
		}
		for _, dep := range st.dependents[id] {
			st.depsLeft[dep]--
			stack = append(stack, dep)
		}
	}
}

// abortRemaining marks every still-incomplete task FAILED when the run's
// context is canceled; there is no way to retract already-dispatched
// worker-pool invocations, only to stop scheduling new ones.
func (e *Engine) abortRemaining(st *runState, cause error) {
	now := time.Now().UTC()
	ts := toSeconds(now)
	for id := range st.byID {
		if _, done := st.outcomes[id]; done {
			continue
		}
		st.outcomes[id] = workflow.TaskOutcome{
			Status:     workflow.StatusFailed,
			Error:      &workflow.ErrorInfo{Kind: "ContextCanceled", Message: cause.Error()},
			StartedAt:  ts,
			FinishedAt: ts,
			Attempts:   st.attempts[id],
		}
	}
}

func buildSummary(wf workflow.Workflow, st *runState, startedAt, finishedAt time.Time) workflow.RunSummary {
	statuses := make(map[string]workflow.TaskStatus, len(st.outcomes))
	durations := make(map[string]float64, len(st.outcomes))
	for id, o := range st.outcomes {
		statuses[id] = o.Status
		durations[id] = o.DurationSeconds()
	}
	return workflow.RunSummary{
		WorkflowName:  wf.Name,
		StartedAtISO:  startedAt.Format(time.RFC3339),
		FinishedAtISO: finishedAt.Format(time.RFC3339),
		Statuses:      statuses,
		Durations:     durations,
		CacheHits:     st.cacheHits,
		CacheMisses:   st.cacheMisses,
	}
}

func toSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func nowSeconds() float64 {
	return toSeconds(time.Now())
}
