// Package enginelog emits the engine's JSON-lines event stream to stderr,
// one slog record per event per run, matching the event taxonomy the
// scheduler loop is required to produce.
package enginelog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/swarmguard/flowrunner/internal/workflow"
)

// Logger emits engine lifecycle events as JSON lines. A disabled Logger is
// a no-op on every method, so call sites never need to branch on whether
// logging is turned on.
type Logger struct {
	enabled bool
	verbose bool
	sl      *slog.Logger
}

// New builds a Logger writing JSON lines to w. When enabled is false every
// method is a no-op. verbose controls whether task_failed events include
// the error's stack trace.
func New(enabled, verbose bool, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{enabled: enabled, verbose: verbose, sl: slog.New(handler)}
}

func (l *Logger) log(event string, args ...any) {
	if l == nil || !l.enabled {
		return
	}
	allArgs := append([]any{"event", event, "ts", time.Now().UTC().Format(time.RFC3339Nano)}, args...)
	l.sl.Log(context.Background(), slog.LevelInfo, event, allArgs...)
}

func (l *Logger) RunStart(workflowName string, taskCount int) {
	l.log("run_start", "workflow", workflowName, "task_count", taskCount)
}

func (l *Logger) TaskSubmitted(taskID string, attempt int) {
	l.log("task_submitted", "task_id", taskID, "attempt", attempt)
}

func (l *Logger) TaskSuccess(taskID string, attempt int, durationSeconds float64) {
	l.log("task_success", "task_id", taskID, "attempt", attempt, "duration_seconds", durationSeconds)
}

func (l *Logger) TaskCacheHit(taskID string) {
	l.log("task_cache_hit", "task_id", taskID)
}

func (l *Logger) TaskRetry(taskID string, attempt int, maxAttempts int, backoffSeconds float64, err error) {
	l.log("task_retry", "task_id", taskID, "attempt", attempt, "max_attempts", maxAttempts,
		"backoff_seconds", backoffSeconds, "error", err.Error())
}

func (l *Logger) TaskFailed(taskID string, attempt int, errInfo *workflow.ErrorInfo) {
	args := []any{"task_id", taskID, "attempt", attempt, "error_kind", errInfo.Kind, "error_message", errInfo.Message}
	if l.verbose && errInfo.Stack != "" {
		args = append(args, "error_traceback", errInfo.Stack)
	}
	l.log("task_failed", args...)
}

func (l *Logger) TaskSkipped(taskID string, reason string) {
	l.log("task_skipped", "task_id", taskID, "reason", reason)
}

func (l *Logger) CacheWriteFailed(taskID string, err error) {
	l.log("cache_write_failed", "task_id", taskID, "error", err.Error())
}

func (l *Logger) RunFinished(summary workflow.RunSummary) {
	l.log("run_finished", "workflow", summary.WorkflowName, "cache_hits", summary.CacheHits,
		"cache_misses", summary.CacheMisses)
}
