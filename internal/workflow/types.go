// Package workflow defines the data model shared by the parser, the engine,
// and the engine's external collaborators: TaskSpec/Workflow in, TaskOutcome/
// RunSummary out.
package workflow

import "time"

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	StatusPending TaskStatus = "PENDING"
	StatusRunning TaskStatus = "RUNNING"
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailed  TaskStatus = "FAILED"
	StatusSkipped TaskStatus = "SKIPPED"
)

// MaxRetryBackoff is the engine-wide cap on retry backoff delay.
const MaxRetryBackoff = 5 * time.Second

// TaskSpec is one immutable node of a workflow DAG, as produced by the parser.
type TaskSpec struct {
	ID                  string         `json:"id"`
	Func                string         `json:"func"`
	Deps                []string       `json:"deps,omitempty"`
	Args                map[string]any `json:"args,omitempty"`
	Retries             int            `json:"retries"`
	RetryBackoffSeconds float64        `json:"retry_backoff_seconds"`
	TimeoutSeconds      *float64       `json:"timeout_seconds,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
}

// Timeout returns the configured timeout, or 0 for "unbounded".
func (t TaskSpec) Timeout() time.Duration {
	if t.TimeoutSeconds == nil || *t.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(*t.TimeoutSeconds * float64(time.Second))
}

// Workflow is a name plus an ordered sequence of TaskSpecs. Invariants
// (unique ids, dep existence, acyclicity) are enforced by the parser
// (internal/workflow.Parse) before the engine ever sees a Workflow value.
type Workflow struct {
	Name  string     `json:"name"`
	Tasks []TaskSpec `json:"tasks"`
}

// ByID indexes the workflow's tasks by id.
func (w Workflow) ByID() map[string]TaskSpec {
	out := make(map[string]TaskSpec, len(w.Tasks))
	for _, t := range w.Tasks {
		out[t.ID] = t
	}
	return out
}

// ErrorInfo captures a failed task's error for reporting and logging.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	return e.Kind + ": " + e.Message
}

// TaskOutcome is the final record for one task: produced exactly once.
type TaskOutcome struct {
	Status     TaskStatus `json:"status"`
	Value      any        `json:"value,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	StartedAt  float64    `json:"started_at"`
	FinishedAt float64    `json:"finished_at"`
	Attempts   int        `json:"attempts"`
}

// DurationSeconds is finished_at - started_at, floored at zero.
func (o TaskOutcome) DurationSeconds() float64 {
	d := o.FinishedAt - o.StartedAt
	if d < 0 {
		return 0
	}
	return d
}

// RunSummary is the per-run report returned alongside the outcome map.
type RunSummary struct {
	WorkflowName  string                `json:"workflow_name"`
	StartedAtISO  string                `json:"started_at"`
	FinishedAtISO string                `json:"finished_at"`
	Statuses      map[string]TaskStatus `json:"statuses"`
	Durations     map[string]float64    `json:"durations"`
	CacheHits     int                   `json:"cache_hits"`
	CacheMisses   int                   `json:"cache_misses"`
}
