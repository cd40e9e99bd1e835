package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationError reports a malformed workflow document: a bad field type,
// an unknown dependency, or a cycle. The engine is never invoked on a
// workflow that failed validation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// rawTask mirrors the JSON shape of one task entry before validation.
type rawTask struct {
	ID                  string         `json:"id"`
	Func                string         `json:"func"`
	Deps                []string       `json:"deps"`
	Args                map[string]any `json:"args"`
	Retries             int            `json:"retries"`
	RetryBackoffSeconds float64        `json:"retry_backoff_seconds"`
	TimeoutSeconds      *float64       `json:"timeout_seconds"`
	Tags                []string       `json:"tags"`
}

type rawWorkflow struct {
	Name  string    `json:"name"`
	Tasks []rawTask `json:"tasks"`
}

// Parse decodes and validates a workflow document: unique ids, every dep
// refers to a declared id, and the dependency graph is acyclic. defaultName
// is used when the document omits "name".
func Parse(data []byte, defaultName string) (Workflow, error) {
	var raw rawWorkflow
	if err := json.Unmarshal(data, &raw); err != nil {
		return Workflow{}, invalid("workflow document is not valid JSON: %v", err)
	}
	return validate(raw, defaultName)
}

func validate(raw rawWorkflow, defaultName string) (Workflow, error) {
	name := raw.Name
	if name == "" {
		name = defaultName
	}
	if len(raw.Tasks) == 0 {
		return Workflow{}, invalid("'tasks' must be a non-empty list")
	}

	seen := make(map[string]struct{}, len(raw.Tasks))
	tasks := make([]TaskSpec, 0, len(raw.Tasks))
	for i, rt := range raw.Tasks {
		if strings.TrimSpace(rt.ID) == "" {
			return Workflow{}, invalid("task at index %d missing valid 'id'", i)
		}
		if _, dup := seen[rt.ID]; dup {
			return Workflow{}, invalid("duplicate task id %q", rt.ID)
		}
		seen[rt.ID] = struct{}{}
		if !strings.Contains(rt.Func, ":") {
			return Workflow{}, invalid("task %q missing valid 'func' (module:name)", rt.ID)
		}
		if rt.Retries < 0 {
			return Workflow{}, invalid("task %q: 'retries' must be >= 0", rt.ID)
		}
		if rt.RetryBackoffSeconds < 0 {
			return Workflow{}, invalid("task %q: 'retry_backoff_seconds' must be >= 0", rt.ID)
		}
		tasks = append(tasks, TaskSpec{
			ID:                  rt.ID,
			Func:                rt.Func,
			Deps:                rt.Deps,
			Args:                rt.Args,
			Retries:             rt.Retries,
			RetryBackoffSeconds: rt.RetryBackoffSeconds,
			TimeoutSeconds:      rt.TimeoutSeconds,
			Tags:                rt.Tags,
		})
	}

	byID := make(map[string]TaskSpec, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, d := range t.Deps {
			if _, ok := byID[d]; !ok {
				return Workflow{}, invalid("task %q depends on unknown task %q", t.ID, d)
			}
		}
	}

	if cyc := findCycle(tasks, byID); cyc != nil {
		return Workflow{}, invalid("cycle detected: %s", strings.Join(cyc, " -> "))
	}

	return Workflow{Name: name, Tasks: tasks}, nil
}

const (
	white = 0
	gray  = 1
	black = 2
)

// findCycle runs a DFS over the dependency edges and returns the cycle path
// (task ids) if one exists, else nil.
func findCycle(tasks []TaskSpec, byID map[string]TaskSpec) []string {
	color := make(map[string]int, len(tasks))
	for _, t := range tasks {
		color[t.ID] = white
	}

	var cycle []string
	var stack []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range byID[id].Deps {
			switch color[dep] {
			case white:
				if dfs(dep) {
					return true
				}
			case gray:
				idx := indexOf(stack, dep)
				cycle = append(append([]string{}, stack[idx:]...), dep)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if dfs(t.ID) {
				return cycle
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
