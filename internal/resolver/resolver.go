// Package resolver substitutes {"ref": "<task_id>"} nodes inside a task's
// args with the referenced predecessor's completed output value.
package resolver

import (
	"fmt"

	"github.com/swarmguard/flowrunner/internal/workflow"
)

// BadReferenceError is returned when a ref node names a task id that does
// not appear anywhere in the workflow's outcome map.
type BadReferenceError struct {
	ID string
}

func (e *BadReferenceError) Error() string {
	return fmt.Sprintf("reference to unknown task %q", e.ID)
}

// UnresolvableReferenceError is returned when a ref node names a task that
// exists but did not finish with SUCCESS (so it has no usable output).
type UnresolvableReferenceError struct {
	ID     string
	Status workflow.TaskStatus
}

func (e *UnresolvableReferenceError) Error() string {
	return fmt.Sprintf("reference to task %q which ended in status %s, not SUCCESS", e.ID, e.Status)
}

// Resolve walks v recursively, replacing every single-key map of the shape
// {"ref": "<id>"} with outcomes[id].Value. All other maps, slices, and
// scalars pass through unchanged (slices/maps are copied, not mutated in
// place, so the original args tree stays reusable across retries).
func Resolve(v any, outcomes map[string]workflow.TaskOutcome) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if id, ok := refTarget(val); ok {
			outcome, known := outcomes[id]
			if !known {
				return nil, &BadReferenceError{ID: id}
			}
			if outcome.Status != workflow.StatusSuccess {
				return nil, &UnresolvableReferenceError{ID: id, Status: outcome.Status}
			}
			return outcome.Value, nil
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			resolved, err := Resolve(child, outcomes)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			resolved, err := Resolve(child, outcomes)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveArgs resolves every value in an args map, returning a new map.
func ResolveArgs(args map[string]any, outcomes map[string]workflow.TaskOutcome) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	resolved, err := Resolve(args, outcomes)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// refTarget reports whether m is exactly {"ref": "<string>"}.
func refTarget(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	raw, ok := m["ref"]
	if !ok {
		return "", false
	}
	id, ok := raw.(string)
	if !ok {
		return "", false
	}
	return id, true
}
