package resolver

import (
	"reflect"
	"testing"

	"github.com/swarmguard/flowrunner/internal/workflow"
)

func outcomesFixture() map[string]workflow.TaskOutcome {
	return map[string]workflow.TaskOutcome{
		"a": {Status: workflow.StatusSuccess, Value: 42.0},
		"b": {Status: workflow.StatusFailed},
		"c": {Status: workflow.StatusSuccess, Value: map[string]any{"x": 1.0}},
	}
}

func TestResolveScalarPassthrough(t *testing.T) {
	out, err := Resolve(7.0, outcomesFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != 7.0 {
		t.Fatalf("got %v, want 7.0", out)
	}
}

func TestResolveDirectRef(t *testing.T) {
	out, err := Resolve(map[string]any{"ref": "a"}, outcomesFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != 42.0 {
		t.Fatalf("got %v, want 42.0", out)
	}
}

func TestResolveNestedRef(t *testing.T) {
	in := map[string]any{
		"numbers": []any{map[string]any{"ref": "a"}, 1.0},
		"nested":  map[string]any{"inner": map[string]any{"ref": "c"}},
	}
	out, err := Resolve(in, outcomesFixture())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]any{
		"numbers": []any{42.0, 1.0},
		"nested":  map[string]any{"inner": map[string]any{"x": 1.0}},
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("got %#v, want %#v", out, want)
	}
}

func TestResolveBadReference(t *testing.T) {
	_, err := Resolve(map[string]any{"ref": "missing"}, outcomesFixture())
	var badRef *BadReferenceError
	if err == nil {
		t.Fatalf("expected error")
	}
	if !asType(err, &badRef) {
		t.Fatalf("got %T (%v), want *BadReferenceError", err, err)
	}
}

func TestResolveUnresolvableReference(t *testing.T) {
	_, err := Resolve(map[string]any{"ref": "b"}, outcomesFixture())
	var unresolvable *UnresolvableReferenceError
	if err == nil {
		t.Fatalf("expected error")
	}
	if !asType(err, &unresolvable) {
		t.Fatalf("got %T (%v), want *UnresolvableReferenceError", err, err)
	}
}

func asType(err error, target any) bool {
	switch t := target.(type) {
	case **BadReferenceError:
		v, ok := err.(*BadReferenceError)
		if ok {
			*t = v
		}
		return ok
	case **UnresolvableReferenceError:
		v, ok := err.(*UnresolvableReferenceError)
		if ok {
			*t = v
		}
		return ok
	}
	return false
}
