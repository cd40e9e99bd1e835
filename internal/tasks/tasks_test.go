package tasks

import (
	"context"
	"testing"
)

func TestSumNumbers(t *testing.T) {
	r := New()
	fn, ok := r.Lookup("tasks:sum_numbers")
	if !ok {
		t.Fatalf("expected tasks:sum_numbers to be registered")
	}
	out, err := fn(context.Background(), map[string]any{"nums": []any{1.0, 2.0, 3.0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != 6.0 {
		t.Fatalf("got %v, want 6.0", out)
	}
}

func TestGenNumbersDeterministicForSeed(t *testing.T) {
	r := New()
	fn, _ := r.Lookup("tasks:gen_numbers")
	a, err := fn(context.Background(), map[string]any{"n": 5.0, "seed": 1.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := fn(context.Background(), map[string]any{"n": 5.0, "seed": 1.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	as := a.([]any)
	bs := b.([]any)
	if len(as) != 5 || len(bs) != 5 {
		t.Fatalf("expected 5 numbers in each result")
	}
	for i := range as {
		if as[i] != bs[i] {
			t.Fatalf("expected identical sequences for identical seeds")
		}
	}
}

func TestSplitWords(t *testing.T) {
	r := New()
	fn, _ := r.Lookup("tasks:split_words")
	out, err := fn(context.Background(), map[string]any{"text": "Hello, world! 42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	words := out.([]any)
	want := []string{"hello", "world", "42"}
	if len(words) != len(want) {
		t.Fatalf("got %v, want %v", words, want)
	}
	for i, w := range want {
		if words[i] != w {
			t.Fatalf("got %v, want %v", words, want)
		}
	}
}

func TestCountWordsAndMergeCounts(t *testing.T) {
	r := New()
	count, _ := r.Lookup("tasks:count_words")
	merge, _ := r.Lookup("tasks:merge_counts")

	c1, err := count(context.Background(), map[string]any{"words": []any{"a", "b", "a"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c2, err := count(context.Background(), map[string]any{"words": []any{"b", "c"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	merged, err := merge(context.Background(), map[string]any{"counts": []any{c1, c2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := merged.(map[string]any)
	if m["a"] != 2.0 || m["b"] != 2.0 || m["c"] != 1.0 {
		t.Fatalf("got %#v, want a=2 b=2 c=1", m)
	}
}

func TestGetItemOutOfRange(t *testing.T) {
	r := New()
	fn, _ := r.Lookup("tasks:get_item")
	_, err := fn(context.Background(), map[string]any{"items": []any{1.0}, "index": 5.0})
	if err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestFlakyOnceFailsFirstCallThenSucceeds(t *testing.T) {
	r := New()
	fn, ok := r.Lookup("tasks:flaky_once")
	if !ok {
		t.Fatalf("expected tasks:flaky_once to be registered")
	}

	args := map[string]any{"run_id": "TestFlakyOnceFailsFirstCallThenSucceeds-run-a"}
	_, err := fn(context.Background(), args)
	if err == nil {
		t.Fatalf("expected the first call for a given run_id to fail")
	}
	out, err := fn(context.Background(), args)
	if err != nil {
		t.Fatalf("expected the second call for the same run_id to succeed, got %v", err)
	}
	if out != 123.0 {
		t.Fatalf("got %v, want 123.0", out)
	}
}

func TestFlakyOnceIsolatedPerRunID(t *testing.T) {
	r := New()
	fn, _ := r.Lookup("tasks:flaky_once")

	runA := map[string]any{"run_id": "TestFlakyOnceIsolatedPerRunID-run-a"}
	runB := map[string]any{"run_id": "TestFlakyOnceIsolatedPerRunID-run-b"}

	if _, err := fn(context.Background(), runA); err == nil {
		t.Fatalf("expected run-a's first call to fail")
	}
	if _, err := fn(context.Background(), runB); err == nil {
		t.Fatalf("expected run-b's first call to fail independently of run-a")
	}
}

func TestNewReturnsFreshRegistryEachCall(t *testing.T) {
	r1 := New()
	r2 := New()
	if r1 == r2 {
		t.Fatalf("expected distinct registry instances")
	}
}
