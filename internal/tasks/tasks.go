// Package tasks is a sample callable library registered under "tasks:"
// identifiers, used for engine scenario tests and manual experimentation
// via "flowrunner run". New constructs a fresh registry.Registry each
// call; the one callable with cross-call state, flakyOnce, isolates that
// state per args["run_id"] rather than per registry, since a long-lived
// daemon reuses a single registry across many runs.
package tasks

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/swarmguard/flowrunner/internal/registry"
)

// New returns a registry populated with the sample task library.
func New() *registry.Registry {
	r := registry.New()
	r.Register("tasks:gen_numbers", genNumbers)
	r.Register("tasks:sum_numbers", sumNumbers)
	r.Register("tasks:split_words", splitWords)
	r.Register("tasks:count_words", countWords)
	r.Register("tasks:merge_counts", mergeCounts)
	r.Register("tasks:get_item", getItem)
	r.Register("tasks:flaky_once", flakyOnce)
	return r
}

func floatArg(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("tasks: missing arg %q", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("tasks: arg %q is not a number", key)
	}
	return f, nil
}

func genNumbers(ctx context.Context, args map[string]any) (any, error) {
	nF, err := floatArg(args, "n")
	if err != nil {
		return nil, err
	}
	n := int(nF)
	seed := int64(0)
	if s, ok := args["seed"]; ok {
		sf, ok := s.(float64)
		if !ok {
			return nil, fmt.Errorf("tasks: arg \"seed\" is not a number")
		}
		seed = int64(sf)
	}
	rng := rand.New(rand.NewSource(seed))
	out := make([]any, n)
	for i := range out {
		out[i] = rng.Float64()
	}
	return out, nil
}

func sumNumbers(ctx context.Context, args map[string]any) (any, error) {
	raw, ok := args["nums"]
	if !ok {
		return nil, fmt.Errorf("tasks: missing arg \"nums\"")
	}
	nums, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("tasks: arg \"nums\" is not a list")
	}
	var total float64
	for _, v := range nums {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("tasks: non-numeric element in \"nums\"")
		}
		total += f
	}
	return total, nil
}

func splitWords(ctx context.Context, args map[string]any) (any, error) {
	text, ok := args["text"].(string)
	if !ok {
		return nil, fmt.Errorf("tasks: missing or invalid arg \"text\"")
	}
	var out []any
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			out = append(out, word.String())
			word.Reset()
		}
	}
	for _, ch := range strings.ToLower(text) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			word.WriteRune(ch)
		} else {
			flush()
		}
	}
	flush()
	return out, nil
}

func countWords(ctx context.Context, args map[string]any) (any, error) {
	raw, ok := args["words"]
	if !ok {
		return nil, fmt.Errorf("tasks: missing arg \"words\"")
	}
	words, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("tasks: arg \"words\" is not a list")
	}
	counts := make(map[string]any)
	for _, v := range words {
		w, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("tasks: non-string element in \"words\"")
		}
		if existing, ok := counts[w]; ok {
			counts[w] = existing.(float64) + 1
		} else {
			counts[w] = float64(1)
		}
	}
	return counts, nil
}

func mergeCounts(ctx context.Context, args map[string]any) (any, error) {
	raw, ok := args["counts"]
	if !ok {
		return nil, fmt.Errorf("tasks: missing arg \"counts\"")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("tasks: arg \"counts\" is not a list")
	}
	total := make(map[string]any)
	keys := make([]string, 0)
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tasks: non-map element in \"counts\"")
		}
		for k, v := range m {
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("tasks: non-numeric count for key %q", k)
			}
			if existing, ok := total[k]; ok {
				total[k] = existing.(float64) + f
			} else {
				total[k] = f
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return total, nil
}

// flakySeen tracks, per run_id, whether flakyOnce has already failed once.
// Keyed by run_id rather than a single process-global counter: the
// registry returned by New() is reused across many runs for the life of
// the daemon, so a plain bool would only ever fail on the very first run
// it was ever asked to perform, not once per run.
var (
	flakyMu   sync.Mutex
	flakySeen = make(map[string]bool)
)

// flakyOnce fails the first time it is called for a given args["run_id"],
// then succeeds on every subsequent call for that same run_id.
func flakyOnce(ctx context.Context, args map[string]any) (any, error) {
	runID, _ := args["run_id"].(string)

	flakyMu.Lock()
	seen := flakySeen[runID]
	flakySeen[runID] = true
	flakyMu.Unlock()

	if !seen {
		return nil, fmt.Errorf("tasks: flaky_once: boom")
	}
	return 123.0, nil
}

func getItem(ctx context.Context, args map[string]any) (any, error) {
	raw, ok := args["items"]
	if !ok {
		return nil, fmt.Errorf("tasks: missing arg \"items\"")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("tasks: arg \"items\" is not a list")
	}
	idxF, err := floatArg(args, "index")
	if err != nil {
		return nil, err
	}
	idx := int(idxF)
	if idx < 0 || idx >= len(items) {
		return nil, fmt.Errorf("tasks: index %d out of range for list of length %d", idx, len(items))
	}
	return items[idx], nil
}
