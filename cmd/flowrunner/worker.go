package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/swarmguard/flowrunner/internal/tasks"
)

// wireRequest/wireResponse mirror internal/workerpool's process-pool wire
// format; duplicated here (rather than exported and imported) because this
// file is the boundary between "in the Go process" and "the JSON the
// parent subprocess call speaks", and keeping the shapes independently
// named makes that boundary explicit.
type wireRequest struct {
	Func string         `json:"func"`
	Args map[string]any `json:"args"`
}

type wireResponse struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// runWorker is the entry point for "flowrunner -worker": read one
// wireRequest from stdin, invoke the matching task, write one
// wireResponse to stdout. Always exits 0 regardless of task-level
// success/failure; the task's outcome travels in the Error field, not the
// process exit code (exit codes are reserved for "flowrunner run").
func runWorker(stdin io.Reader, stdout io.Writer) int {
	var req wireRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		enc := json.NewEncoder(stdout)
		_ = enc.Encode(wireResponse{Error: fmt.Sprintf("worker: decode request: %v", err)})
		return 0
	}

	reg := tasks.New()
	fn, ok := reg.Lookup(req.Func)
	if !ok {
		_ = json.NewEncoder(stdout).Encode(wireResponse{Error: fmt.Sprintf("worker: no task registered for %q", req.Func)})
		return 0
	}

	value, err := fn(context.Background(), req.Args)
	resp := wireResponse{Value: value}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = json.NewEncoder(stdout).Encode(resp)
	return 0
}

func workerMain() {
	os.Exit(runWorker(os.Stdin, os.Stdout))
}
