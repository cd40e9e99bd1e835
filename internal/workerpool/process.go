package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// wireRequest is what the parent writes to a -worker subprocess's stdin.
type wireRequest struct {
	Func string         `json:"func"`
	Args map[string]any `json:"args"`
}

// WireResponse is what a -worker subprocess writes to its stdout.
// cmd/flowrunner's worker entry point does not import it; it declares its
// own struct with the same JSON shape.
type WireResponse struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// ProcessPool runs each invocation in a fresh subprocess (the current
// binary re-invoked with -worker), enforcing the timeout from the parent
// side by killing the subprocess on context expiry. This is strictly
// stronger than an in-worker alarm: it also bounds a worker that never
// checks its own deadline.
type ProcessPool struct {
	sem  chan struct{}
	self string
}

// NewProcessPool resolves the running binary's path once and builds a
// ProcessPool bounded to maxWorkers concurrent subprocesses.
func NewProcessPool(maxWorkers int) (*ProcessPool, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("workerpool: resolve self executable: %w", err)
	}
	return &ProcessPool{
		sem:  make(chan struct{}, maxWorkers),
		self: self,
	}, nil
}

// Execute runs inv in a -worker subprocess, enforcing inv.Timeout (if set)
// as a hard deadline: on expiry the subprocess is killed and Execute
// returns a timeout error.
func (p *ProcessPool) Execute(ctx context.Context, inv Invocation) (any, error) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	execCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	reqBytes, err := json.Marshal(wireRequest{Func: inv.Func, Args: inv.Args})
	if err != nil {
		return nil, fmt.Errorf("workerpool: marshal request for %q: %w", inv.Func, err)
	}

	cmd := exec.CommandContext(execCtx, p.self, "-worker")
	cmd.Stdin = bytes.NewReader(reqBytes)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("workerpool: task %q timed out after %s", inv.Func, inv.Timeout)
	}
	if runErr != nil {
		return nil, fmt.Errorf("workerpool: task %q worker process failed: %w (stderr: %s)", inv.Func, runErr, stderr.String())
	}

	var resp WireResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("workerpool: task %q worker produced invalid response: %w", inv.Func, err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Value, nil
}

// Close is a no-op: each invocation's subprocess is already reaped by
// cmd.Run before Execute returns.
func (p *ProcessPool) Close() {}
