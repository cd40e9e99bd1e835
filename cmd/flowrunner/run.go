package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/swarmguard/flowrunner/internal/engine"
	"github.com/swarmguard/flowrunner/internal/tasks"
	"github.com/swarmguard/flowrunner/internal/workflow"
)

// Exit codes for "flowrunner run": 0 every task SUCCESS, 1 at least one
// FAILED, 2 the workflow document failed to load/validate, 130 on
// SIGINT/SIGTERM.
const (
	exitOK            = 0
	exitTaskFailed    = 1
	exitValidationErr = 2
	exitInterrupted   = 130
)

func runMain(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: flowrunner run <workflow.json> [--cache-dir DIR] [--executor thread|process] [--workers N] [--verbose]")
		return exitValidationErr
	}

	// MaxWorkers 0 lets workerpool.New apply the documented default of
	// max(1, cpu_count-1); --workers below overrides it explicitly.
	cfg := engine.Config{MaxWorkers: 0, Executor: "thread", EmitLogs: true}
	path := args[0]
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--cache-dir":
			i++
			if i < len(args) {
				cfg.CacheDir = args[i]
			}
		case "--executor":
			i++
			if i < len(args) {
				cfg.Executor = args[i]
			}
		case "--workers":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &cfg.MaxWorkers)
			}
		case "--verbose":
			cfg.Verbose = true
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowrunner: read %q: %v\n", path, err)
		return exitValidationErr
	}

	wf, err := workflow.Parse(data, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowrunner: %v\n", err)
		return exitValidationErr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := engine.New(cfg, tasks.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowrunner: %v\n", err)
		return exitValidationErr
	}
	defer e.Close()

	outcomes, _, err := e.Run(ctx, wf)
	if ctx.Err() != nil {
		return exitInterrupted
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowrunner: %v\n", err)
		return exitTaskFailed
	}

	failed := false
	for _, o := range outcomes {
		if o.Status == workflow.StatusFailed {
			failed = true
			break
		}
	}
	if failed {
		return exitTaskFailed
	}
	return exitOK
}
