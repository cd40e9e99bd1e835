package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWorkflow(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	return path
}

func TestRunMainSuccessExitsZero(t *testing.T) {
	path := writeWorkflow(t, `{
		"name": "demo",
		"tasks": [
			{"id": "a", "func": "tasks:gen_numbers", "args": {"n": 3, "seed": 1}}
		]
	}`)
	code := runMain([]string{path})
	if code != exitOK {
		t.Fatalf("got exit %d, want %d", code, exitOK)
	}
}

func TestRunMainInvalidWorkflowExitsTwo(t *testing.T) {
	path := writeWorkflow(t, `{"tasks": []}`)
	code := runMain([]string{path})
	if code != exitValidationErr {
		t.Fatalf("got exit %d, want %d", code, exitValidationErr)
	}
}

func TestRunMainMissingFileExitsTwo(t *testing.T) {
	code := runMain([]string{filepath.Join(t.TempDir(), "missing.json")})
	if code != exitValidationErr {
		t.Fatalf("got exit %d, want %d", code, exitValidationErr)
	}
}

func TestRunMainTaskFailureExitsOne(t *testing.T) {
	path := writeWorkflow(t, `{
		"name": "demo",
		"tasks": [
			{"id": "a", "func": "tasks:get_item", "args": {"items": [], "index": 0}, "retries": 0}
		]
	}`)
	code := runMain([]string{path})
	if code != exitTaskFailed {
		t.Fatalf("got exit %d, want %d", code, exitTaskFailed)
	}
}
