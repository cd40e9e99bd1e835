package main

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRunWorkerSuccess(t *testing.T) {
	req := wireRequest{Func: "tasks:sum_numbers", Args: map[string]any{"nums": []any{1.0, 2.0}}}
	data, _ := json.Marshal(req)

	var out bytes.Buffer
	if code := runWorker(bytes.NewReader(data), &out); code != 0 {
		t.Fatalf("got exit %d, want 0", code)
	}

	var resp wireResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Value != 3.0 {
		t.Fatalf("got %v, want 3.0", resp.Value)
	}
}

func TestRunWorkerUnknownFunc(t *testing.T) {
	req := wireRequest{Func: "tasks:nope"}
	data, _ := json.Marshal(req)

	var out bytes.Buffer
	if code := runWorker(bytes.NewReader(data), &out); code != 0 {
		t.Fatalf("got exit %d, want 0", code)
	}

	var resp wireResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Fatalf("expected an error for an unregistered func")
	}
}
