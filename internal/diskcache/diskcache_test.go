package diskcache

import (
	"os"
	"testing"
)

func TestSetThenGet(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Set("abcdef0123456789", map[string]any{"value": 42.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get("abcdef0123456789")
	if !ok {
		t.Fatalf("expected hit")
	}
	m, ok := got.(map[string]any)
	if !ok || m["value"] != 42.0 {
		t.Fatalf("got %#v, want map with value 42.0", got)
	}
}

func TestGetMissReturnsFalseNotError(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, ok := c.Get("0000000000000000")
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestFanOutDirectories(t *testing.T) {
	root := t.TempDir()
	c, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key := "aabbccdd00112233"
	if err := c.Set(key, "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	want := c.path(key)
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected entry at fan-out path %q: %v", want, err)
	}
}
