// Package cachekey computes a deterministic content hash over a task's
// function identifier and its resolved arguments, used as the key into
// internal/diskcache.
package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Compute returns the hex-encoded sha256 of the canonical JSON encoding of
// [funcID, canonicalize(args)]. Equal (funcID, args) pairs always produce
// the same key regardless of map iteration order or struct field order.
func Compute(funcID string, args any) string {
	pair := [2]any{funcID, canonicalize(args)}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode never fails for the value shapes canonicalize() produces
	// (maps with string keys, slices, and JSON-native scalars).
	if err := enc.Encode(pair); err != nil {
		panic(fmt.Sprintf("cachekey: unexpected encode failure: %v", err))
	}

	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:])
}

// canonicalize reduces v to a tree of maps, slices, and JSON scalars so
// that encoding/json's built-in (sorted) map-key ordering makes the
// resulting bytes deterministic. Values that cannot be represented this
// way fall back to a {"__repr__": ...} leaf, mirroring the Python
// original's _safe_for_hash behavior for non-JSON-able objects.
func canonicalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string:
		return val
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val
	case float32, float64:
		f := reflect.ValueOf(val).Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// JSON has no encoding for non-finite floats.
			return map[string]any{"__repr__": fmt.Sprintf("%#v", v)}
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = canonicalize(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = canonicalize(child)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return canonicalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = canonicalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		keys := rv.MapKeys()
		strKeys := make([]string, len(keys))
		byStr := make(map[string]reflect.Value, len(keys))
		for i, k := range keys {
			ks := fmt.Sprintf("%v", k.Interface())
			strKeys[i] = ks
			byStr[ks] = k
		}
		sort.Strings(strKeys)
		out := make(map[string]any, len(strKeys))
		for _, ks := range strKeys {
			out[ks] = canonicalize(rv.MapIndex(byStr[ks]).Interface())
		}
		return out
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			out[f.Name] = canonicalize(rv.Field(i).Interface())
		}
		return out
	}

	return map[string]any{"__repr__": fmt.Sprintf("%#v", v)}
}
