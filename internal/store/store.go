// Package store persists workflow definitions and run history in an
// embedded BoltDB file, generalized from the teacher's WorkflowStore:
// bucket layout, in-memory hot cache, and latency/cache-hit metrics.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowrunner/internal/workflow"
)

var (
	bucketWorkflows = []byte("workflows")
	bucketRuns      = []byte("runs")
)

// Store is a persistent, embedded KV store for workflow definitions and
// run summaries. The engine core never touches bbolt directly; Store is
// the daemon/CLI's collaborator for durability across process restarts.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	workflowCache map[string]workflow.Workflow

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if absent) the BoltDB file at dbPath and prepares
// its buckets.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("store: open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("flowrunner_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("flowrunner_store_write_ms")
	cacheHits, _ := meter.Int64Counter("flowrunner_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("flowrunner_store_cache_misses_total")

	return &Store{
		db:            db,
		workflowCache: make(map[string]workflow.Workflow),
		readLatency:   readLatency,
		writeLatency:  writeLatency,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
	}, nil
}

// Close releases the underlying BoltDB file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutWorkflow persists wf under its name, also warming the in-memory cache.
func (s *Store) PutWorkflow(wf workflow.Workflow) error {
	start := time.Now()
	defer func() { s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("store: marshal workflow %q: %w", wf.Name, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(wf.Name), data)
	})
	if err != nil {
		return fmt.Errorf("store: write workflow %q: %w", wf.Name, err)
	}

	s.mu.Lock()
	s.workflowCache[wf.Name] = wf
	s.mu.Unlock()
	return nil
}

// GetWorkflow looks up a workflow by name, checking the in-memory cache
// first.
func (s *Store) GetWorkflow(name string) (workflow.Workflow, bool, error) {
	start := time.Now()
	defer func() { s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	s.mu.RLock()
	if wf, ok := s.workflowCache[name]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(context.Background(), 1)
		return wf, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(context.Background(), 1)

	var wf workflow.Workflow
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return workflow.Workflow{}, false, fmt.Errorf("store: read workflow %q: %w", name, err)
	}
	if found {
		s.mu.Lock()
		s.workflowCache[name] = wf
		s.mu.Unlock()
	}
	return wf, found, nil
}

// ListWorkflows returns every stored workflow's name.
func (s *Store) ListWorkflows() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list workflows: %w", err)
	}
	return names, nil
}

// runRecord is the persisted shape of one run: summary plus per-task
// outcomes, keyed by run ID.
type runRecord struct {
	Summary  workflow.RunSummary             `json:"summary"`
	Outcomes map[string]workflow.TaskOutcome `json:"outcomes"`
}

// PutRun persists a completed run's outcomes and summary under runID.
func (s *Store) PutRun(runID string, outcomes map[string]workflow.TaskOutcome, summary workflow.RunSummary) error {
	rec := runRecord{Summary: summary, Outcomes: outcomes}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal run %q: %w", runID, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(runID), data)
	})
	if err != nil {
		return fmt.Errorf("store: write run %q: %w", runID, err)
	}
	return nil
}

// GetRun looks up a previously persisted run by ID.
func (s *Store) GetRun(runID string) (map[string]workflow.TaskOutcome, workflow.RunSummary, bool, error) {
	var rec runRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, workflow.RunSummary{}, false, fmt.Errorf("store: read run %q: %w", runID, err)
	}
	return rec.Outcomes, rec.Summary, found, nil
}
