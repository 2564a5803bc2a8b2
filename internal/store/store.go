// Package store is the Durable Store (C1) adapter: a bbolt-backed,
// transactional key/value engine realizing the external interface contract's
// conditional insert, CAS update, atomic append-unique, batch insert, and
// range-query operations, grounded on the teacher's own BoltDB-based
// workflow store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/scheduler/internal/model"
)

var (
	bucketWorkflows       = []byte("workflow")
	bucketJobInfo         = []byte("job_info")
	bucketJobDependency   = []byte("job_dependency")
	bucketWorkflowRuns    = []byte("workflow_run")
	bucketJobRuns         = []byte("job_run")
	bucketJobRunDeps      = []byte("job_run_dependency")
	bucketJobRunIndex     = []byte("job_run_index") // bucket_id|status|trigger_time|job_run_id -> job_run_id
	bucketWorkerRegistry  = []byte("worker_registry")
	bucketWorkflowRunKeys = []byte("workflow_run_keys") // workflow_id|trigger_time -> workflow_run_id
	bucketMeta            = []byte("meta")
)

var allBuckets = [][]byte{
	bucketWorkflows, bucketJobInfo, bucketJobDependency, bucketWorkflowRuns,
	bucketJobRuns, bucketJobRunDeps, bucketJobRunIndex, bucketWorkerRegistry,
	bucketWorkflowRunKeys, bucketMeta,
}

// Store is the embedded durable store. All mutation happens inside a single
// bbolt writer transaction, which is what gives every CAS-shaped method here
// its atomicity — there is no separate locking layer to reason about.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	casMisses    metric.Int64Counter
}

// Open opens (creating if absent) the bbolt data file at dbPath and ensures
// all entity buckets exist.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("scheduler_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("scheduler_store_write_ms")
	casMisses, _ := meter.Int64Counter("scheduler_store_cas_misses_total")

	return &Store{db: db, readLatency: readLatency, writeLatency: writeLatency, casMisses: casMisses}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// withBusyRetry wraps a bbolt transaction in exponential backoff for the
// "database locked"/busy-timeout transient case, which is distinct from a
// CAS miss: the latter is expected contention, the former is an I/O stall.
func (s *Store) withBusyRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(fn, b)
}

func (s *Store) recordWrite(ctx context.Context, op string, start time.Time) {
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) recordRead(ctx context.Context, op string, start time.Time) {
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// ---- Workflow / JobDefinition / DependencyEdge (authored, read-mostly) ----

// PutWorkflow upserts a Workflow definition.
func (s *Store) PutWorkflow(ctx context.Context, wf model.Workflow) error {
	start := time.Now()
	defer s.recordWrite(ctx, "put_workflow", start)
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	return s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketWorkflows).Put([]byte(wf.ID), data)
		})
	})
}

// GetWorkflow fetches a Workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (model.Workflow, bool, error) {
	start := time.Now()
	defer s.recordRead(ctx, "get_workflow", start)
	var wf model.Workflow
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wf)
	})
	return wf, found, err
}

// ListPublishedWorkflows returns every Workflow with status PUBLISHED.
func (s *Store) ListPublishedWorkflows(ctx context.Context) ([]model.Workflow, error) {
	var out []model.Workflow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			if wf.Status == model.WorkflowPublished && !wf.Deleted {
				out = append(out, wf)
			}
			return nil
		})
	})
	return out, err
}

// PutJobDefinition upserts a JobDefinition.
func (s *Store) PutJobDefinition(ctx context.Context, jd model.JobDefinition) error {
	data, err := json.Marshal(jd)
	if err != nil {
		return fmt.Errorf("marshal job definition: %w", err)
	}
	return s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketJobInfo).Put(jobInfoKey(jd.WorkflowID, jd.ID), data)
		})
	})
}

// GetJobDefinition fetches a JobDefinition by workflow id and job id.
func (s *Store) GetJobDefinition(ctx context.Context, workflowID, jobID string) (model.JobDefinition, bool, error) {
	var jd model.JobDefinition
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketJobInfo).Get(jobInfoKey(workflowID, jobID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &jd)
	})
	return jd, found, err
}

// ListJobDefinitions returns every JobDefinition belonging to workflowID.
func (s *Store) ListJobDefinitions(ctx context.Context, workflowID string) ([]model.JobDefinition, error) {
	var out []model.JobDefinition
	prefix := []byte(workflowID + "|")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketJobInfo).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var jd model.JobDefinition
			if err := json.Unmarshal(v, &jd); err != nil {
				continue
			}
			out = append(out, jd)
		}
		return nil
	})
	return out, err
}

// PutDependencyEdges replaces the static dependency edge set for workflowID.
func (s *Store) PutDependencyEdges(ctx context.Context, workflowID string, edges []model.DependencyEdge) error {
	return s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketJobDependency)
			prefix := []byte(workflowID + "|")
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			for _, e := range edges {
				data, err := json.Marshal(e)
				if err != nil {
					return err
				}
				key := fmt.Sprintf("%s|%s|%s", e.WorkflowID, e.JobID, e.ParentJobID)
				if err := b.Put([]byte(key), data); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ListDependencyEdges returns the static dependency edges for workflowID.
func (s *Store) ListDependencyEdges(ctx context.Context, workflowID string) ([]model.DependencyEdge, error) {
	var out []model.DependencyEdge
	prefix := []byte(workflowID + "|")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketJobDependency).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e model.DependencyEdge
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func jobInfoKey(workflowID, jobID string) []byte {
	return []byte(workflowID + "|" + jobID)
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
