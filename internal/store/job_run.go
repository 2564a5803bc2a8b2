package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/scheduler/internal/model"
)

func jobRunKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func jobRunIndexKey(bucketID int, status model.RunStatus, triggerTime, jobRunID int64) []byte {
	return []byte(fmt.Sprintf("%06d|%d|%020d|%020d", bucketID, status, triggerTime, jobRunID))
}

func jobRunIndexPrefix(bucketID int, status model.RunStatus) []byte {
	return []byte(fmt.Sprintf("%06d|%d|", bucketID, status))
}

// BatchInsertJobRuns assigns each run a monotonic id (bbolt's bucket
// sequence) and writes the row plus its secondary index entry inside one
// transaction, matching the generator's "batch-insert JobRun rows" step.
func (s *Store) BatchInsertJobRuns(ctx context.Context, runs []model.JobRun) ([]model.JobRun, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "batch_insert_job_runs", start)

	out := make([]model.JobRun, len(runs))
	copy(out, runs)

	err := s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			runsBucket := tx.Bucket(bucketJobRuns)
			idxBucket := tx.Bucket(bucketJobRunIndex)
			for i := range out {
				id, err := runsBucket.NextSequence()
				if err != nil {
					return err
				}
				out[i].ID = int64(id)
				data, err := json.Marshal(out[i])
				if err != nil {
					return err
				}
				if err := runsBucket.Put(jobRunKey(out[i].ID), data); err != nil {
					return err
				}
				idxKey := jobRunIndexKey(out[i].BucketID, out[i].Status, out[i].TriggerTime, out[i].ID)
				if err := idxBucket.Put(idxKey, jobRunKey(out[i].ID)); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return out, err
}

// GetJobRun fetches a JobRun by id.
func (s *Store) GetJobRun(ctx context.Context, id int64) (model.JobRun, bool, error) {
	var jr model.JobRun
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketJobRuns).Get(jobRunKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &jr)
	})
	return jr, found, err
}

// CASJobRunStatus performs a conditional status transition: it only applies
// when the JobRun's current status is in from. Returns ok=false (not an
// error) on a CAS miss, per the error-handling design's "stale-state CAS
// miss is not an error" rule.
func (s *Store) CASJobRunStatus(ctx context.Context, id int64, from []model.RunStatus, to model.RunStatus, reason model.Reason, message string, now int64) (ok bool, updated model.JobRun, err error) {
	start := time.Now()
	defer s.recordWrite(ctx, "cas_job_run_status", start)

	err = s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			runsBucket := tx.Bucket(bucketJobRuns)
			data := runsBucket.Get(jobRunKey(id))
			if data == nil {
				return fmt.Errorf("job run %d not found", id)
			}
			var jr model.JobRun
			if err := json.Unmarshal(data, &jr); err != nil {
				return err
			}
			matched := false
			for _, f := range from {
				if jr.Status == f {
					matched = true
					break
				}
			}
			if !matched {
				s.casMisses.Add(ctx, 1)
				ok = false
				updated = jr
				return nil
			}

			idxBucket := tx.Bucket(bucketJobRunIndex)
			if err := idxBucket.Delete(jobRunIndexKey(jr.BucketID, jr.Status, jr.TriggerTime, jr.ID)); err != nil {
				return err
			}

			jr.Status = to
			jr.Reason = reason
			if message != "" {
				jr.Message = message
			}
			switch to {
			case model.StatusRunning:
				jr.StartTime = now
				if err := markWorkflowRunRunningLocked(tx, jr.WorkflowRunID, now); err != nil {
					return err
				}
			case model.StatusSuccess, model.StatusFail, model.StatusTimeout, model.StatusCancelled:
				jr.EndTime = now
			}

			newData, err := json.Marshal(jr)
			if err != nil {
				return err
			}
			if err := runsBucket.Put(jobRunKey(id), newData); err != nil {
				return err
			}
			if err := idxBucket.Put(jobRunIndexKey(jr.BucketID, jr.Status, jr.TriggerTime, jr.ID), jobRunKey(jr.ID)); err != nil {
				return err
			}
			ok = true
			updated = jr
			return nil
		})
	})
	return ok, updated, err
}

// RetryJobRun rewrites a FAILed JobRun back to WAITING with an incremented
// retry count and a future trigger time, per the propagator's retry policy.
func (s *Store) RetryJobRun(ctx context.Context, id int64, retryAt int64) (model.JobRun, error) {
	var result model.JobRun
	err := s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			runsBucket := tx.Bucket(bucketJobRuns)
			data := runsBucket.Get(jobRunKey(id))
			if data == nil {
				return fmt.Errorf("job run %d not found", id)
			}
			var jr model.JobRun
			if err := json.Unmarshal(data, &jr); err != nil {
				return err
			}
			idxBucket := tx.Bucket(bucketJobRunIndex)
			if err := idxBucket.Delete(jobRunIndexKey(jr.BucketID, jr.Status, jr.TriggerTime, jr.ID)); err != nil {
				return err
			}

			jr.Status = model.StatusWaiting
			jr.RetryCount++
			jr.TriggerTime = retryAt
			jr.Reason = model.ReasonNone
			jr.StartTime = 0
			jr.EndTime = 0

			newData, err := json.Marshal(jr)
			if err != nil {
				return err
			}
			if err := runsBucket.Put(jobRunKey(id), newData); err != nil {
				return err
			}
			if err := idxBucket.Put(jobRunIndexKey(jr.BucketID, jr.Status, jr.TriggerTime, jr.ID), jobRunKey(jr.ID)); err != nil {
				return err
			}
			result = jr
			return nil
		})
	})
	return result, err
}

// AppendCompletedParent atomically adds parentID to childID's completed-parent
// set. It is a no-op (but not an error) if parentID is already present,
// preserving the set's "grow-only" invariant under concurrent completions.
func (s *Store) AppendCompletedParent(ctx context.Context, childID, parentID int64) (model.JobRun, error) {
	var result model.JobRun
	err := s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			runsBucket := tx.Bucket(bucketJobRuns)
			data := runsBucket.Get(jobRunKey(childID))
			if data == nil {
				return fmt.Errorf("job run %d not found", childID)
			}
			var jr model.JobRun
			if err := json.Unmarshal(data, &jr); err != nil {
				return err
			}
			already := false
			for _, p := range jr.CompletedParentIDs {
				if p == parentID {
					already = true
					break
				}
			}
			if !already {
				jr.CompletedParentIDs = append(jr.CompletedParentIDs, parentID)
				newData, err := json.Marshal(jr)
				if err != nil {
					return err
				}
				if err := runsBucket.Put(jobRunKey(childID), newData); err != nil {
					return err
				}
			}
			result = jr
			return nil
		})
	})
	return result, err
}

// FetchBucketWaitingRuns returns WAITING JobRuns owned by bucketID with
// trigger_time < beforeTriggerTime, ordered by trigger time ascending (ties
// broken by id), up to limit rows. Used both by the preload cache's
// bucketAcquired fetch and its incremental steady-state fetch.
func (s *Store) FetchBucketWaitingRuns(ctx context.Context, bucketID int, beforeTriggerTime int64, limit int) ([]model.JobRun, error) {
	start := time.Now()
	defer s.recordRead(ctx, "fetch_bucket_waiting_runs", start)

	var out []model.JobRun
	prefix := jobRunIndexPrefix(bucketID, model.StatusWaiting)
	err := s.db.View(func(tx *bbolt.Tx) error {
		idxBucket := tx.Bucket(bucketJobRunIndex)
		runsBucket := tx.Bucket(bucketJobRuns)
		c := idxBucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix) && len(out) < limit; k, v = c.Next() {
			data := runsBucket.Get(v)
			if data == nil {
				continue
			}
			var jr model.JobRun
			if err := json.Unmarshal(data, &jr); err != nil {
				continue
			}
			if jr.TriggerTime >= beforeTriggerTime {
				break
			}
			out = append(out, jr)
		}
		return nil
	})
	return out, err
}

// ListJobRunsByStatus returns every JobRun with the given status, used by
// the Recovery Engine's orphan scan (a once-at-boot operation, so a full
// bucket scan is acceptable).
func (s *Store) ListJobRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.JobRun, error) {
	var out []model.JobRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobRuns).ForEach(func(k, v []byte) error {
			var jr model.JobRun
			if err := json.Unmarshal(v, &jr); err != nil {
				return nil
			}
			if jr.Status == status {
				out = append(out, jr)
			}
			return nil
		})
	})
	return out, err
}

// ListJobRunsByWorkflowRun returns every JobRun belonging to workflowRunID,
// used by the dependency propagator's end-of-run completion check (§3's "a
// WorkflowRun becomes terminal when all its JobRun rows reach a terminal
// status").
func (s *Store) ListJobRunsByWorkflowRun(ctx context.Context, workflowRunID string) ([]model.JobRun, error) {
	var out []model.JobRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobRuns).ForEach(func(k, v []byte) error {
			var jr model.JobRun
			if err := json.Unmarshal(v, &jr); err != nil {
				return nil
			}
			if jr.WorkflowRunID == workflowRunID {
				out = append(out, jr)
			}
			return nil
		})
	})
	return out, err
}

// BatchInsertJobRunDependencies writes run-time child->parent edges, indexed
// by parent so the propagator can find a completed run's dependents.
func (s *Store) BatchInsertJobRunDependencies(ctx context.Context, deps []model.JobRunDependency) error {
	return s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketJobRunDeps)
			for _, d := range deps {
				data, err := json.Marshal(d)
				if err != nil {
					return err
				}
				if err := b.Put(jobRunDependencyKey(d.ParentRunID, d.JobRunID), data); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ListChildrenOf returns the run-time dependency edges whose parent is
// parentRunID, i.e. the downstream edges the propagator walks on completion.
func (s *Store) ListChildrenOf(ctx context.Context, parentRunID int64) ([]model.JobRunDependency, error) {
	var out []model.JobRunDependency
	prefix := []byte(fmt.Sprintf("%020d|", parentRunID))
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketJobRunDeps).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var d model.JobRunDependency
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func jobRunDependencyKey(parentRunID, childRunID int64) []byte {
	return []byte(fmt.Sprintf("%020d|%020d", parentRunID, childRunID))
}
