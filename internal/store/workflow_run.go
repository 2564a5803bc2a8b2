package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/scheduler/internal/model"
)

func workflowRunKey(id string) []byte { return []byte(id) }

func workflowRunUniqueKey(workflowID string, triggerTime int64) []byte {
	return []byte(fmt.Sprintf("%s|%020d", workflowID, triggerTime))
}

// InsertWorkflowRunIfAbsent conditionally inserts wr, enforcing the
// uniqueness key (workflow_id, trigger_time). A duplicate insert is silently
// accepted as success: the caller receives inserted=false and the existing
// row, not an error, matching the generator's idempotent-generation contract.
func (s *Store) InsertWorkflowRunIfAbsent(ctx context.Context, wr model.WorkflowRun) (model.WorkflowRun, bool, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "insert_workflow_run", start)

	var inserted bool
	var result model.WorkflowRun
	err := s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			keys := tx.Bucket(bucketWorkflowRunKeys)
			uniq := workflowRunUniqueKey(wr.WorkflowID, wr.TriggerTime)
			if existingID := keys.Get(uniq); existingID != nil {
				data := tx.Bucket(bucketWorkflowRuns).Get(existingID)
				if data == nil {
					return fmt.Errorf("dangling workflow_run_keys entry for %s", string(existingID))
				}
				inserted = false
				return json.Unmarshal(data, &result)
			}

			data, err := json.Marshal(wr)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketWorkflowRuns).Put(workflowRunKey(wr.ID), data); err != nil {
				return err
			}
			if err := keys.Put(uniq, []byte(wr.ID)); err != nil {
				return err
			}
			inserted = true
			result = wr
			return nil
		})
	})
	return result, inserted, err
}

// FindWorkflowRunByTriggerTime looks up a WorkflowRun by its uniqueness key.
func (s *Store) FindWorkflowRunByTriggerTime(ctx context.Context, workflowID string, triggerTime int64) (model.WorkflowRun, bool, error) {
	var wr model.WorkflowRun
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketWorkflowRunKeys).Get(workflowRunUniqueKey(workflowID, triggerTime))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketWorkflowRuns).Get(id)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wr)
	})
	return wr, found, err
}

// GetWorkflowRun fetches a WorkflowRun by id.
func (s *Store) GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error) {
	var wr model.WorkflowRun
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflowRuns).Get(workflowRunKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wr)
	})
	return wr, found, err
}

// PutWorkflowRun overwrites a WorkflowRun row (used for status transitions
// that are coarse-grained, not CAS-gated: the propagator's FAIL and SUCCESS
// transitions and the cancellation manager's CANCELLED transition write this
// row).
func (s *Store) PutWorkflowRun(ctx context.Context, wr model.WorkflowRun) error {
	data, err := json.Marshal(wr)
	if err != nil {
		return err
	}
	return s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketWorkflowRuns).Put(workflowRunKey(wr.ID), data)
		})
	})
}

// markWorkflowRunRunningLocked flips a WAITING WorkflowRun to RUNNING the
// first time one of its JobRuns starts, in the same bbolt transaction as
// that JobRun's own WAITING->RUNNING CAS so the two transitions are
// atomic with each other. A WorkflowRun already past WAITING (including one
// already RUNNING from an earlier job) is left untouched.
func markWorkflowRunRunningLocked(tx *bbolt.Tx, workflowRunID string, now int64) error {
	b := tx.Bucket(bucketWorkflowRuns)
	data := b.Get(workflowRunKey(workflowRunID))
	if data == nil {
		return nil
	}
	var wr model.WorkflowRun
	if err := json.Unmarshal(data, &wr); err != nil {
		return err
	}
	if wr.Status != model.StatusWaiting {
		return nil
	}
	wr.Status = model.StatusRunning
	wr.StartTime = now
	newData, err := json.Marshal(wr)
	if err != nil {
		return err
	}
	return b.Put(workflowRunKey(workflowRunID), newData)
}

// ListWorkflowRunsByStatus returns every WorkflowRun with the given status,
// used by the Recovery Engine to find RUNNING runs at startup.
func (s *Store) ListWorkflowRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.WorkflowRun, error) {
	var out []model.WorkflowRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflowRuns).ForEach(func(k, v []byte) error {
			var wr model.WorkflowRun
			if err := json.Unmarshal(v, &wr); err != nil {
				return nil
			}
			if wr.Status == status {
				out = append(out, wr)
			}
			return nil
		})
	})
	return out, err
}
