package store

import (
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/scheduler/internal/model"
)

// CancelWorkflowRunJobs batch-transitions every non-terminal JobRun of
// workflowRunID to CANCELLED (reason "cancelled") in one transaction,
// returning the set actually cancelled. JobRuns already terminal are left
// untouched. Used by the cancellation manager's Cancel path.
func (s *Store) CancelWorkflowRunJobs(ctx context.Context, workflowRunID string, now int64) ([]model.JobRun, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "cancel_workflow_run_jobs", start)

	var cancelled []model.JobRun
	err := s.withBusyRetry(func() error {
		cancelled = nil
		return s.db.Update(func(tx *bbolt.Tx) error {
			runsBucket := tx.Bucket(bucketJobRuns)
			idxBucket := tx.Bucket(bucketJobRunIndex)

			var toCancel []model.JobRun
			err := runsBucket.ForEach(func(k, v []byte) error {
				var jr model.JobRun
				if err := json.Unmarshal(v, &jr); err != nil {
					return nil
				}
				if jr.WorkflowRunID == workflowRunID && !jr.Status.IsTerminal() {
					toCancel = append(toCancel, jr)
				}
				return nil
			})
			if err != nil {
				return err
			}

			for _, jr := range toCancel {
				if err := idxBucket.Delete(jobRunIndexKey(jr.BucketID, jr.Status, jr.TriggerTime, jr.ID)); err != nil {
					return err
				}
				jr.Status = model.StatusCancelled
				jr.Reason = model.ReasonCancelled
				jr.EndTime = now

				data, err := json.Marshal(jr)
				if err != nil {
					return err
				}
				if err := runsBucket.Put(jobRunKey(jr.ID), data); err != nil {
					return err
				}
				if err := idxBucket.Put(jobRunIndexKey(jr.BucketID, jr.Status, jr.TriggerTime, jr.ID), jobRunKey(jr.ID)); err != nil {
					return err
				}
				cancelled = append(cancelled, jr)
			}
			return nil
		})
	})
	return cancelled, err
}
