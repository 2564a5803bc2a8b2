package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/scheduler/internal/hashing"
	"github.com/swarmguard/scheduler/internal/model"
)

// GenerateOccurrence performs the Workflow Run Generator's six-step
// materialization (insert WorkflowRun, read definitions/edges, compute
// per-job trigger times, batch-insert JobRuns and their run-time dependency
// edges, record the next-trigger-time) as a single bbolt transaction, so a
// conflict at the uniqueness check aborts with no partial writes.
//
// wr.NextTriggerTime must already hold the computed next occurrence before
// calling: the generator computes it from the trigger schedule (a pure
// function of wr.TriggerTime), outside of any store transaction.
// jobTriggerOverrides holds the resolved trigger time for any JobDefinition
// that carries its own TriggerKind/TriggerValue; jobs absent from this map
// follow the default rule (parentless jobs inherit wr.TriggerTime, jobs with
// parents get 0).
func (s *Store) GenerateOccurrence(ctx context.Context, wr model.WorkflowRun, bucketCount int, jobTriggerOverrides map[string]int64) (inserted bool, jobRuns []model.JobRun, err error) {
	start := time.Now()
	defer s.recordWrite(ctx, "generate_occurrence", start)

	err = s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			keysBucket := tx.Bucket(bucketWorkflowRunKeys)
			uniq := workflowRunUniqueKey(wr.WorkflowID, wr.TriggerTime)
			if keysBucket.Get(uniq) != nil {
				inserted = false
				return nil
			}

			jds, err := scanJobDefinitions(tx, wr.WorkflowID)
			if err != nil {
				return err
			}
			edges, err := scanDependencyEdges(tx, wr.WorkflowID)
			if err != nil {
				return err
			}
			parentsOf := make(map[string][]string)
			for _, e := range edges {
				parentsOf[e.JobID] = append(parentsOf[e.JobID], e.ParentJobID)
			}

			runsBucket := tx.Bucket(bucketJobRuns)
			idxBucket := tx.Bucket(bucketJobRunIndex)
			depsBucket := tx.Bucket(bucketJobRunDeps)

			idByJobID := make(map[string]int64, len(jds))
			for _, jd := range jds {
				seq, err := runsBucket.NextSequence()
				if err != nil {
					return err
				}
				idByJobID[jd.ID] = int64(seq)
			}

			runs := make([]model.JobRun, 0, len(jds))
			for _, jd := range jds {
				triggerTime := int64(0)
				if override, ok := jobTriggerOverrides[jd.ID]; ok {
					triggerTime = override
				} else if len(parentsOf[jd.ID]) == 0 {
					triggerTime = wr.TriggerTime
				}

				var parentIDs []int64
				for _, parentJobID := range parentsOf[jd.ID] {
					parentIDs = append(parentIDs, idByJobID[parentJobID])
				}

				jr := model.JobRun{
					ID:            idByJobID[jd.ID],
					WorkflowRunID: wr.ID,
					JobID:         jd.ID,
					BucketID:      hashing.BucketOf(jd.ID, bucketCount),
					Status:        model.StatusWaiting,
					TriggerTime:   triggerTime,
					ParentRunIDs:  parentIDs,
				}

				data, err := json.Marshal(jr)
				if err != nil {
					return err
				}
				if err := runsBucket.Put(jobRunKey(jr.ID), data); err != nil {
					return err
				}
				idxKey := jobRunIndexKey(jr.BucketID, jr.Status, jr.TriggerTime, jr.ID)
				if err := idxBucket.Put(idxKey, jobRunKey(jr.ID)); err != nil {
					return err
				}
				runs = append(runs, jr)
			}

			for _, e := range edges {
				d := model.JobRunDependency{
					WorkflowRunID: wr.ID,
					JobRunID:      idByJobID[e.JobID],
					ParentRunID:   idByJobID[e.ParentJobID],
				}
				data, err := json.Marshal(d)
				if err != nil {
					return err
				}
				if err := depsBucket.Put(jobRunDependencyKey(d.ParentRunID, d.JobRunID), data); err != nil {
					return err
				}
			}

			wrData, err := json.Marshal(wr)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketWorkflowRuns).Put(workflowRunKey(wr.ID), wrData); err != nil {
				return err
			}
			if err := keysBucket.Put(uniq, []byte(wr.ID)); err != nil {
				return err
			}

			inserted = true
			jobRuns = runs
			return nil
		})
	})
	return inserted, jobRuns, err
}

func scanJobDefinitions(tx *bbolt.Tx, workflowID string) ([]model.JobDefinition, error) {
	var out []model.JobDefinition
	prefix := []byte(workflowID + "|")
	c := tx.Bucket(bucketJobInfo).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var jd model.JobDefinition
		if err := json.Unmarshal(v, &jd); err != nil {
			return nil, fmt.Errorf("unmarshal job definition %s: %w", k, err)
		}
		out = append(out, jd)
	}
	return out, nil
}

func scanDependencyEdges(tx *bbolt.Tx, workflowID string) ([]model.DependencyEdge, error) {
	var out []model.DependencyEdge
	prefix := []byte(workflowID + "|")
	c := tx.Bucket(bucketJobDependency).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var e model.DependencyEdge
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, fmt.Errorf("unmarshal dependency edge %s: %w", k, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// GetNextTriggerTime returns the persisted next-scheduled-occurrence cursor
// for workflowID, used to bootstrap the generator's schedule state across
// restarts without backfilling every missed tick.
func (s *Store) GetNextTriggerTime(ctx context.Context, workflowID string) (int64, bool, error) {
	var t int64
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(nextTriggerKey(workflowID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	return t, found, err
}

// SetNextTriggerTime persists workflowID's next-scheduled-occurrence cursor.
func (s *Store) SetNextTriggerTime(ctx context.Context, workflowID string, t int64) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.withBusyRetry(func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketMeta).Put(nextTriggerKey(workflowID), data)
		})
	})
}

func nextTriggerKey(workflowID string) []byte {
	return []byte("next_trigger|" + workflowID)
}
