package store

import (
	"context"
	"time"

	"github.com/Netcracker/qubership-mistral/internal/model"
)

// jobIndexKey formats the (executeAt, id) composite key backing
// idxJobByExecuteAt, so a cursor scan from the bucket's start yields jobs
// in due-order. The timestamp layout is fixed-width (nine fractional
// digits, always present) so byte order matches time order.
func jobIndexKey(executeAt time.Time, id string) []byte {
	return []byte(executeAt.UTC().Format(jobIndexTimeLayout) + "\x00" + id)
}

const jobIndexTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ScheduleJob inserts a job keyed for dedup by Key: if Key is non-empty and
// a job with the same key is already pending (not yet captured), the
// existing job is returned unchanged instead of a duplicate being
// created, matching spec.md §4.2's "schedule is idempotent under a caller
// supplied dedup key" note.
func (s *Store) ScheduleJob(ctx context.Context, tx *TxHandle, job *model.ScheduledJob) (*model.ScheduledJob, error) {
	if job.Key != "" {
		if existing, found, err := s.findJobByKey(tx, job.Key); err != nil {
			return nil, err
		} else if found {
			return existing, nil
		}
	}
	if err := putJSON(tx.tx, bucketScheduledJobs, job.ID, job); err != nil {
		return nil, err
	}
	if err := tx.tx.Bucket(idxJobByExecuteAt).Put(jobIndexKey(job.ExecuteAt, job.ID), nil); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) findJobByKey(tx *TxHandle, key string) (*model.ScheduledJob, bool, error) {
	var found *model.ScheduledJob
	err := forEachPrefix(tx.tx, bucketScheduledJobs, "", func(_, v []byte) error {
		if found != nil || v == nil {
			return nil
		}
		var j model.ScheduledJob
		if err := jsonUnmarshalInto(v, &j); err != nil {
			return err
		}
		if j.Key == key && j.CapturedAt == nil {
			jc := j
			found = &jc
		}
		return nil
	})
	return found, found != nil, err
}

// GetScheduledJob loads a scheduled job by id.
func (s *Store) GetScheduledJob(ctx context.Context, tx *TxHandle, id string) (*model.ScheduledJob, bool, error) {
	var j model.ScheduledJob
	found, err := getJSON(tx.tx, bucketScheduledJobs, id, &j)
	if !found || err != nil {
		return nil, found, err
	}
	return &j, true, nil
}

// ClaimDue returns up to limit jobs whose ExecuteAt has passed and which
// are not already marked Processing, atomically flipping them to
// Processing and stamping CapturedAt within the same write transaction —
// the bbolt single-writer equivalent of `FOR UPDATE SKIP LOCKED` (spec.md
// §4.2). Callers must run this inside a Store.Transaction(ctx, false, ...).
func (s *Store) ClaimDue(ctx context.Context, tx *TxHandle, now time.Time, limit int) ([]*model.ScheduledJob, error) {
	if tx.ReadOnly() {
		panic("store: ClaimDue requires a write transaction")
	}
	var claimed []*model.ScheduledJob
	c := tx.tx.Bucket(idxJobByExecuteAt).Cursor()
	cutoff := []byte(now.UTC().Format(jobIndexTimeLayout) + "\xff")
	for k, _ := c.First(); k != nil && len(claimed) < limit; k, _ = c.Next() {
		if string(k) > string(cutoff) {
			break
		}
		id := jobIDFromIndexKey(k)
		job, found, err := s.GetScheduledJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if !found || job.Processing {
			continue
		}
		job.Processing = true
		capturedAt := now
		job.CapturedAt = &capturedAt
		if err := putJSON(tx.tx, bucketScheduledJobs, job.ID, job); err != nil {
			return nil, err
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// ReleaseJob deletes a completed job, removing both its primary record and
// its index entry.
func (s *Store) ReleaseJob(ctx context.Context, tx *TxHandle, job *model.ScheduledJob) error {
	if err := deleteKey(tx.tx, bucketScheduledJobs, job.ID); err != nil {
		return err
	}
	return tx.tx.Bucket(idxJobByExecuteAt).Delete(jobIndexKey(job.ExecuteAt, job.ID))
}

// RecaptureAbandoned resets jobs that were Processing but never released
// within staleAfter, so the recovery sweep (spec.md §4.2's "abandoned
// capture" case) can reclaim them on the next ClaimDue pass.
func (s *Store) RecaptureAbandoned(ctx context.Context, tx *TxHandle, now time.Time, staleAfter time.Duration) (int, error) {
	var reset int
	err := forEachPrefix(tx.tx, bucketScheduledJobs, "", func(k, v []byte) error {
		var j model.ScheduledJob
		if err := jsonUnmarshalInto(v, &j); err != nil {
			return err
		}
		if j.Processing && j.CapturedAt != nil && now.Sub(*j.CapturedAt) > staleAfter {
			j.Processing = false
			j.CapturedAt = nil
			if err := putJSON(tx.tx, bucketScheduledJobs, j.ID, &j); err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	return reset, err
}

func jobIDFromIndexKey(k []byte) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == 0 {
			return string(k[i+1:])
		}
	}
	return string(k)
}
