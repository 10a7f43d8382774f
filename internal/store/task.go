package store

import (
	"context"
	"fmt"

	"github.com/Netcracker/qubership-mistral/internal/model"
)

// PutTaskExecution inserts or replaces a task execution, maintaining the
// by-workflow and by-workflow-name secondary indices.
func (s *Store) PutTaskExecution(ctx context.Context, tx *TxHandle, te *model.TaskExecution) error {
	te.StateInfo = model.TruncateStateInfo(te.StateInfo)
	if err := putJSON(tx.tx, bucketTaskExecutions, te.ID, te); err != nil {
		return err
	}
	if err := tx.tx.Bucket(idxTaskByWorkflow).Put([]byte(te.WorkflowExecutionID+"\x00"+te.ID), nil); err != nil {
		return err
	}
	if err := tx.tx.Bucket(idxTaskByWorkflowName).Put([]byte(te.WorkflowExecutionID+"\x00"+te.Name), []byte(te.ID)); err != nil {
		return err
	}
	if te.UniqueKey != "" {
		if err := tx.tx.Bucket(bucketUniqueKeys).Put([]byte(te.UniqueKey), []byte(te.ID)); err != nil {
			return err
		}
	}
	return nil
}

// GetTaskExecution loads a task execution by id.
func (s *Store) GetTaskExecution(ctx context.Context, tx *TxHandle, id string) (*model.TaskExecution, bool, error) {
	var te model.TaskExecution
	found, err := getJSON(tx.tx, bucketTaskExecutions, id, &te)
	if !found || err != nil {
		return nil, found, err
	}
	return &te, true, nil
}

// InsertTaskExecutionUnique inserts te if its UniqueKey is unset or not
// already claimed; otherwise it returns the existing task execution that
// owns the key, unchanged. This implements the idempotent-creation
// contract of spec.md §4.5 step 1 ("attempt insert; on unique-violation,
// re-read and return existing").
func (s *Store) InsertTaskExecutionUnique(ctx context.Context, tx *TxHandle, te *model.TaskExecution) (*model.TaskExecution, bool, error) {
	if te.UniqueKey == "" {
		return te, true, s.PutTaskExecution(ctx, tx, te)
	}
	b := tx.tx.Bucket(bucketUniqueKeys)
	if existingID := b.Get([]byte(te.UniqueKey)); existingID != nil {
		existing, found, err := s.GetTaskExecution(ctx, tx, string(existingID))
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, fmt.Errorf("store: dangling unique key %q -> %q", te.UniqueKey, existingID)
		}
		return existing, false, nil
	}
	return te, true, s.PutTaskExecution(ctx, tx, te)
}

// ListTaskExecutionsByWorkflow returns every task execution belonging to
// the given workflow execution.
func (s *Store) ListTaskExecutionsByWorkflow(ctx context.Context, tx *TxHandle, workflowExecutionID string) ([]*model.TaskExecution, error) {
	var out []*model.TaskExecution
	err := forEachPrefix(tx.tx, idxTaskByWorkflow, workflowExecutionID+"\x00", func(k, _ []byte) error {
		id := string(k[len(workflowExecutionID)+1:])
		te, found, err := s.GetTaskExecution(ctx, tx, id)
		if err != nil {
			return err
		}
		if found {
			out = append(out, te)
		}
		return nil
	})
	return out, err
}

// FindTaskExecutionByName looks up a task execution by (workflowExecutionID, name).
func (s *Store) FindTaskExecutionByName(ctx context.Context, tx *TxHandle, workflowExecutionID, name string) (*model.TaskExecution, bool, error) {
	b := tx.tx.Bucket(idxTaskByWorkflowName)
	id := b.Get([]byte(workflowExecutionID + "\x00" + name))
	if id == nil {
		return nil, false, nil
	}
	return s.GetTaskExecution(ctx, tx, string(id))
}
