package store

import (
	"context"

	"github.com/Netcracker/qubership-mistral/internal/model"
)

// PutActionExecution inserts or replaces an action execution, maintaining
// the by-task secondary index.
func (s *Store) PutActionExecution(ctx context.Context, tx *TxHandle, ae *model.ActionExecution) error {
	ae.StateInfo = model.TruncateStateInfo(ae.StateInfo)
	if err := putJSON(tx.tx, bucketActionExecutions, ae.ID, ae); err != nil {
		return err
	}
	return tx.tx.Bucket(idxActionByTask).Put([]byte(ae.TaskExecutionID+"\x00"+ae.ID), nil)
}

// GetActionExecution loads an action execution by id.
func (s *Store) GetActionExecution(ctx context.Context, tx *TxHandle, id string) (*model.ActionExecution, bool, error) {
	var ae model.ActionExecution
	found, err := getJSON(tx.tx, bucketActionExecutions, id, &ae)
	if !found || err != nil {
		return nil, found, err
	}
	return &ae, true, nil
}

// ListActionExecutionsByTask returns every action execution belonging to
// the given task execution, in no particular order (callers sort by
// IterationIndex when ordering matters, e.g. with-items result
// aggregation per spec.md §4.5.1).
func (s *Store) ListActionExecutionsByTask(ctx context.Context, tx *TxHandle, taskExecutionID string) ([]*model.ActionExecution, error) {
	var out []*model.ActionExecution
	err := forEachPrefix(tx.tx, idxActionByTask, taskExecutionID+"\x00", func(k, _ []byte) error {
		id := string(k[len(taskExecutionID)+1:])
		ae, found, err := s.GetActionExecution(ctx, tx, id)
		if err != nil {
			return err
		}
		if found {
			out = append(out, ae)
		}
		return nil
	})
	return out, err
}
