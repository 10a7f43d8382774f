package store

import (
	"context"
	"fmt"

	"github.com/Netcracker/qubership-mistral/internal/model"
)

// PutWorkflowDefinition inserts or replaces a workflow definition, keeping
// idxDefinitionByName pointed at the most recently published definition for
// that name (sub-workflow dispatch resolves by name, not by id).
func (s *Store) PutWorkflowDefinition(ctx context.Context, tx *TxHandle, d *model.WorkflowDefinition) error {
	if err := putJSON(tx.tx, bucketWorkflowDefinitions, d.ID, d); err != nil {
		return err
	}
	if d.Name == "" {
		return nil
	}
	b := tx.tx.Bucket(idxDefinitionByName)
	return b.Put([]byte(d.Name), []byte(d.ID))
}

// GetWorkflowDefinition loads a workflow definition by id.
func (s *Store) GetWorkflowDefinition(ctx context.Context, tx *TxHandle, id string) (*model.WorkflowDefinition, bool, error) {
	var d model.WorkflowDefinition
	found, err := getJSON(tx.tx, bucketWorkflowDefinitions, id, &d)
	if !found || err != nil {
		return nil, found, err
	}
	return &d, true, nil
}

// GetWorkflowDefinitionByName resolves a workflow definition by its
// published name, used to start a sub-workflow task named by the spec
// rather than by definition id.
func (s *Store) GetWorkflowDefinitionByName(ctx context.Context, tx *TxHandle, name string) (*model.WorkflowDefinition, bool, error) {
	id := tx.tx.Bucket(idxDefinitionByName).Get([]byte(name))
	if id == nil {
		return nil, false, nil
	}
	return s.GetWorkflowDefinition(ctx, tx, string(id))
}

// PutWorkflowExecution inserts or replaces a workflow execution. The only
// write it refuses is one that would clear ReadOnly on a terminal,
// read-only execution while keeping its state; any other write to a
// terminal execution, including a change of state, is stored as given.
func (s *Store) PutWorkflowExecution(ctx context.Context, tx *TxHandle, we *model.WorkflowExecution) error {
	existing, found, err := s.GetWorkflowExecution(ctx, tx, we.ID)
	if err != nil {
		return err
	}
	if found && existing.State.IsCompleted() && existing.State == we.State && !we.ReadOnly && existing.ReadOnly {
		return fmt.Errorf("store: workflow execution %s is terminal and read-only", we.ID)
	}
	we.StateInfo = model.TruncateStateInfo(we.StateInfo)
	return putJSON(tx.tx, bucketWorkflowExecutions, we.ID, we)
}

// GetWorkflowExecution loads a workflow execution by id.
func (s *Store) GetWorkflowExecution(ctx context.Context, tx *TxHandle, id string) (*model.WorkflowExecution, bool, error) {
	var we model.WorkflowExecution
	found, err := getJSON(tx.tx, bucketWorkflowExecutions, id, &we)
	if !found || err != nil {
		return nil, found, err
	}
	return &we, true, nil
}
