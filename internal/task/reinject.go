package task

import (
	"context"
	"fmt"

	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
)

// Reinject re-enters completion routing for a task whose last child
// action's onActionComplete callback was lost, per the Integrity
// Monitor's rescue algorithm (spec.md §4.8). lookup resolves the task's
// wfspec.TaskSpec.
func (h *Handler) Reinject(ctx context.Context, lookup SpecLookup, taskExecutionID string) error {
	return h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		h.store.AcquireLock(ctx, "task_execution", taskExecutionID)
		te, found, err := h.store.GetTaskExecution(ctx, tx, taskExecutionID)
		if err != nil {
			return err
		}
		if !found || te.State.IsCompleted() {
			return nil
		}

		actions, err := h.store.ListActionExecutionsByTask(ctx, tx, te.ID)
		if err != nil {
			return err
		}
		var last *model.ActionExecution
		for _, ae := range actions {
			if last == nil || ae.FinishedAt.After(last.FinishedAt) {
				last = ae
			}
		}
		if last == nil {
			return fmt.Errorf("task: reinject %s: no child actions to replay", taskExecutionID)
		}

		spec, err := lookup(te.WorkflowExecutionID, te.Name)
		if err != nil {
			return err
		}
		return h.routeActionOutcome(ctx, tx, te, spec, last)
	})
}
