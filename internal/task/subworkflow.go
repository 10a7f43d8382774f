package task

import (
	"context"
	"fmt"
	"time"

	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

// SubWorkflowStarter starts a sub-workflow execution for a WORKFLOW-kind
// task and returns its execution id. Injected by the engine facade to
// keep this package from importing internal/workflow directly (the same
// cycle the §9 design note calls out for CheckAndComplete).
type SubWorkflowStarter func(ctx context.Context, tx *store.TxHandle, parentTaskExecutionID, workflowName string, input map[string]any) (subWorkflowExecutionID string, err error)

func (h *Handler) startSubWorkflow(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec, input map[string]any) error {
	if h.StartSubWorkflow == nil {
		return h.failTask(ctx, tx, te, fmt.Errorf("task: sub-workflow support not wired"))
	}
	subID, err := h.StartSubWorkflow(ctx, tx, te.ID, spec.Workflow, input)
	if err != nil {
		return h.failTask(ctx, tx, te, err)
	}
	te.Published = map[string]any{"execution_id": subID}
	te.UpdatedAt = time.Now()
	return h.store.PutTaskExecution(ctx, tx, te)
}

// CompleteSubWorkflowTask implements the sub-workflow leg of §4.6 step 5:
// the sub-workflow's terminal state and output are folded into its
// parent task the same way an action's completion would be, without an
// ActionExecution row ever existing for it.
func (h *Handler) CompleteSubWorkflowTask(ctx context.Context, lookup SpecLookup, parentTaskExecutionID string, success bool, output map[string]any) error {
	return h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		h.store.AcquireLock(ctx, "task_execution", parentTaskExecutionID)
		te, found, err := h.store.GetTaskExecution(ctx, tx, parentTaskExecutionID)
		if err != nil {
			return err
		}
		if !found || te.State.IsCompleted() {
			return nil
		}

		spec, err := lookup(te.WorkflowExecutionID, te.Name)
		if err != nil {
			return err
		}

		finalState := model.StateSuccess
		if !success {
			finalState = model.StateError
			if len(spec.OnError) > 0 {
				te.ErrorHandled = true
			}
		}

		if te.Published == nil {
			te.Published = map[string]any{}
		}
		te.Published["result"] = output
		te.State = finalState
		te.Processed = true
		te.HasNextTasks = len(spec.OnSuccess) > 0 || len(spec.OnError) > 0 || len(spec.OnComplete) > 0
		te.NextTasks = routedNames(spec, finalState)
		now := time.Now()
		te.FinishedAt = now
		te.UpdatedAt = now

		if err := h.store.PutTaskExecution(ctx, tx, te); err != nil {
			return err
		}
		h.enqueueCheckAndComplete(ctx, te.WorkflowExecutionID)
		return nil
	})
}
