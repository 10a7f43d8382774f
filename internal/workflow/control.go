package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

// StopWorkflow implements §4.6's stopWorkflow(state): CANCELLED recurses
// into non-completed sub-workflows first; any other terminal state (only
// ERROR is meaningful here) interrupts running actions and recursively
// fails sub-workflows.
func (h *Handler) StopWorkflow(ctx context.Context, workflowExecutionID string, state model.State, msg string) error {
	return h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		return h.stopWorkflowTx(ctx, tx, workflowExecutionID, state, msg)
	})
}

func (h *Handler) stopWorkflowTx(ctx context.Context, tx *store.TxHandle, workflowExecutionID string, state model.State, msg string) error {
	h.store.AcquireLock(ctx, "workflow_execution", workflowExecutionID)
	we, found, err := h.store.GetWorkflowExecution(ctx, tx, workflowExecutionID)
	if err != nil {
		return err
	}
	if !found || we.State.IsCompleted() {
		return nil
	}

	tasks, err := h.store.ListTaskExecutionsByWorkflow(ctx, tx, workflowExecutionID)
	if err != nil {
		return err
	}
	for _, te := range tasks {
		if te.Type == model.TaskTypeWorkflow && !te.State.IsCompleted() {
			if err := h.stopWorkflowTx(ctx, tx, subWorkflowExecutionID(te), state, msg); err != nil {
				return err
			}
		}
	}
	for _, te := range tasks {
		if err := h.task.InterruptTask(ctx, tx, te); err != nil {
			return err
		}
	}

	we.State = state
	we.StateInfo = msg
	we.UpdatedAt = time.Now()
	if err := h.store.PutWorkflowExecution(ctx, tx, we); err != nil {
		return err
	}
	h.propagateToParent(ctx, we)
	return nil
}

// subWorkflowExecutionID resolves which WorkflowExecution a sub-workflow
// task spawned. The id is carried in te.Published["execution_id"] once
// the sub-workflow has been started (see startSubWorkflow in the task
// package for WORKFLOW task dispatch); a task that never reached that
// point has nothing to recurse into.
func subWorkflowExecutionID(te *model.TaskExecution) string {
	if te.Published == nil {
		return ""
	}
	id, _ := te.Published["execution_id"].(string)
	return id
}

// CancelWorkflow is StopWorkflow(CANCELLED).
func (h *Handler) CancelWorkflow(ctx context.Context, workflowExecutionID string) error {
	return h.StopWorkflow(ctx, workflowExecutionID, model.StateCancelled, "cancelled")
}

// ForceFailWorkflow is StopWorkflow(ERROR) with an explicit reason,
// used by the top-level worker loop per §7's Fatal error handling: any
// exception uncaught inside a handler force-fails the workflow with the
// exception message as state_info.
func (h *Handler) ForceFailWorkflow(ctx context.Context, workflowExecutionID string, reason string) error {
	return h.StopWorkflow(ctx, workflowExecutionID, model.StateError, reason)
}

// PauseWorkflow recurses into sub-workflows first, then pauses self.
func (h *Handler) PauseWorkflow(ctx context.Context, workflowExecutionID string) error {
	return h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		return h.pauseWorkflowTx(ctx, tx, workflowExecutionID)
	})
}

func (h *Handler) pauseWorkflowTx(ctx context.Context, tx *store.TxHandle, workflowExecutionID string) error {
	h.store.AcquireLock(ctx, "workflow_execution", workflowExecutionID)
	we, found, err := h.store.GetWorkflowExecution(ctx, tx, workflowExecutionID)
	if err != nil {
		return err
	}
	if !found || we.State.IsCompleted() {
		return nil
	}

	tasks, err := h.store.ListTaskExecutionsByWorkflow(ctx, tx, workflowExecutionID)
	if err != nil {
		return err
	}
	for _, te := range tasks {
		if te.Type == model.TaskTypeWorkflow && !te.State.IsCompleted() {
			if err := h.pauseWorkflowTx(ctx, tx, subWorkflowExecutionID(te)); err != nil {
				return err
			}
		}
	}

	we.State = model.StatePaused
	we.UpdatedAt = time.Now()
	return h.store.PutWorkflowExecution(ctx, tx, we)
}

// ResumeWorkflow resumes self first, then its sub-workflows; only
// PAUSED/IDLE/WAITING executions can resume.
func (h *Handler) ResumeWorkflow(ctx context.Context, workflowExecutionID string) error {
	return h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		return h.resumeWorkflowTx(ctx, tx, workflowExecutionID)
	})
}

func (h *Handler) resumeWorkflowTx(ctx context.Context, tx *store.TxHandle, workflowExecutionID string) error {
	h.store.AcquireLock(ctx, "workflow_execution", workflowExecutionID)
	we, found, err := h.store.GetWorkflowExecution(ctx, tx, workflowExecutionID)
	if err != nil {
		return err
	}
	if !found || !we.State.IsPausedOrIdle() {
		return nil
	}

	we.State = model.StateRunning
	we.UpdatedAt = time.Now()
	if err := h.store.PutWorkflowExecution(ctx, tx, we); err != nil {
		return err
	}

	tasks, err := h.store.ListTaskExecutionsByWorkflow(ctx, tx, workflowExecutionID)
	if err != nil {
		return err
	}
	for _, te := range tasks {
		if te.Type == model.TaskTypeWorkflow && te.State == model.StatePaused {
			if err := h.resumeWorkflowTx(ctx, tx, subWorkflowExecutionID(te)); err != nil {
				return err
			}
		}
	}
	return h.checkAndCompleteTx(ctx, tx, we)
}

// RerunWorkflow implements §4.6's rerunWorkflow(taskEx, reset, skip, env):
// a terminal task execution is cleared (processed flag, error-handled
// flag, with-items/retry runtime state, optionally merged extra env vars)
// and redriven through the task handler to actually re-dispatch it, or
// marked skipped so downstream routing proceeds without re-executing it.
func (h *Handler) RerunWorkflow(ctx context.Context, workflowExecutionID, taskExecutionID string, reset, skip bool, env map[string]any) error {
	return h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		h.store.AcquireLock(ctx, "workflow_execution", workflowExecutionID)
		we, found, err := h.store.GetWorkflowExecution(ctx, tx, workflowExecutionID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("workflow: execution %s not found", workflowExecutionID)
		}

		h.store.AcquireLock(ctx, "task_execution", taskExecutionID)
		te, found, err := h.store.GetTaskExecution(ctx, tx, taskExecutionID)
		if err != nil {
			return err
		}
		if !found || !te.State.IsCompleted() {
			return fmt.Errorf("workflow: task %s is not in a terminal state", taskExecutionID)
		}

		if skip {
			te.Processed = true
			te.ErrorHandled = true
			te.UpdatedAt = time.Now()
			if err := h.store.PutTaskExecution(ctx, tx, te); err != nil {
				return err
			}
			return h.checkAndCompleteTx(ctx, tx, we)
		}

		if reset {
			for k, v := range env {
				if te.InContext == nil {
					te.InContext = map[string]any{}
				}
				te.InContext[k] = v
			}
			te.Processed = false
			te.ErrorHandled = false
			te.RuntimeContext = model.RuntimeContext{}
			te.UpdatedAt = time.Now()

			def, found, err := h.store.GetWorkflowDefinition(ctx, tx, we.DefinitionID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("workflow: definition %s not found", we.DefinitionID)
			}
			spec, err := wfspec.Unmarshal(def.Spec)
			if err != nil {
				return err
			}
			taskSpec, ok := spec.Tasks[te.Name]
			if !ok {
				return fmt.Errorf("workflow: task %s not found in definition %s", te.Name, we.DefinitionID)
			}
			if err := h.task.RedriveTask(ctx, tx, te, taskSpec); err != nil {
				return err
			}
		}

		we.State = model.StateRunning
		we.UpdatedAt = time.Now()
		if err := h.store.PutWorkflowExecution(ctx, tx, we); err != nil {
			return err
		}
		return h.checkAndCompleteTx(ctx, tx, we)
	})
}
