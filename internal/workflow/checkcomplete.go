package workflow

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Netcracker/qubership-mistral/internal/controller"
	"github.com/Netcracker/qubership-mistral/internal/expreval"
	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

// CheckAndComplete implements §4.6's checkAndComplete(wfExId). It is the
// hook the engine facade wires into task.Handler.CheckAndComplete, so it
// always runs outside any transaction (the post-commit queue guarantee)
// and opens its own.
func (h *Handler) CheckAndComplete(ctx context.Context, workflowExecutionID string) {
	ctx, span := h.tracer.Start(ctx, "workflow.check_and_complete",
		trace.WithAttributes(attribute.String("workflow_execution_id", workflowExecutionID)))
	defer span.End()

	err := h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		h.store.AcquireLock(ctx, "workflow_execution", workflowExecutionID)
		we, found, err := h.store.GetWorkflowExecution(ctx, tx, workflowExecutionID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return h.checkAndCompleteTx(ctx, tx, we)
	})
	if err != nil {
		slog.Error("workflow: checkAndComplete failed", "workflow_execution_id", workflowExecutionID, "error", err)
	}
}

func (h *Handler) checkAndCompleteTx(ctx context.Context, tx *store.TxHandle, we *model.WorkflowExecution) error {
	if we.State.IsCompleted() {
		return nil
	}

	def, found, err := h.store.GetWorkflowDefinition(ctx, tx, we.DefinitionID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	spec, err := wfspec.Unmarshal(def.Spec)
	if err != nil {
		return err
	}

	tasks, err := h.store.ListTaskExecutionsByWorkflow(ctx, tx, we.ID)
	if err != nil {
		return err
	}

	ctrl := controller.New(spec)
	next := ctrl.GetNextTasks(spec, tasks)
	if len(next) > 0 {
		for _, taskSpec := range next {
			inCtx := mergeContext(we.Input, we.Context, publishedContext(tasks))
			if _, err := h.task.RunTask(ctx, tx, we, taskSpec, inCtx); err != nil {
				return err
			}
		}
		return nil
	}

	if !allTerminalAndRouted(tasks) {
		return nil
	}

	finalState := model.StateSuccess
	for _, te := range tasks {
		if te.State == model.StateError && !te.ErrorHandled {
			finalState = model.StateError
			break
		}
	}

	we.State = finalState
	we.Output = evalOutput(h.eval, spec, we, tasks)
	we.UpdatedAt = time.Now()
	if err := h.store.PutWorkflowExecution(ctx, tx, we); err != nil {
		return err
	}

	h.propagateToParent(ctx, we)
	return nil
}

// publishedContext folds every terminal task's published output into a
// flat map keyed by task name, for downstream tasks' input expressions.
func publishedContext(tasks []*model.TaskExecution) map[string]any {
	out := make(map[string]any, len(tasks))
	for _, te := range tasks {
		if te.Published != nil {
			out[te.Name] = te.Published
		}
	}
	return out
}

func allTerminalAndRouted(tasks []*model.TaskExecution) bool {
	for _, te := range tasks {
		if !te.State.IsCompleted() || !te.Processed {
			return false
		}
	}
	return true
}

// evalOutput evaluates the workflow spec's output clause against a
// context exposing every task's published result via task(name).result.
func evalOutput(eval expreval.Evaluator, spec *wfspec.WorkflowSpec, we *model.WorkflowExecution, tasks []*model.TaskExecution) map[string]any {
	if len(spec.Output) == 0 {
		return nil
	}
	vars := mergeContext(we.Input, we.Context)
	evalCtx := expreval.NewMapContext(vars)
	for _, te := range tasks {
		evalCtx.WithTask(te.Name, taskResult{published: te.Published, state: string(te.State)})
	}

	out := make(map[string]any, len(spec.Output))
	for k, expr := range spec.Output {
		v, err := eval.Eval(expr, evalCtx)
		if err != nil {
			continue
		}
		out[k] = v
	}
	return out
}

type taskResult struct {
	published map[string]any
	state     string
}

func (t taskResult) Result() any   { return t.published["result"] }
func (t taskResult) State() string { return t.state }

// propagateToParent implements the sub-workflow leg of §4.6's
// checkAndComplete step 5: if we was spawned by a parent task, hand
// completion back to the task handler via the injected hook so it can
// run the parent task's onActionComplete-equivalent routing.
func (h *Handler) propagateToParent(ctx context.Context, we *model.WorkflowExecution) {
	if we.TaskExecutionID == "" || h.OnSubWorkflowComplete == nil {
		return
	}
	h.OnSubWorkflowComplete(ctx, we.TaskExecutionID, we.State == model.StateSuccess, we.Output)
}
