package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Netcracker/qubership-mistral/internal/dispatch"
	"github.com/Netcracker/qubership-mistral/internal/expreval"
	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

// SpecLookup resolves a TaskExecution back to the wfspec.TaskSpec that
// spawned it. Injected so this package never imports a workflow-spec
// registry directly.
type SpecLookup func(workflowExecutionID, taskName string) (*wfspec.TaskSpec, error)

// OnActionComplete implements spec.md §4.4's onActionComplete: it locks
// the action execution and its parent task, records the result, and
// either stops there (a timed-out synchronous, non-with-items action) or
// routes to with-items/retry/completion logic. Opens its own transaction.
func (h *Handler) OnActionComplete(ctx context.Context, lookup SpecLookup, result dispatch.ActionResult) error {
	return h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		h.store.AcquireLock(ctx, "action_execution", result.ActionExecutionID)

		ae, found, err := h.store.GetActionExecution(ctx, tx, result.ActionExecutionID)
		if err != nil {
			return err
		}
		if !found {
			slog.Warn("task: onActionComplete for unknown action execution", "action_execution_id", result.ActionExecutionID)
			return nil
		}

		te, found, err := h.store.GetTaskExecution(ctx, tx, ae.TaskExecutionID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("task: action execution %s has no parent task execution", ae.ID)
		}
		h.store.AcquireLock(ctx, "task_execution", te.ID)

		spec, err := lookup(te.WorkflowExecutionID, te.Name)
		if err != nil {
			return fmt.Errorf("task: resolve spec for %s: %w", te.Name, err)
		}

		now := time.Now()
		ae.State = model.StateSuccess
		if !result.Success {
			ae.State = model.StateError
			ae.StateInfo = result.Error
		}
		ae.Output = result.Output
		ae.Accepted = true
		ae.FinishedAt = now
		ae.UpdatedAt = now
		if err := h.store.PutActionExecution(ctx, tx, ae); err != nil {
			return err
		}

		// §4.4 step 3: a timed-out synchronous, non-with-items action does
		// not schedule task completion here. No other handler in this
		// package completes the task; it stays RUNNING until the Integrity
		// Monitor re-injects the completion of its terminal action.
		if result.Code == dispatch.ActionResultTimedOut && ae.IsSync && te.RuntimeContext.WithItems == nil {
			return nil
		}

		return h.routeActionOutcome(ctx, tx, te, spec, ae)
	})
}

// routeActionOutcome dispatches to the retry evaluator, the with-items
// controller, or final completion routing, depending on the action's
// outcome and the task's shape.
func (h *Handler) routeActionOutcome(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec, ae *model.ActionExecution) error {
	if ae.State == model.StateError && spec.Retry != nil {
		retried, err := h.maybeRetry(ctx, tx, te, spec, ae)
		if err != nil {
			return err
		}
		if retried {
			return nil
		}
	}

	if te.RuntimeContext.WithItems != nil {
		wi := te.RuntimeContext.WithItems
		if ae.State == model.StateError && !hasMoreCapacityOrPending(wi) {
			// No retry left, no on-error clause to evaluate here (on-error
			// routes at the task level, not per-iteration) and no iteration
			// left to dispatch — let in-flight siblings finish. An errored
			// iteration does not stop dispatch: while undispatched
			// iterations remain, the else branch below still dispatches the
			// next one, and the task finishes in ERROR once all are terminal.
		} else if err := h.onIterationComplete(ctx, tx, te, spec); err != nil {
			return err
		}
		done, err := h.allIterationsTerminal(ctx, tx, te)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
	}

	return h.finishTask(ctx, tx, te, spec)
}

func hasMoreCapacityOrPending(wi *model.WithItemsState) bool {
	return wi.Index < wi.Count
}

func (h *Handler) allIterationsTerminal(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution) (bool, error) {
	actions, err := h.store.ListActionExecutionsByTask(ctx, tx, te.ID)
	if err != nil {
		return false, err
	}
	byIteration := latestPerIteration(actions)
	if len(byIteration) < te.RuntimeContext.WithItems.Count {
		return false, nil
	}
	for _, ae := range byIteration {
		if !ae.State.IsCompleted() {
			return false, nil
		}
	}
	return true, nil
}

// latestPerIteration keeps, for each IterationIndex, the most recently
// created ActionExecution — the row a retry replaces the accounting for,
// per the accepted-count decision recorded in DESIGN.md.
func latestPerIteration(actions []*model.ActionExecution) map[int]*model.ActionExecution {
	out := make(map[int]*model.ActionExecution)
	for _, ae := range actions {
		cur, ok := out[ae.IterationIndex]
		if !ok || ae.CreatedAt.After(cur.CreatedAt) {
			out[ae.IterationIndex] = ae
		}
	}
	return out
}

// maybeRetry implements §4.5.2. The retry budget is tracked per iteration
// on the completing ActionExecution's own RetryNo, not on a task-level
// counter: a task-level counter would be read-modify-written by every
// iteration's OnActionComplete call, so two iterations failing close
// together would serialize through task-row locking and the second to
// fail would see the first's increment and be wrongly denied a retry it
// is still entitled to. Returns true if a retry was scheduled (the caller
// must not route to completion yet).
func (h *Handler) maybeRetry(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec, ae *model.ActionExecution) (bool, error) {
	retryNo := ae.RetryNo
	if retryNo >= spec.Retry.Count {
		return false, nil
	}

	evalCtx := expreval.NewMapContext(te.InContext)
	if spec.Retry.BreakOn != "" {
		v, err := h.eval.Eval(spec.Retry.BreakOn, evalCtx)
		if err == nil {
			if brk, ok := v.(bool); ok && brk {
				return false, nil
			}
		}
	}
	if spec.Retry.ContinueOn != "" {
		v, err := h.eval.Eval(spec.Retry.ContinueOn, evalCtx)
		if err == nil {
			if cont, ok := v.(bool); ok && !cont {
				return false, nil
			}
		}
	}

	// OnActionComplete set accepted=true on the failed ActionExecution;
	// flip it back to false so the retried attempt is not counted. The
	// replacement row is created later by RetryIteration.
	ae.Accepted = false
	if err := h.store.PutActionExecution(ctx, tx, ae); err != nil {
		return false, err
	}

	delay := time.Duration(spec.Retry.DelaySec * float64(time.Second))
	key := fmt.Sprintf("retry-%s-%d", te.ID, ae.IterationIndex)
	args := map[string]any{
		"task_execution_id": te.ID,
		"iteration_index":   ae.IterationIndex,
		"retry_no":          retryNo + 1,
	}
	return true, h.sched.Schedule(ctx, tx, key, funcRetryTask, args, delay)
}

// RetryIteration is the Scheduler-dispatched handler for funcRetryTask: it
// re-dispatches the given task's iteration as a fresh ActionExecution,
// carrying forward the retry count this iteration has already spent.
func (h *Handler) RetryIteration(ctx context.Context, lookup SpecLookup, taskExecutionID string, iterationIndex, retryNo int) error {
	return h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		h.store.AcquireLock(ctx, "task_execution", taskExecutionID)
		te, found, err := h.store.GetTaskExecution(ctx, tx, taskExecutionID)
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
		evalCtx := expreval.NewMapContext(te.InContext)
		if spec.WithItems == nil {
			return h.startSingleAction(ctx, tx, te, spec, evalCtx, 0, retryNo)
		}
		lists, err := evalWithItemsLists(h.eval, spec.WithItems, evalCtx)
		if err != nil {
			return h.failTask(ctx, tx, te, err)
		}
		return h.dispatchIteration(ctx, tx, te, spec, evalCtx, lists, iterationIndex, retryNo)
	})
}

// finishTask implements §4.5.3: evaluate publish clauses, compute next
// tasks is the Controller's job (left to the workflow handler), so here
// the task handler only records published output, aggregates with-items
// results in iteration-creation order, marks processed, and hands off via
// CheckAndComplete.
func (h *Handler) finishTask(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec) error {
	evalCtx := expreval.NewMapContext(te.InContext)

	finalState := model.StateSuccess
	anyError := false
	if te.RuntimeContext.WithItems != nil {
		actions, err := h.store.ListActionExecutionsByTask(ctx, tx, te.ID)
		if err != nil {
			return err
		}
		byIteration := latestPerIteration(actions)
		ordered := make([]*model.ActionExecution, te.RuntimeContext.WithItems.Count)
		for idx, ae := range byIteration {
			if idx < len(ordered) {
				ordered[idx] = ae
			}
		}
		results := make([]any, 0, len(ordered))
		for _, ae := range ordered {
			if ae == nil {
				continue
			}
			if ae.State == model.StateError {
				anyError = true
			}
			results = append(results, ae.Output)
		}
		evalCtx.WithTask(te.Name, taskResultView{result: results})
		te.Published = map[string]any{"result": results}
	} else {
		actions, err := h.store.ListActionExecutionsByTask(ctx, tx, te.ID)
		if err != nil {
			return err
		}
		var latest *model.ActionExecution
		for _, ae := range actions {
			if latest == nil || ae.CreatedAt.After(latest.CreatedAt) {
				latest = ae
			}
		}
		if latest != nil {
			if latest.State == model.StateError {
				anyError = true
			}
			evalCtx.WithTask(te.Name, taskResultView{result: latest.Output})
			te.Published = evalPublish(h.eval, spec, evalCtx, latest)
		}
	}

	if anyError {
		finalState = model.StateError
		if len(spec.OnError) > 0 {
			te.ErrorHandled = true
		}
	}

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
}

func evalPublish(eval expreval.Evaluator, spec *wfspec.TaskSpec, ctx expreval.Context, latest *model.ActionExecution) map[string]any {
	clauses := spec.Publish
	if latest.State == model.StateError {
		clauses = spec.PublishOnError
	}
	out := make(map[string]any, len(clauses))
	for k, expr := range clauses {
		v, err := eval.Eval(expr, ctx)
		if err != nil {
			continue
		}
		out[k] = v
	}
	return out
}

func routedNames(spec *wfspec.TaskSpec, state model.State) []string {
	switch state {
	case model.StateSuccess:
		return append(append([]string{}, spec.OnSuccess...), spec.OnComplete...)
	default:
		return append(append([]string{}, spec.OnError...), spec.OnComplete...)
	}
}

// taskResultView adapts a plain value to expreval.TaskResult.
type taskResultView struct {
	result any
}

func (t taskResultView) Result() any   { return t.result }
func (t taskResultView) State() string { return "" }
