package task

import (
	"context"
	"fmt"
	"time"

	"github.com/Netcracker/qubership-mistral/internal/expreval"
	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

// startWithItems implements §4.5.1: evaluate each ranged expression to a
// list, truncate to the shortest, resolve concurrency, and dispatch the
// first batch of iterations.
func (h *Handler) startWithItems(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec, evalCtx expreval.Context) error {
	lists, err := evalWithItemsLists(h.eval, spec.WithItems, evalCtx)
	if err != nil {
		return h.failTask(ctx, tx, te, err)
	}

	count := shortestLen(lists)
	if count == 0 {
		te.State = model.StateSuccess
		te.Published = map[string]any{"result": []any{}}
		te.Processed = true
		now := time.Now()
		te.FinishedAt = now
		te.UpdatedAt = now
		if err := h.store.PutTaskExecution(ctx, tx, te); err != nil {
			return err
		}
		h.enqueueCheckAndComplete(ctx, te.WorkflowExecutionID)
		return nil
	}

	concurrency, err := resolveConcurrency(h.eval, spec.Concurrency, evalCtx, count)
	if err != nil {
		return h.failTask(ctx, tx, te, err)
	}

	te.RuntimeContext.WithItems = &model.WithItemsState{
		Count:    count,
		Index:    0,
		Capacity: concurrency,
	}
	if err := h.store.PutTaskExecution(ctx, tx, te); err != nil {
		return err
	}

	toDispatch := concurrency
	if toDispatch > count {
		toDispatch = count
	}
	for i := 0; i < toDispatch; i++ {
		if err := h.dispatchIteration(ctx, tx, te, spec, evalCtx, lists, te.RuntimeContext.WithItems.Index, 0); err != nil {
			return err
		}
		te.RuntimeContext.WithItems.Index++
		te.RuntimeContext.WithItems.Capacity--
	}
	return h.store.PutTaskExecution(ctx, tx, te)
}

func (h *Handler) dispatchIteration(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec, evalCtx expreval.Context, lists [][]any, index, retryNo int) error {
	iterCtx := iterationContext(evalCtx, spec.WithItems, lists, index)
	input, err := evalInputs(h.eval, spec.Input, iterCtx)
	if err != nil {
		return h.failTask(ctx, tx, te, err)
	}
	return h.dispatchAction(ctx, tx, te, spec.Action, input, index, retryNo)
}

// onIterationComplete advances the with-items controller: frees the
// completing iteration's slot and, if any iteration remains undispatched,
// starts the next one. Must be called inside a write transaction with te
// already locked by the caller.
func (h *Handler) onIterationComplete(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec) error {
	wi := te.RuntimeContext.WithItems
	if wi == nil {
		return fmt.Errorf("task: onIterationComplete called without with-items state")
	}
	wi.Capacity++
	if wi.Index < wi.Count {
		lists, err := evalWithItemsLists(h.eval, spec.WithItems, expreval.NewMapContext(te.InContext))
		if err != nil {
			return h.failTask(ctx, tx, te, err)
		}
		evalCtx := expreval.NewMapContext(te.InContext)
		if err := h.dispatchIteration(ctx, tx, te, spec, evalCtx, lists, wi.Index, 0); err != nil {
			return err
		}
		wi.Index++
		wi.Capacity--
	}
	return h.store.PutTaskExecution(ctx, tx, te)
}

func evalWithItemsLists(eval expreval.Evaluator, wi *wfspec.WithItemsSpec, ctx expreval.Context) ([][]any, error) {
	lists := make([][]any, len(wi.Exprs))
	for i, expr := range wi.Exprs {
		v, err := eval.Eval(expr, ctx)
		if err != nil {
			return nil, fmt.Errorf("with-items: evaluate %q: %w", expr, err)
		}
		list, ok := toSlice(v)
		if !ok {
			return nil, fmt.Errorf("with-items: expression %q did not evaluate to a list", expr)
		}
		lists[i] = list
	}
	return lists, nil
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	default:
		return nil, false
	}
}

func shortestLen(lists [][]any) int {
	if len(lists) == 0 {
		return 0
	}
	min := len(lists[0])
	for _, l := range lists[1:] {
		if len(l) < min {
			min = len(l)
		}
	}
	return min
}

// resolveConcurrency evaluates spec's concurrency clause: empty means
// unbounded (capped to count), an int literal or expression evaluating to
// an int is used directly; any other type is a task ERROR per §4.5.1.
func resolveConcurrency(eval expreval.Evaluator, expr string, ctx expreval.Context, count int) (int, error) {
	if expr == "" {
		return count, nil
	}
	v, err := eval.Eval(expr, ctx)
	if err != nil {
		return 0, fmt.Errorf("Invalid data type in ConcurrencyPolicy: %w", err)
	}
	switch n := v.(type) {
	case int:
		if n <= 0 {
			return 0, fmt.Errorf("Invalid data type in ConcurrencyPolicy: concurrency must be positive, got %d", n)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("Invalid data type in ConcurrencyPolicy: %T", v)
	}
}

// iterationContext builds the per-iteration evaluation context: the
// outer vars plus each with-items variable bound to its i-th list
// element.
func iterationContext(outer expreval.Context, wi *wfspec.WithItemsSpec, lists [][]any, index int) expreval.Context {
	vars := make(map[string]any, len(outer.Vars())+len(wi.Vars))
	for k, v := range outer.Vars() {
		vars[k] = v
	}
	for i, name := range wi.Vars {
		vars[name] = lists[i][index]
	}
	return expreval.NewMapContext(vars)
}
