package task

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Netcracker/qubership-mistral/internal/dispatch"
	"github.com/Netcracker/qubership-mistral/internal/expreval"
	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

// fakeDispatcher records Run/Interrupt calls instead of talking to a real
// transport; tests inspect Requests to assert what the handler dispatched.
type fakeDispatcher struct {
	mu       sync.Mutex
	Requests []dispatch.ActionRequest
	runErr   error
}

func (f *fakeDispatcher) Run(ctx context.Context, req dispatch.ActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	return f.runErr
}

func (f *fakeDispatcher) Interrupt(ctx context.Context, actionExecutionID string) error {
	return nil
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// fakeScheduler records Schedule calls without actually running them later;
// retry tests only need to assert that a retry was scheduled.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []struct {
		key, funcName string
		delay         time.Duration
	}
}

func (f *fakeScheduler) Schedule(ctx context.Context, tx *store.TxHandle, key, funcName string, args map[string]any, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		key, funcName string
		delay         time.Duration
	}{key, funcName, delay})
	return nil
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestHandler(t *testing.T) (*Handler, *store.Store, *fakeDispatcher, *fakeScheduler) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mistral.db")
	st, err := store.Open(path, otel.GetMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	disp := &fakeDispatcher{}
	sched := &fakeScheduler{}
	h := New(st, disp, sched, expreval.Passthrough{})
	return h, st, disp, sched
}

func newRunningExecution(t *testing.T, st *store.Store) *model.WorkflowExecution {
	t.Helper()
	we := &model.WorkflowExecution{ID: model.NewID(), State: model.StateRunning, Context: map[string]any{}}
	err := st.Transaction(context.Background(), false, func(ctx context.Context, tx *store.TxHandle) error {
		return st.PutWorkflowExecution(ctx, tx, we)
	})
	if err != nil {
		t.Fatalf("seed workflow execution: %v", err)
	}
	return we
}

func actionTaskSpec(name string) *wfspec.TaskSpec {
	return &wfspec.TaskSpec{
		Name:      name,
		Kind:      wfspec.TaskKindAction,
		Action:    "std.noop",
		OnSuccess: []string{"next"},
	}
}

func TestRunTaskIsIdempotentByUniqueKey(t *testing.T) {
	h, st, disp, _ := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := actionTaskSpec("t1")

	var first, second *model.TaskExecution
	err := st.Transaction(context.Background(), false, func(ctx context.Context, tx *store.TxHandle) error {
		var err error
		first, err = h.RunTask(ctx, tx, we, spec, map[string]any{})
		return err
	})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	err = st.Transaction(context.Background(), false, func(ctx context.Context, tx *store.TxHandle) error {
		var err error
		second, err = h.RunTask(ctx, tx, we, spec, map[string]any{})
		return err
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected RunTask to be idempotent, got distinct ids %q and %q", first.ID, second.ID)
	}
	if disp.calls() != 1 {
		t.Fatalf("expected exactly one dispatch for a duplicate RunTask, got %d", disp.calls())
	}
}

func TestRunTaskDispatchesSingleAction(t *testing.T) {
	h, st, disp, _ := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := actionTaskSpec("t1")

	err := st.Transaction(context.Background(), false, func(ctx context.Context, tx *store.TxHandle) error {
		_, err := h.RunTask(ctx, tx, we, spec, map[string]any{})
		return err
	})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if disp.calls() != 1 {
		t.Fatalf("expected one dispatched action request, got %d", disp.calls())
	}
	if disp.Requests[0].ActionName != "std.noop" {
		t.Fatalf("got action name %q", disp.Requests[0].ActionName)
	}
}

func TestStartWithItemsZeroCountSucceedsImmediately(t *testing.T) {
	h, st, disp, _ := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := &wfspec.TaskSpec{
		Name:   "fanout",
		Kind:   wfspec.TaskKindAction,
		Action: "std.noop",
		WithItems: &wfspec.WithItemsSpec{
			Vars:  []string{"x"},
			Exprs: []string{"<% $.items %>"},
		},
	}

	var te *model.TaskExecution
	err := st.Transaction(context.Background(), false, func(ctx context.Context, tx *store.TxHandle) error {
		var err error
		te, err = h.RunTask(ctx, tx, we, spec, map[string]any{"items": []any{}})
		return err
	})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if te.State != model.StateSuccess {
		t.Fatalf("expected immediate success for an empty with-items list, got %v", te.State)
	}
	if !te.Processed {
		t.Fatalf("expected task to be marked processed")
	}
	if disp.calls() != 0 {
		t.Fatalf("expected no dispatched actions for an empty with-items list, got %d", disp.calls())
	}
}

func TestStartWithItemsBoundsConcurrency(t *testing.T) {
	h, st, disp, _ := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := &wfspec.TaskSpec{
		Name:        "fanout",
		Kind:        wfspec.TaskKindAction,
		Action:      "std.noop",
		Concurrency: "2",
		WithItems: &wfspec.WithItemsSpec{
			Vars:  []string{"x"},
			Exprs: []string{"<% $.items %>"},
		},
	}

	var te *model.TaskExecution
	err := st.Transaction(context.Background(), false, func(ctx context.Context, tx *store.TxHandle) error {
		var err error
		te, err = h.RunTask(ctx, tx, we, spec, map[string]any{"items": []any{"a", "b", "c", "d"}})
		return err
	})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if disp.calls() != 2 {
		t.Fatalf("expected concurrency to cap the initial dispatch batch at 2, got %d", disp.calls())
	}
	if te.RuntimeContext.WithItems == nil || te.RuntimeContext.WithItems.Count != 4 {
		t.Fatalf("expected with-items state to track count=4, got %+v", te.RuntimeContext.WithItems)
	}
	if te.RuntimeContext.WithItems.Capacity != 0 {
		t.Fatalf("expected all capacity consumed by the initial batch, got capacity=%d", te.RuntimeContext.WithItems.Capacity)
	}
}

func TestResolveConcurrencyRejectsNonIntExpression(t *testing.T) {
	_, err := resolveConcurrency(expreval.Passthrough{}, "not-a-number", expreval.NewMapContext(nil), 3)
	if err == nil {
		t.Fatalf("expected an error for a non-numeric concurrency expression")
	}
	if !strings.Contains(err.Error(), "Invalid data type in ConcurrencyPolicy") {
		t.Fatalf("expected the spec's exact error prefix, got %q", err.Error())
	}
}

func TestResolveConcurrencyRejectsNonPositiveInt(t *testing.T) {
	_, err := resolveConcurrency(expreval.Passthrough{}, "0", expreval.NewMapContext(nil), 3)
	if err == nil {
		t.Fatalf("expected an error for a non-positive concurrency literal")
	}
	if !strings.Contains(err.Error(), "Invalid data type in ConcurrencyPolicy") {
		t.Fatalf("got %q", err.Error())
	}
}

func TestResolveConcurrencyEmptyDefaultsToCount(t *testing.T) {
	n, err := resolveConcurrency(expreval.Passthrough{}, "", expreval.NewMapContext(nil), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected unbounded concurrency to default to count=5, got %d", n)
	}
}

func seedRunningTask(t *testing.T, h *Handler, st *store.Store, we *model.WorkflowExecution, spec *wfspec.TaskSpec) *model.TaskExecution {
	t.Helper()
	var te *model.TaskExecution
	err := st.Transaction(context.Background(), false, func(ctx context.Context, tx *store.TxHandle) error {
		var err error
		te, err = h.RunTask(ctx, tx, we, spec, map[string]any{})
		return err
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return te
}

func TestOnActionCompleteFinishesSimpleTaskOnSuccess(t *testing.T) {
	h, st, disp, _ := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := actionTaskSpec("t1")
	te := seedRunningTask(t, h, st, we, spec)
	lookup := func(workflowExecutionID, taskName string) (*wfspec.TaskSpec, error) { return spec, nil }

	var completedFor string
	h.CheckAndComplete = func(ctx context.Context, workflowExecutionID string) { completedFor = workflowExecutionID }

	actionID := disp.Requests[0].ActionExecutionID
	err := h.OnActionComplete(context.Background(), lookup, dispatch.ActionResult{
		ActionExecutionID: actionID,
		Code:              dispatch.ActionResultNormal,
		Success:           true,
		Output:            map[string]any{"ok": true},
	})
	if err != nil {
		t.Fatalf("on action complete: %v", err)
	}

	err = st.Transaction(context.Background(), true, func(ctx context.Context, tx *store.TxHandle) error {
		got, found, err := st.GetTaskExecution(ctx, tx, te.ID)
		if err != nil || !found {
			t.Fatalf("reload task: found=%v err=%v", found, err)
		}
		if got.State != model.StateSuccess {
			t.Fatalf("expected task to finish SUCCESS, got %v", got.State)
		}
		if !got.Processed {
			t.Fatalf("expected task to be marked processed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if completedFor != we.ID {
		t.Fatalf("expected CheckAndComplete to fire for workflow %q, got %q", we.ID, completedFor)
	}
}

func TestOnActionCompleteSchedulesRetryOnError(t *testing.T) {
	h, st, disp, sched := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := actionTaskSpec("t1")
	spec.Retry = &wfspec.RetrySpec{Count: 3, DelaySec: 1}
	te := seedRunningTask(t, h, st, we, spec)
	lookup := func(workflowExecutionID, taskName string) (*wfspec.TaskSpec, error) { return spec, nil }

	finished := false
	h.CheckAndComplete = func(ctx context.Context, workflowExecutionID string) { finished = true }

	actionID := disp.Requests[0].ActionExecutionID
	err := h.OnActionComplete(context.Background(), lookup, dispatch.ActionResult{
		ActionExecutionID: actionID,
		Code:              dispatch.ActionResultNormal,
		Success:           false,
		Error:             "boom",
	})
	if err != nil {
		t.Fatalf("on action complete: %v", err)
	}
	if sched.count() != 1 {
		t.Fatalf("expected a retry to be scheduled, got %d scheduler calls", sched.count())
	}
	if finished {
		t.Fatalf("expected task completion to be deferred while a retry is pending")
	}

	err = st.Transaction(context.Background(), true, func(ctx context.Context, tx *store.TxHandle) error {
		got, found, err := st.GetTaskExecution(ctx, tx, te.ID)
		if err != nil || !found {
			t.Fatalf("reload task: found=%v err=%v", found, err)
		}
		if got.State != model.StateRunning {
			t.Fatalf("expected task to remain RUNNING while retrying, got %v", got.State)
		}
		actions, err := st.ListActionExecutionsByTask(ctx, tx, te.ID)
		if err != nil {
			t.Fatalf("list actions: %v", err)
		}
		if len(actions) != 1 || actions[0].RetryNo != 0 {
			t.Fatalf("expected the failed attempt's own RetryNo to stay 0, got %+v", actions)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestOnActionCompleteGrantsEachWithItemsIterationItsOwnRetryBudget covers
// the scenario traced against the original engine's test_with_items_retry_policy:
// two iterations of a with-items task fail close together (their
// OnActionComplete calls are serialized by task-row locking, as they
// would be in production). With retry.count=1, each iteration gets its
// own retry, not a budget shared across iterations.
func TestOnActionCompleteGrantsEachWithItemsIterationItsOwnRetryBudget(t *testing.T) {
	h, st, disp, sched := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := actionTaskSpec("t1")
	spec.Retry = &wfspec.RetrySpec{Count: 1, DelaySec: 1}
	spec.WithItems = &wfspec.WithItemsSpec{Vars: []string{"x"}, Exprs: []string{"<% $.xs %>"}}
	spec.Concurrency = "2"
	lookup := func(workflowExecutionID, taskName string) (*wfspec.TaskSpec, error) { return spec, nil }

	var te *model.TaskExecution
	err := st.Transaction(context.Background(), false, func(ctx context.Context, tx *store.TxHandle) error {
		var err error
		te, err = h.RunTask(ctx, tx, we, spec, map[string]any{"xs": []any{"a", "b"}})
		return err
	})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if len(disp.Requests) != 2 {
		t.Fatalf("expected both iterations dispatched at once under concurrency=2, got %d", len(disp.Requests))
	}

	// Both iterations fail in sequence, as OnActionComplete calls would be
	// serialized through task-row locking in production.
	for _, req := range disp.Requests {
		err := h.OnActionComplete(context.Background(), lookup, dispatch.ActionResult{
			ActionExecutionID: req.ActionExecutionID,
			Code:              dispatch.ActionResultNormal,
			Success:           false,
			Error:             "boom",
		})
		if err != nil {
			t.Fatalf("on action complete: %v", err)
		}
	}

	if sched.count() != 2 {
		t.Fatalf("expected both failing iterations to be granted their own retry, got %d scheduler calls", sched.count())
	}
}

func TestOnActionCompleteRoutesToOnErrorAfterRetriesExhausted(t *testing.T) {
	h, st, disp, _ := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := actionTaskSpec("t1")
	spec.OnError = []string{"recover"}
	spec.Retry = &wfspec.RetrySpec{Count: 0}
	te := seedRunningTask(t, h, st, we, spec)
	lookup := func(workflowExecutionID, taskName string) (*wfspec.TaskSpec, error) { return spec, nil }
	h.CheckAndComplete = func(ctx context.Context, workflowExecutionID string) {}

	actionID := disp.Requests[0].ActionExecutionID
	err := h.OnActionComplete(context.Background(), lookup, dispatch.ActionResult{
		ActionExecutionID: actionID,
		Code:              dispatch.ActionResultNormal,
		Success:           false,
		Error:             "boom",
	})
	if err != nil {
		t.Fatalf("on action complete: %v", err)
	}

	err = st.Transaction(context.Background(), true, func(ctx context.Context, tx *store.TxHandle) error {
		got, found, err := st.GetTaskExecution(ctx, tx, te.ID)
		if err != nil || !found {
			t.Fatalf("reload task: found=%v err=%v", found, err)
		}
		if got.State != model.StateError {
			t.Fatalf("expected task to finish ERROR once retries are exhausted, got %v", got.State)
		}
		if !got.ErrorHandled {
			t.Fatalf("expected ErrorHandled to be set given an on-error clause")
		}
		want := []string{"recover"}
		if len(got.NextTasks) != len(want) || got.NextTasks[0] != want[0] {
			t.Fatalf("expected routed next tasks %v, got %v", want, got.NextTasks)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestOnActionCompleteAdvancesWithItemsIteration(t *testing.T) {
	h, st, disp, _ := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := &wfspec.TaskSpec{
		Name:        "fanout",
		Kind:        wfspec.TaskKindAction,
		Action:      "std.noop",
		Concurrency: "1",
		WithItems: &wfspec.WithItemsSpec{
			Vars:  []string{"x"},
			Exprs: []string{"<% $.items %>"},
		},
	}
	var te *model.TaskExecution
	err := st.Transaction(context.Background(), false, func(ctx context.Context, tx *store.TxHandle) error {
		var err error
		te, err = h.RunTask(ctx, tx, we, spec, map[string]any{"items": []any{"a", "b"}})
		return err
	})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if disp.calls() != 1 {
		t.Fatalf("expected concurrency=1 to dispatch only the first iteration, got %d", disp.calls())
	}
	lookup := func(workflowExecutionID, taskName string) (*wfspec.TaskSpec, error) { return spec, nil }
	finished := false
	h.CheckAndComplete = func(ctx context.Context, workflowExecutionID string) { finished = true }

	firstActionID := disp.Requests[0].ActionExecutionID
	err = h.OnActionComplete(context.Background(), lookup, dispatch.ActionResult{
		ActionExecutionID: firstActionID,
		Code:              dispatch.ActionResultNormal,
		Success:           true,
		Output:            map[string]any{"v": "a"},
	})
	if err != nil {
		t.Fatalf("on action complete (iteration 0): %v", err)
	}
	if disp.calls() != 2 {
		t.Fatalf("expected the second iteration to dispatch once the first frees capacity, got %d", disp.calls())
	}
	if finished {
		t.Fatalf("expected the task to still be in flight after only one of two iterations finished")
	}

	secondActionID := disp.Requests[1].ActionExecutionID
	err = h.OnActionComplete(context.Background(), lookup, dispatch.ActionResult{
		ActionExecutionID: secondActionID,
		Code:              dispatch.ActionResultNormal,
		Success:           true,
		Output:            map[string]any{"v": "b"},
	})
	if err != nil {
		t.Fatalf("on action complete (iteration 1): %v", err)
	}

	err = st.Transaction(context.Background(), true, func(ctx context.Context, tx *store.TxHandle) error {
		got, found, err := st.GetTaskExecution(ctx, tx, te.ID)
		if err != nil || !found {
			t.Fatalf("reload task: found=%v err=%v", found, err)
		}
		if got.State != model.StateSuccess {
			t.Fatalf("expected with-items task to finish SUCCESS once all iterations complete, got %v", got.State)
		}
		results, ok := got.Published["result"].([]any)
		if !ok || len(results) != 2 {
			t.Fatalf("expected 2 aggregated results in published output, got %+v", got.Published["result"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestCompleteSubWorkflowTaskFinishesWorkflowTypeTask(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	we := newRunningExecution(t, st)
	spec := &wfspec.TaskSpec{Name: "sub", Kind: wfspec.TaskKindWorkflow, Workflow: "child", OnSuccess: []string{"next"}}
	h.StartSubWorkflow = func(ctx context.Context, tx *store.TxHandle, parentTaskExecutionID, workflowName string, input map[string]any) (string, error) {
		return model.NewID(), nil
	}

	te := seedRunningTask(t, h, st, we, spec)
	lookup := func(workflowExecutionID, taskName string) (*wfspec.TaskSpec, error) { return spec, nil }

	completed := false
	h.CheckAndComplete = func(ctx context.Context, workflowExecutionID string) { completed = true }

	err := h.CompleteSubWorkflowTask(context.Background(), lookup, te.ID, true, map[string]any{"answer": 42})
	if err != nil {
		t.Fatalf("complete sub-workflow task: %v", err)
	}
	if !completed {
		t.Fatalf("expected CheckAndComplete to fire after the sub-workflow completed")
	}

	err = st.Transaction(context.Background(), true, func(ctx context.Context, tx *store.TxHandle) error {
		got, found, err := st.GetTaskExecution(ctx, tx, te.ID)
		if err != nil || !found {
			t.Fatalf("reload task: found=%v err=%v", found, err)
		}
		if got.State != model.StateSuccess {
			t.Fatalf("expected sub-workflow task to finish SUCCESS, got %v", got.State)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}
