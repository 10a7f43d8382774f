// Package task implements the Task Handler (spec.md §4.5): task spawning,
// the with-items concurrency controller, the retry policy evaluator, and
// completion routing. It never imports the workflow package (that would
// cycle, per the §9 design note); workflow-level completion is reached
// through the CheckAndComplete hook the engine facade injects.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Netcracker/qubership-mistral/internal/dispatch"
	"github.com/Netcracker/qubership-mistral/internal/expreval"
	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

// funcRetryTask is the Scheduler job name dispatched to RetryIteration.
const funcRetryTask = "retryTask"

// Dispatcher is the narrow slice of dispatch.Executor the task handler
// needs to start and interrupt action executions.
type Dispatcher interface {
	Run(ctx context.Context, req dispatch.ActionRequest) error
	Interrupt(ctx context.Context, actionExecutionID string) error
}

// JobScheduler is the narrow slice of scheduler.Scheduler the task
// handler needs: scheduling a delayed retry.
type JobScheduler interface {
	Schedule(ctx context.Context, tx *store.TxHandle, key, funcName string, args map[string]any, delay time.Duration) error
}

// Handler implements the task state machine.
type Handler struct {
	store *store.Store
	disp  Dispatcher
	sched JobScheduler
	eval  expreval.Evaluator

	// CheckAndComplete is invoked (outside any transaction, via the
	// post-commit queue) after this task finishes processing, per
	// spec.md §4.5.3. Injected by the engine facade after construction to
	// break the workflow<->task import cycle (§9 design note).
	CheckAndComplete func(ctx context.Context, workflowExecutionID string)

	// StartSubWorkflow starts a sub-workflow execution for a
	// WORKFLOW-kind task. Injected by the engine facade for the same
	// reason as CheckAndComplete.
	StartSubWorkflow SubWorkflowStarter

	tracer trace.Tracer
}

// New builds a task Handler.
func New(st *store.Store, disp Dispatcher, sched JobScheduler, eval expreval.Evaluator) *Handler {
	return &Handler{store: st, disp: disp, sched: sched, eval: eval, tracer: otel.Tracer("mistral-task")}
}

// RunTask spawns taskSpec within workflow execution we, idempotently.
// Must be called inside a write transaction.
func (h *Handler) RunTask(ctx context.Context, tx *store.TxHandle, we *model.WorkflowExecution, spec *wfspec.TaskSpec, inContext map[string]any) (*model.TaskExecution, error) {
	ctx, span := h.tracer.Start(ctx, "task.run",
		trace.WithAttributes(attribute.String("task_name", spec.Name)))
	defer span.End()

	h.store.AcquireLock(ctx, "workflow_execution", we.ID)

	uniqueKey := we.ID + "\x00" + spec.Name
	now := time.Now()
	candidate := &model.TaskExecution{
		ID:                  model.NewID(),
		WorkflowExecutionID: we.ID,
		Name:                spec.Name,
		State:               model.StateRunning,
		Type:                taskType(spec),
		InContext:           inContext,
		UniqueKey:           uniqueKey,
		StartedAt:           now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	existing, inserted, err := h.store.InsertTaskExecutionUnique(ctx, tx, candidate)
	if err != nil {
		return nil, fmt.Errorf("task: insert unique: %w", err)
	}
	if !inserted {
		return existing, nil
	}

	if err := h.dispatchFresh(ctx, tx, candidate, spec, inContext); err != nil {
		return nil, err
	}
	return candidate, nil
}

// RedriveTask re-dispatches an already-existing TaskExecution that a
// rerunWorkflow(reset=true) call has reset to IDLE. Unlike RunTask, it
// does not touch InsertTaskExecutionUnique: te's UniqueKey row already
// points at this same TaskExecution, so inserting again would just
// return the (stale IDLE) existing record instead of redispatching it.
// The caller (workflow.Handler) is responsible for having already reset
// te's state, RuntimeContext, and InContext, and for locking the task row.
func (h *Handler) RedriveTask(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec) error {
	te.State = model.StateRunning
	te.StartedAt = time.Now()
	te.UpdatedAt = te.StartedAt
	if err := h.store.PutTaskExecution(ctx, tx, te); err != nil {
		return err
	}
	return h.dispatchFresh(ctx, tx, te, spec, te.InContext)
}

// dispatchFresh starts te's first round of action dispatch: the
// with-items controller for a with-items task, or a single action
// otherwise. te must already be persisted as RUNNING.
func (h *Handler) dispatchFresh(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec, inContext map[string]any) error {
	evalCtx := expreval.NewMapContext(inContext)
	if spec.WithItems != nil {
		return h.startWithItems(ctx, tx, te, spec, evalCtx)
	}
	return h.startSingleAction(ctx, tx, te, spec, evalCtx, 0, 0)
}

func taskType(spec *wfspec.TaskSpec) model.TaskType {
	if spec.Kind == wfspec.TaskKindWorkflow {
		return model.TaskTypeWorkflow
	}
	return model.TaskTypeAction
}

func (h *Handler) startSingleAction(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec, evalCtx expreval.Context, iterationIndex, retryNo int) error {
	input, err := evalInputs(h.eval, spec.Input, evalCtx)
	if err != nil {
		return h.failTask(ctx, tx, te, err)
	}
	if spec.Kind == wfspec.TaskKindWorkflow {
		return h.startSubWorkflow(ctx, tx, te, spec, input)
	}
	return h.dispatchAction(ctx, tx, te, spec.Action, input, iterationIndex, retryNo)
}

func (h *Handler) dispatchAction(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, actionName string, input map[string]any, iterationIndex, retryNo int) error {
	now := time.Now()
	ae := &model.ActionExecution{
		ID:              model.NewID(),
		TaskExecutionID: te.ID,
		Name:            actionName,
		State:           model.StateRunning,
		Input:           input,
		IterationIndex:  iterationIndex,
		RetryNo:         retryNo,
		LastHeartbeat:   now,
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.store.PutActionExecution(ctx, tx, ae); err != nil {
		return err
	}
	store.QueueFrom(ctx).Enqueue(func(ctx context.Context) {
		if err := h.disp.Run(ctx, dispatch.ActionRequest{
			ActionExecutionID: ae.ID,
			TaskExecutionID:   te.ID,
			ActionName:        ae.Name,
			Input:             ae.Input,
		}); err != nil {
			slog.Error("task: dispatch run failed", "action_execution_id", ae.ID, "error", err)
		}
	})
	return nil
}

func evalInputs(eval expreval.Evaluator, exprs map[string]string, ctx expreval.Context) (map[string]any, error) {
	out := make(map[string]any, len(exprs))
	for k, expr := range exprs {
		v, err := eval.Eval(expr, ctx)
		if err != nil {
			return nil, fmt.Errorf("task: evaluate input %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (h *Handler) failTask(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, cause error) error {
	te.State = model.StateError
	te.StateInfo = cause.Error()
	now := time.Now()
	te.FinishedAt = now
	te.UpdatedAt = now
	te.Processed = true
	if err := h.store.PutTaskExecution(ctx, tx, te); err != nil {
		return err
	}
	h.enqueueCheckAndComplete(ctx, te.WorkflowExecutionID)
	return nil
}

func (h *Handler) enqueueCheckAndComplete(ctx context.Context, workflowExecutionID string) {
	store.QueueFrom(ctx).Enqueue(func(ctx context.Context) {
		if h.CheckAndComplete == nil {
			slog.Warn("task: CheckAndComplete hook not wired, dropping", "workflow_execution_id", workflowExecutionID)
			return
		}
		h.CheckAndComplete(ctx, workflowExecutionID)
	})
}
