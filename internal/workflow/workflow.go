// Package workflow implements the Workflow Handler (spec.md §4.6):
// starting, planning, pausing, resuming, stopping, cancelling, rerunning
// and completion-checking a workflow execution, including sub-workflow
// recursion.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Netcracker/qubership-mistral/internal/controller"
	"github.com/Netcracker/qubership-mistral/internal/expreval"
	"github.com/Netcracker/qubership-mistral/internal/integrity"
	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

// TaskRunner is the narrow slice of task.Handler the workflow handler
// needs: spawning a task and interrupting its running actions.
type TaskRunner interface {
	RunTask(ctx context.Context, tx *store.TxHandle, we *model.WorkflowExecution, spec *wfspec.TaskSpec, inContext map[string]any) (*model.TaskExecution, error)
	InterruptTask(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution) error
	RedriveTask(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution, spec *wfspec.TaskSpec) error
}

// JobScheduler is the narrow slice of scheduler.Scheduler the workflow
// handler needs: scheduling the first integrity check and the planned
// start.
type JobScheduler interface {
	Schedule(ctx context.Context, tx *store.TxHandle, key, funcName string, args map[string]any, delay time.Duration) error
}

const (
	funcStartWorkflow       = "startWorkflow"
	funcIntegrityCheckBase  = "wfh_c_a_f_i-"
	firstIntegrityCheckWait = 10 * time.Second
)

// Handler implements the workflow state machine.
type Handler struct {
	store *store.Store
	task  TaskRunner
	sched JobScheduler
	eval  expreval.Evaluator

	// OnSubWorkflowComplete is invoked when a sub-workflow execution
	// reaches a terminal state, so the parent task's action-completion
	// path can be re-entered. Injected by the engine facade to avoid the
	// workflow handler depending on task.Handler's dispatch internals.
	OnSubWorkflowComplete func(ctx context.Context, parentTaskExecutionID string, success bool, output map[string]any)

	tracer trace.Tracer
}

// New builds a workflow Handler.
func New(st *store.Store, task TaskRunner, sched JobScheduler, eval expreval.Evaluator) *Handler {
	return &Handler{store: st, task: task, sched: sched, eval: eval, tracer: otel.Tracer("mistral-workflow")}
}

// StartWorkflow implements §4.6's startWorkflow: load the definition,
// create the execution, ask the Controller for initial tasks, dispatch
// them, and schedule the first integrity check.
func (h *Handler) StartWorkflow(ctx context.Context, definitionID string, input, params map[string]any) (*model.WorkflowExecution, error) {
	ctx, span := h.tracer.Start(ctx, "workflow.start", trace.WithAttributes(attribute.String("definition_id", definitionID)))
	defer span.End()

	var we *model.WorkflowExecution
	err := h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		def, found, err := h.store.GetWorkflowDefinition(ctx, tx, definitionID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("workflow: definition %s not found", definitionID)
		}

		now := time.Now()
		we = &model.WorkflowExecution{
			ID:           model.NewID(),
			DefinitionID: definitionID,
			State:        model.StateIdle,
			Input:        input,
			Params:       params,
			Context:      map[string]any{},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := h.store.PutWorkflowExecution(ctx, tx, we); err != nil {
			return err
		}
		return h.enterRunning(ctx, tx, we, def)
	})
	return we, err
}

func (h *Handler) enterRunning(ctx context.Context, tx *store.TxHandle, we *model.WorkflowExecution, def *model.WorkflowDefinition) error {
	h.store.AcquireLock(ctx, "workflow_execution", we.ID)

	we.State = model.StateRunning
	we.UpdatedAt = time.Now()
	if err := h.store.PutWorkflowExecution(ctx, tx, we); err != nil {
		return err
	}

	spec, err := wfspec.Unmarshal(def.Spec)
	if err != nil {
		return fmt.Errorf("workflow: unmarshal spec: %w", err)
	}
	ctrl := controller.New(spec)
	next := ctrl.GetNextTasks(spec, nil)
	for _, taskSpec := range next {
		inCtx := mergeContext(we.Input, we.Context)
		if _, err := h.task.RunTask(ctx, tx, we, taskSpec, inCtx); err != nil {
			return err
		}
	}

	key := funcIntegrityCheckBase + we.ID
	args := map[string]any{"workflow_execution_id": we.ID}
	return h.sched.Schedule(ctx, tx, key, integrity.FuncCheckAndFixIntegrity, args, firstIntegrityCheckWait)
}

// StartSubWorkflowTx starts a sub-workflow execution rooted at
// parentTaskExecutionID, within the caller's already-open transaction
// (spec.md §4.6 step 5's reverse leg: the sub-workflow is entered exactly
// like a top-level workflow, except linked back via TaskExecutionID so its
// eventual completion propagates to the parent task instead of a client).
func (h *Handler) StartSubWorkflowTx(ctx context.Context, tx *store.TxHandle, parentTaskExecutionID, workflowName string, input map[string]any) (string, error) {
	def, found, err := h.store.GetWorkflowDefinitionByName(ctx, tx, workflowName)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("workflow: definition named %q not found", workflowName)
	}

	now := time.Now()
	we := &model.WorkflowExecution{
		ID:              model.NewID(),
		DefinitionID:    def.ID,
		State:           model.StateIdle,
		Input:           input,
		Context:         map[string]any{},
		TaskExecutionID: parentTaskExecutionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.store.PutWorkflowExecution(ctx, tx, we); err != nil {
		return "", err
	}
	if err := h.enterRunning(ctx, tx, we, def); err != nil {
		return "", err
	}
	return we.ID, nil
}

// PlanWorkflow implements §4.6's planWorkflow: create the execution at
// IDLE and schedule startWorkflow as a job so the caller returns
// immediately.
func (h *Handler) PlanWorkflow(ctx context.Context, definitionID string, input, params map[string]any) (*model.WorkflowExecution, error) {
	var we *model.WorkflowExecution
	err := h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		def, found, err := h.store.GetWorkflowDefinition(ctx, tx, definitionID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("workflow: definition %s not found", definitionID)
		}
		_ = def

		now := time.Now()
		we = &model.WorkflowExecution{
			ID:           model.NewID(),
			DefinitionID: definitionID,
			State:        model.StateIdle,
			Input:        input,
			Params:       params,
			Context:      map[string]any{},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := h.store.PutWorkflowExecution(ctx, tx, we); err != nil {
			return err
		}
		return h.sched.Schedule(ctx, tx, "", funcStartWorkflow, map[string]any{"workflow_execution_id": we.ID}, 0)
	})
	return we, err
}

// ResumePlannedStart is the Scheduler-dispatched handler for
// funcStartWorkflow: it re-enters startWorkflow for a previously planned
// execution.
func (h *Handler) ResumePlannedStart(ctx context.Context, workflowExecutionID string) error {
	return h.store.TransactionWithRetry(ctx, false, func(ctx context.Context, tx *store.TxHandle) error {
		h.store.AcquireLock(ctx, "workflow_execution", workflowExecutionID)
		we, found, err := h.store.GetWorkflowExecution(ctx, tx, workflowExecutionID)
		if err != nil {
			return err
		}
		if !found || we.State != model.StateIdle {
			return nil
		}
		def, found, err := h.store.GetWorkflowDefinition(ctx, tx, we.DefinitionID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("workflow: definition %s not found", we.DefinitionID)
		}
		return h.enterRunning(ctx, tx, we, def)
	})
}

func mergeContext(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
