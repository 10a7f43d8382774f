// Package engine wires the Store, Scheduler, Dispatcher, Task Handler,
// Workflow Handler and Integrity Monitor into one facade, resolving the
// workflow<->task handler import cycle through field injection rather
// than Python-style circular imports (spec.md §9 design note).
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Netcracker/qubership-mistral/internal/config"
	"github.com/Netcracker/qubership-mistral/internal/dispatch"
	"github.com/Netcracker/qubership-mistral/internal/expreval"
	"github.com/Netcracker/qubership-mistral/internal/integrity"
	"github.com/Netcracker/qubership-mistral/internal/scheduler"
	"github.com/Netcracker/qubership-mistral/internal/store"
	"github.com/Netcracker/qubership-mistral/internal/task"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
	"github.com/Netcracker/qubership-mistral/internal/workflow"
)

// Engine owns every engine component and the wiring between them.
type Engine struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Dispatch  *dispatch.NatsExecutorClient
	Task      *task.Handler
	Workflow  *workflow.Handler
	Integrity *integrity.Monitor

	cfg config.Config
}

// New constructs every leaf component and wires them together. The
// returned Engine's Scheduler is not yet started; call Start to begin
// polling.
func New(st *store.Store, disp *dispatch.NatsExecutorClient, meter metric.Meter, eval expreval.Evaluator, cfg config.Config) *Engine {
	sched := scheduler.New(st, meter, cfg.SchedulerBatchSize, cfg.SchedulerCaptureTimeout)
	taskHandler := task.New(st, disp, sched, eval)
	workflowHandler := workflow.New(st, taskHandler, sched, eval)

	e := &Engine{
		Store:     st,
		Scheduler: sched,
		Dispatch:  disp,
		Task:      taskHandler,
		Workflow:  workflowHandler,
		cfg:       cfg,
	}

	e.Integrity = integrity.New(st, sched, func(ctx context.Context, taskExecutionID string) error {
		return taskHandler.Reinject(ctx, e.specLookup(), taskExecutionID)
	}, meter, cfg.ExecutionIntegrityCheckDelay, cfg.ExecutionIntegrityCheckBatchSize, cfg.ExecutionIntegrityCheckAfter)

	e.wire()
	return e
}

// specLookup resolves a TaskExecution's originating wfspec.TaskSpec by
// re-reading the WorkflowDefinition and looking up the task by name. Each
// call opens its own read-only transaction, since the callers (dispatch
// callbacks, scheduler jobs) run outside any existing one.
func (e *Engine) specLookup() task.SpecLookup {
	return func(workflowExecutionID, taskName string) (*wfspec.TaskSpec, error) {
		var spec *wfspec.TaskSpec
		err := e.Store.Transaction(context.Background(), true, func(ctx context.Context, tx *store.TxHandle) error {
			we, found, err := e.Store.GetWorkflowExecution(ctx, tx, workflowExecutionID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("engine: workflow execution %s not found", workflowExecutionID)
			}
			def, found, err := e.Store.GetWorkflowDefinition(ctx, tx, we.DefinitionID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("engine: workflow definition %s not found", we.DefinitionID)
			}
			wfSpec, err := wfspec.Unmarshal(def.Spec)
			if err != nil {
				return err
			}
			ts, ok := wfSpec.Tasks[taskName]
			if !ok {
				return fmt.Errorf("engine: task %q not found in workflow spec", taskName)
			}
			spec = ts
			return nil
		})
		return spec, err
	}
}

func (e *Engine) wire() {
	e.Task.CheckAndComplete = e.Workflow.CheckAndComplete
	e.Task.StartSubWorkflow = e.startSubWorkflow
	e.Workflow.OnSubWorkflowComplete = e.onSubWorkflowComplete

	e.Dispatch.OnComplete(func(ctx context.Context, result dispatch.ActionResult) error {
		return e.Task.OnActionComplete(ctx, e.specLookup(), result)
	})
	e.Dispatch.OnUpdate(func(ctx context.Context, actionExecutionID string, heartbeatAt time.Time, partialOutput map[string]any) error {
		return nil
	})

	e.Scheduler.Register("checkAndComplete", func(ctx context.Context, args map[string]any) error {
		id, _ := args["workflow_execution_id"].(string)
		e.Workflow.CheckAndComplete(ctx, id)
		return nil
	})
	e.Scheduler.Register("startWorkflow", func(ctx context.Context, args map[string]any) error {
		id, _ := args["workflow_execution_id"].(string)
		return e.Workflow.ResumePlannedStart(ctx, id)
	})
	e.Scheduler.Register(integrity.FuncCheckAndFixIntegrity, func(ctx context.Context, args map[string]any) error {
		id, _ := args["workflow_execution_id"].(string)
		return e.Integrity.Check(ctx, id)
	})
	e.Scheduler.Register("retryTask", func(ctx context.Context, args map[string]any) error {
		taskExecID, _ := args["task_execution_id"].(string)
		idx := argInt(args["iteration_index"])
		retryNo := argInt(args["retry_no"])
		return e.Task.RetryIteration(ctx, e.specLookup(), taskExecID, idx, retryNo)
	})
}

// argInt coerces a scheduled job argument back to int. Args round-trip
// through JSON in the Store (spec.md §4.2), so a number handed to
// Schedule as an int comes back out of bbolt as a float64.
func argInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// startSubWorkflow adapts task.SubWorkflowStarter onto workflow.Handler:
// it resolves the named workflow definition and starts a sub-workflow
// execution rooted at the parent task, within the same transaction.
func (e *Engine) startSubWorkflow(ctx context.Context, tx *store.TxHandle, parentTaskExecutionID, workflowName string, input map[string]any) (string, error) {
	return e.Workflow.StartSubWorkflowTx(ctx, tx, parentTaskExecutionID, workflowName, input)
}

// onSubWorkflowComplete folds a terminal sub-workflow execution's state
// and output back into its parent task, per §4.6 step 5.
func (e *Engine) onSubWorkflowComplete(ctx context.Context, parentTaskExecutionID string, success bool, output map[string]any) {
	if err := e.Task.CompleteSubWorkflowTask(ctx, e.specLookup(), parentTaskExecutionID, success, output); err != nil {
		// Best-effort: the error is dropped. The Integrity Monitor only
		// examines ActionExecutions, so it does not rescue a parent task
		// whose sub-workflow propagation failed here.
		_ = err
	}
}

// Start begins the Scheduler's poll loop.
func (e *Engine) Start(ctx context.Context) error {
	return e.Scheduler.Start(ctx)
}

// Stop gracefully stops the Scheduler.
func (e *Engine) Stop(ctx context.Context) error {
	return e.Scheduler.Stop(ctx)
}
