package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/store"
)

// InterruptTask implements the cooperative cancellation path of spec.md
// §5: it asks the Dispatcher to interrupt every non-terminal action
// execution belonging to te and marks te CANCELLED. The engine does not
// wait for the Executor to acknowledge; a straggler that finishes anyway
// is reconciled by OnActionComplete or, if the reply is lost entirely, by
// the Integrity Monitor.
func (h *Handler) InterruptTask(ctx context.Context, tx *store.TxHandle, te *model.TaskExecution) error {
	if te.State.IsCompleted() {
		return nil
	}

	actions, err := h.store.ListActionExecutionsByTask(ctx, tx, te.ID)
	if err != nil {
		return err
	}
	for _, ae := range actions {
		if ae.State.IsCompleted() {
			continue
		}
		actionExecutionID := ae.ID
		store.QueueFrom(ctx).Enqueue(func(ctx context.Context) {
			if err := h.disp.Interrupt(ctx, actionExecutionID); err != nil {
				slog.Error("task: interrupt failed", "action_execution_id", actionExecutionID, "error", err)
			}
		})
	}

	te.State = model.StateCancelled
	te.Processed = true
	now := time.Now()
	te.FinishedAt = now
	te.UpdatedAt = now
	return h.store.PutTaskExecution(ctx, tx, te)
}
