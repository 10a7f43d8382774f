// Package dispatch implements the Action Dispatcher (spec.md §4.4): the
// boundary between the engine and out-of-process Executors that actually
// run actions. The engine never executes an action body; it only ever
// moves bytes across this boundary and reacts to completion/update
// callbacks.
package dispatch

import (
	"context"
	"time"
)

// ActionResultCode classifies how an action execution terminated. A typed
// code replaces a fragile substring match against state_info text.
type ActionResultCode string

const (
	ActionResultNormal   ActionResultCode = "NORMAL"
	ActionResultTimedOut ActionResultCode = "TIMED_OUT"
)

// ActionResult is what an Executor reports back for one action execution.
type ActionResult struct {
	ActionExecutionID string
	Code               ActionResultCode
	Success            bool
	Output             map[string]any
	Error              string
}

// ActionRequest is what the dispatcher hands to an Executor to start one
// action execution.
type ActionRequest struct {
	ActionExecutionID string
	TaskExecutionID    string
	ActionName         string
	Input              map[string]any
	IsSync             bool
	Timeout            time.Duration
}

// Executor is the contract an out-of-process action runner implements
// (spec.md §6). The engine calls Run/Interrupt outward; the Executor
// calls back into the engine's onActionComplete/onActionUpdate/heartbeat
// handlers, which this package's Dispatcher exposes as callback
// registration points rather than direct methods, since the callback
// arrives asynchronously off a transport subscription.
type Executor interface {
	Run(ctx context.Context, req ActionRequest) error
	Interrupt(ctx context.Context, actionExecutionID string) error
}

// CompletionHandler reacts to a terminal ActionResult.
type CompletionHandler func(ctx context.Context, result ActionResult) error

// UpdateHandler reacts to a non-terminal progress update (partial output,
// heartbeat renewal) for a still-running action execution.
type UpdateHandler func(ctx context.Context, actionExecutionID string, heartbeatAt time.Time, partialOutput map[string]any) error
