// Package controller implements the Workflow Controller (spec.md §4.7): a
// pure function over a WorkflowSpec and the current set of TaskExecutions
// that decides which TaskSpecs are now runnable. It touches no store,
// schedules nothing, and dispatches nothing — everything here is a plain
// function over in-memory values so it can be unit tested without a
// Store at all.
package controller

import (
	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

// Controller computes the next runnable tasks for a workflow spec.
type Controller interface {
	GetNextTasks(spec *wfspec.WorkflowSpec, executions []*model.TaskExecution) []*wfspec.TaskSpec
}

// New returns the Controller variant matching spec.Type.
func New(spec *wfspec.WorkflowSpec) Controller {
	switch spec.Type {
	case wfspec.WorkflowReverse:
		return reverseController{}
	default:
		return directController{}
	}
}

// byName indexes task executions by task name; the most recent execution
// wins for a given name (a rerun replaces the routing-relevant record).
func byName(executions []*model.TaskExecution) map[string]*model.TaskExecution {
	out := make(map[string]*model.TaskExecution, len(executions))
	for _, te := range executions {
		if cur, ok := out[te.Name]; ok && te.CreatedAt.Before(cur.CreatedAt) {
			continue
		}
		out[te.Name] = te
	}
	return out
}

func isStarted(byExecName map[string]*model.TaskExecution, name string) bool {
	_, ok := byExecName[name]
	return ok
}

// predecessorsOf returns the names of the tasks whose on-success,
// on-error or on-complete list names target.
func predecessorsOf(spec *wfspec.WorkflowSpec, target string) []string {
	var preds []string
	for name, t := range spec.Tasks {
		if containsStr(t.OnSuccess, target) || containsStr(t.OnError, target) || containsStr(t.OnComplete, target) {
			preds = append(preds, name)
		}
	}
	return preds
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// edgeFired reports whether pred's execution fired the edge leading to
// target (success edge requires pred SUCCESS, error edge requires pred
// ERROR with error-handled routing allowed, complete edge fires on any
// terminal state).
func edgeFired(spec *wfspec.WorkflowSpec, pred string, predExec *model.TaskExecution, target string) bool {
	t := spec.Tasks[pred]
	if t == nil || predExec == nil || !predExec.State.IsCompleted() {
		return false
	}
	switch predExec.State {
	case model.StateSuccess:
		if containsStr(t.OnSuccess, target) {
			return true
		}
	case model.StateError:
		if containsStr(t.OnError, target) {
			return true
		}
	}
	return containsStr(t.OnComplete, target)
}

// joinSatisfied reports whether target's join policy is satisfied given
// how many of its predecessors have fired their edge into it.
func joinSatisfied(target *wfspec.TaskSpec, fired, total int) bool {
	if target.Join == nil {
		// No join clause: classic OR-semantics, any single firing edge runs it.
		return fired >= 1
	}
	switch target.Join.Kind {
	case wfspec.JoinOne:
		return fired >= 1
	case wfspec.JoinCount:
		return fired >= target.Join.Count
	default: // JoinAll
		return fired >= total
	}
}

// directController traverses on-success/on-error/on-complete edges
// forward from just-completed tasks.
type directController struct{}

func (directController) GetNextTasks(spec *wfspec.WorkflowSpec, executions []*model.TaskExecution) []*wfspec.TaskSpec {
	execByName := byName(executions)
	var next []*wfspec.TaskSpec

	if len(executions) == 0 {
		return startTasks(spec)
	}

	for name, target := range spec.Tasks {
		if isStarted(execByName, name) {
			continue // already spawned; completion routing only fires each target once
		}
		preds := predecessorsOf(spec, name)
		if len(preds) == 0 {
			continue // not a start task and unreachable from any completed predecessor set
		}
		fired := 0
		for _, pred := range preds {
			if edgeFired(spec, pred, execByName[pred], name) {
				fired++
			}
		}
		if fired == 0 {
			continue
		}
		if joinSatisfied(target, fired, len(preds)) {
			next = append(next, target)
		}
	}
	return next
}

// reverseController schedules predecessors top-down toward declared
// terminal targets: each task names its own prerequisites via the
// `requires:` clause (wfspec.TaskSpec.Requires) rather than being routed
// to by a predecessor's OnSuccess/OnError/OnComplete edge. A task becomes
// runnable once every task it requires has completed with SUCCESS; a
// required task that ends in ERROR blocks its dependents rather than
// routing around them (reverse workflows have no on-error clause to
// route through). Root tasks are those with an empty Requires list.
type reverseController struct{}

func (reverseController) GetNextTasks(spec *wfspec.WorkflowSpec, executions []*model.TaskExecution) []*wfspec.TaskSpec {
	execByName := byName(executions)
	var next []*wfspec.TaskSpec

	for name, target := range spec.Tasks {
		if isStarted(execByName, name) {
			continue
		}
		if len(target.Requires) == 0 {
			next = append(next, target)
			continue
		}
		allSatisfied := true
		for _, req := range target.Requires {
			reqExec := execByName[req]
			if reqExec == nil || reqExec.State != model.StateSuccess {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			next = append(next, target)
		}
	}
	return next
}

// startTasks returns the roots of the graph. For Direct workflows a root
// is a task never named as a successor of another; Reverse workflows use
// wfspec.TaskSpec.Requires directly in reverseController.GetNextTasks
// instead, since their dependency edges run the opposite direction.
func startTasks(spec *wfspec.WorkflowSpec) []*wfspec.TaskSpec {
	isSuccessor := make(map[string]bool)
	for _, t := range spec.Tasks {
		for _, n := range t.OnSuccess {
			isSuccessor[n] = true
		}
		for _, n := range t.OnError {
			isSuccessor[n] = true
		}
		for _, n := range t.OnComplete {
			isSuccessor[n] = true
		}
	}
	var starts []*wfspec.TaskSpec
	for name, t := range spec.Tasks {
		if !isSuccessor[name] {
			starts = append(starts, t)
		}
	}
	return starts
}
