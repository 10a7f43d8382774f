package controller

import (
	"testing"

	"github.com/Netcracker/qubership-mistral/internal/model"
	"github.com/Netcracker/qubership-mistral/internal/wfspec"
)

func linearSpec() *wfspec.WorkflowSpec {
	return &wfspec.WorkflowSpec{
		Name: "linear",
		Type: wfspec.WorkflowDirect,
		Tasks: map[string]*wfspec.TaskSpec{
			"a": {Name: "a", Kind: wfspec.TaskKindAction, Action: "noop", OnSuccess: []string{"b"}},
			"b": {Name: "b", Kind: wfspec.TaskKindAction, Action: "noop"},
		},
	}
}

func TestGetNextTasksSeedsStartTasks(t *testing.T) {
	spec := linearSpec()
	next := New(spec).GetNextTasks(spec, nil)
	if len(next) != 1 || next[0].Name != "a" {
		t.Fatalf("expected only root task a, got %+v", next)
	}
}

func TestGetNextTasksAdvancesOnSuccess(t *testing.T) {
	spec := linearSpec()
	executions := []*model.TaskExecution{
		{Name: "a", State: model.StateSuccess, Processed: true},
	}
	next := New(spec).GetNextTasks(spec, executions)
	if len(next) != 1 || next[0].Name != "b" {
		t.Fatalf("expected b to become runnable, got %+v", next)
	}
}

func TestGetNextTasksDoesNotReRunStartedTask(t *testing.T) {
	spec := linearSpec()
	executions := []*model.TaskExecution{
		{Name: "a", State: model.StateRunning},
	}
	next := New(spec).GetNextTasks(spec, executions)
	if len(next) != 0 {
		t.Fatalf("expected no next tasks while a is still running, got %+v", next)
	}
}

func TestGetNextTasksOnErrorEdgeOnly(t *testing.T) {
	spec := &wfspec.WorkflowSpec{
		Type: wfspec.WorkflowDirect,
		Tasks: map[string]*wfspec.TaskSpec{
			"a":        {Name: "a", OnError: []string{"recover"}, OnSuccess: []string{"next"}},
			"recover":  {Name: "recover"},
			"next":     {Name: "next"},
		},
	}
	executions := []*model.TaskExecution{{Name: "a", State: model.StateError, Processed: true}}
	next := New(spec).GetNextTasks(spec, executions)
	if len(next) != 1 || next[0].Name != "recover" {
		t.Fatalf("expected only recover to fire on error, got %+v", next)
	}
}

func TestGetNextTasksJoinAllWaitsForEveryPredecessor(t *testing.T) {
	spec := &wfspec.WorkflowSpec{
		Type: wfspec.WorkflowDirect,
		Tasks: map[string]*wfspec.TaskSpec{
			"a":    {Name: "a", OnSuccess: []string{"join"}},
			"b":    {Name: "b", OnSuccess: []string{"join"}},
			"join": {Name: "join", Join: &wfspec.JoinSpec{Kind: wfspec.JoinAll}},
		},
	}
	oneDone := []*model.TaskExecution{{Name: "a", State: model.StateSuccess, Processed: true}}
	if next := New(spec).GetNextTasks(spec, oneDone); len(next) != 0 {
		t.Fatalf("join-all must not fire with only one of two predecessors done, got %+v", next)
	}
	bothDone := append(oneDone, &model.TaskExecution{Name: "b", State: model.StateSuccess, Processed: true})
	next := New(spec).GetNextTasks(spec, bothDone)
	if len(next) != 1 || next[0].Name != "join" {
		t.Fatalf("join-all must fire once both predecessors succeed, got %+v", next)
	}
}

func TestGetNextTasksJoinOneFiresOnFirstPredecessor(t *testing.T) {
	spec := &wfspec.WorkflowSpec{
		Type: wfspec.WorkflowDirect,
		Tasks: map[string]*wfspec.TaskSpec{
			"a":    {Name: "a", OnSuccess: []string{"join"}},
			"b":    {Name: "b", OnSuccess: []string{"join"}},
			"join": {Name: "join", Join: &wfspec.JoinSpec{Kind: wfspec.JoinOne}},
		},
	}
	executions := []*model.TaskExecution{{Name: "a", State: model.StateSuccess, Processed: true}}
	next := New(spec).GetNextTasks(spec, executions)
	if len(next) != 1 || next[0].Name != "join" {
		t.Fatalf("join-one must fire on the first completed predecessor, got %+v", next)
	}
}

func reverseSpec() *wfspec.WorkflowSpec {
	return &wfspec.WorkflowSpec{
		Name: "reverse-linear",
		Type: wfspec.WorkflowReverse,
		Tasks: map[string]*wfspec.TaskSpec{
			"a": {Name: "a", Kind: wfspec.TaskKindAction, Action: "noop"},
			"b": {Name: "b", Kind: wfspec.TaskKindAction, Action: "noop", Requires: []string{"a"}},
			"c": {Name: "c", Kind: wfspec.TaskKindAction, Action: "noop", Requires: []string{"b"}},
		},
	}
}

func TestReverseGetNextTasksSeedsRequiresFreeRoots(t *testing.T) {
	spec := reverseSpec()
	next := New(spec).GetNextTasks(spec, nil)
	if len(next) != 1 || next[0].Name != "a" {
		t.Fatalf("expected only root task a (no requires), got %+v", next)
	}
}

func TestReverseGetNextTasksAdvancesOncePrerequisiteSucceeds(t *testing.T) {
	spec := reverseSpec()
	executions := []*model.TaskExecution{{Name: "a", State: model.StateSuccess, Processed: true}}
	next := New(spec).GetNextTasks(spec, executions)
	if len(next) != 1 || next[0].Name != "b" {
		t.Fatalf("expected b to become runnable once a succeeds, got %+v", next)
	}
}

func TestReverseGetNextTasksBlocksOnErroredPrerequisite(t *testing.T) {
	spec := reverseSpec()
	executions := []*model.TaskExecution{{Name: "a", State: model.StateError, Processed: true}}
	next := New(spec).GetNextTasks(spec, executions)
	if len(next) != 0 {
		t.Fatalf("expected b to stay blocked while its prerequisite errored, got %+v", next)
	}
}

func TestReverseGetNextTasksRequiresAllListedPrerequisites(t *testing.T) {
	spec := &wfspec.WorkflowSpec{
		Type: wfspec.WorkflowReverse,
		Tasks: map[string]*wfspec.TaskSpec{
			"a":      {Name: "a"},
			"b":      {Name: "b"},
			"merge":  {Name: "merge", Requires: []string{"a", "b"}},
		},
	}
	oneDone := []*model.TaskExecution{{Name: "a", State: model.StateSuccess, Processed: true}}
	if next := New(spec).GetNextTasks(spec, oneDone); len(next) != 0 {
		t.Fatalf("expected merge to wait for both requires, got %+v", next)
	}
	bothDone := append(oneDone, &model.TaskExecution{Name: "b", State: model.StateSuccess, Processed: true})
	next := New(spec).GetNextTasks(spec, bothDone)
	if len(next) != 1 || next[0].Name != "merge" {
		t.Fatalf("expected merge to become runnable once both requires succeed, got %+v", next)
	}
}

func TestStartTasksFindsAllRoots(t *testing.T) {
	spec := &wfspec.WorkflowSpec{
		Tasks: map[string]*wfspec.TaskSpec{
			"a": {Name: "a", OnSuccess: []string{"c"}},
			"b": {Name: "b", OnSuccess: []string{"c"}},
			"c": {Name: "c"},
		},
	}
	roots := startTasks(spec)
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots (a, b), got %d: %+v", len(roots), roots)
	}
}
