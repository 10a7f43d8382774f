// Package wfspec defines the consumed workflow-spec contract (spec.md §6):
// the immutable tree produced by the out-of-scope YAML workflow language
// parser. The engine only reads this tree; it never constructs one from
// source text.
package wfspec

// WorkflowType selects which WorkflowController variant routes a workflow's
// tasks.
type WorkflowType string

const (
	WorkflowDirect  WorkflowType = "direct"
	WorkflowReverse WorkflowType = "reverse"
)

// WorkflowSpec is the root of a parsed workflow definition.
type WorkflowSpec struct {
	Name   string
	Type   WorkflowType
	Input  []string
	Output map[string]string // output var -> expression
	Vars   map[string]string
	Tasks  map[string]*TaskSpec
}

// TaskKind distinguishes an action task from a sub-workflow task.
type TaskKind string

const (
	TaskKindAction   TaskKind = "ACTION"
	TaskKindWorkflow TaskKind = "WORKFLOW"
)

// TaskSpec is one node of a WorkflowSpec.
type TaskSpec struct {
	Name string
	Kind TaskKind

	// Action is the action name when Kind == TaskKindAction.
	Action string
	// Workflow is the sub-workflow definition name when Kind == TaskKindWorkflow.
	Workflow string

	Input          map[string]string // param -> expression
	Publish        map[string]string // published var -> expression
	PublishOnError map[string]string

	WithItems   *WithItemsSpec
	Concurrency string // expression or literal int; empty = unlimited

	Retry *RetrySpec
	Wait  string // expression; delay before first dispatch
	Timeout string // expression; per-action deadline

	OnSuccess  []string
	OnError    []string
	OnComplete []string

	Join *JoinSpec

	// Requires names this task's prerequisites in a Reverse-type workflow
	// (the `requires:` clause). Ignored by the Direct controller, which
	// routes by OnSuccess/OnError/OnComplete instead.
	Requires []string
}

// WithItemsSpec is the `with-items: x in E1, y in E2` clause.
type WithItemsSpec struct {
	// Vars maps each iteration variable to the expression it ranges over.
	// Order is significant: Vars[i] corresponds to the i-th declared
	// variable, preserved for deterministic truncation to the shortest
	// list.
	Vars  []string
	Exprs []string
}

// RetrySpec is the `retry: {count, delay, break-on, continue-on}` clause.
type RetrySpec struct {
	Count     int
	DelaySec  float64
	BreakOn   string // expression; retry stops early if true
	ContinueOn string // expression; if set and false, retry stops early
}

// JoinKind distinguishes join strategies.
type JoinKind string

const (
	JoinAll   JoinKind = "all"
	JoinOne   JoinKind = "one"
	JoinCount JoinKind = "count"
)

// JoinSpec is the `join: all|one|N` clause.
type JoinSpec struct {
	Kind  JoinKind
	Count int // only meaningful when Kind == JoinCount
}
