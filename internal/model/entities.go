package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new opaque 36-character identifier.
func NewID() string {
	return uuid.New().String()
}

// WorkflowDefinition is an immutable (after version pinning) workflow
// specification as published by the out-of-scope YAML parser/publisher.
type WorkflowDefinition struct {
	ID        string
	Name      string
	Namespace string
	ProjectID string
	Spec      []byte // opaque serialized wfspec.WorkflowSpec
	Checksum  string
}

// WorkflowExecution is one run of a WorkflowDefinition.
type WorkflowExecution struct {
	ID                string
	DefinitionID       string
	State             State
	StateInfo         string
	Params            map[string]any
	Input             map[string]any
	Output            map[string]any
	Context           map[string]any
	RootExecutionID   string // nullable; back-reference to topmost ancestor
	TaskExecutionID   string // nullable; parent task, if this is a sub-workflow
	ReadOnly          bool
	Description       string
	Tags              []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TaskExecution is one node instance of a running workflow.
type TaskExecution struct {
	ID                 string
	WorkflowExecutionID string
	Name               string
	State              State
	StateInfo          string
	Type               TaskType
	Spec               []byte // opaque serialized wfspec.TaskSpec
	InContext          map[string]any
	Published          map[string]any
	Processed          bool
	HasNextTasks       bool
	NextTasks          []string
	ErrorHandled       bool
	RuntimeContext     RuntimeContext
	UniqueKey          string // globally unique when set
	StartedAt          time.Time
	FinishedAt         time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TaskType distinguishes a plain action task from a sub-workflow task.
type TaskType string

const (
	TaskTypeAction   TaskType = "ACTION"
	TaskTypeWorkflow TaskType = "WORKFLOW"
)

// RuntimeContext carries the task handler's bookkeeping state that must
// survive process restarts: with-items progress. Retry-policy progress is
// tracked per iteration on each ActionExecution, not here, since a
// task-level counter would be shared (and wrongly contended) across
// concurrently failing with-items iterations.
type RuntimeContext struct {
	WithItems *WithItemsState `json:"withItems,omitempty"`
}

// WithItemsState tracks the with-items controller's progress for a task.
type WithItemsState struct {
	Count    int `json:"count"`
	Index    int `json:"index"`    // next iteration index to dispatch
	Capacity int `json:"capacity"` // remaining concurrency slots
}

// ActionExecution is one dispatched unit of external work. A with-items
// task has one ActionExecution per iteration (and per retry attempt).
type ActionExecution struct {
	ID               string
	TaskExecutionID  string
	Name             string
	State            State
	StateInfo        string
	Input            map[string]any
	Output           map[string]any
	Accepted         bool // true once counted toward the task's with-items result
	IsSync           bool
	IterationIndex   int // with-items position; 0 for non-with-items tasks
	RetryNo          int // retries already spent by this iteration, carried to the next attempt's row
	LastHeartbeat    time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ScheduledJob (a.k.a. DelayedCall) is a row of deferred work claimed by the
// scheduler's polling loop.
type ScheduledJob struct {
	ID         string
	Key        string // optional dedup key
	RunAfter   time.Duration
	ExecuteAt  time.Time
	FuncName   string
	FuncArgs   map[string]any
	CapturedAt *time.Time
	Processing bool
	CreatedAt  time.Time
}

// NamedLock is a row that exists only for the lifetime of the owning
// transaction; its presence is the lock.
type NamedLock struct {
	ID   string
	Name string
}
