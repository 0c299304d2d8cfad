// Package engine executes declaratively defined automation workflows: a
// YAML document describes an ordered list of stages (tool calls, parallel
// and sequential groups, conditionals, loops, error handlers, and data
// shaping stages), and the engine runs them against a shared context map
// with retry, compensation, and cancellation support.
package engine

import (
	"time"

	"github.com/BaSui01/iterflow/types"
)

// StageType discriminates the stage variants.
type StageType string

const (
	StageTool         StageType = "tool"
	StageParallel     StageType = "parallel"
	StageSequence     StageType = "sequence"
	StageConditional  StageType = "conditional"
	StageLoop         StageType = "loop"
	StageErrorHandler StageType = "error_handler"
	StageTransform    StageType = "transform"
	StageMerge        StageType = "merge"
	StageSplit        StageType = "split"
)

// ErrorPolicy controls how a stage failure is handled. The zero value
// propagates the failure to the enclosing stage.
type ErrorPolicy string

const (
	// ErrorContinue records the failure and moves on.
	ErrorContinue ErrorPolicy = "continue"
	// ErrorRetry re-runs the stage with exponential backoff.
	ErrorRetry ErrorPolicy = "retry"
)

// DefaultLoopIterations bounds every loop stage that does not declare its
// own maxIterations. A loop that would exceed the bound fails instead of
// running forever.
const DefaultLoopIterations = 100

// WorkflowDefinition is a parsed workflow document.
type WorkflowDefinition struct {
	Name    string   `yaml:"name" json:"name"`
	Version string   `yaml:"version,omitempty" json:"version,omitempty"`
	Stages  []*Stage `yaml:"stages" json:"stages"`
}

// RollbackSpec declares a compensating tool call, registered when its
// stage succeeds and invoked in LIFO order if the workflow later fails.
type RollbackSpec struct {
	Tool   string         `yaml:"tool" json:"tool"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Stage is one workflow node. It is a tagged variant: Type selects which
// field group applies. A stage with a bare `tool` key and no type is
// normalized to a tool stage during parsing.
type Stage struct {
	Name string    `yaml:"name,omitempty" json:"name,omitempty"`
	Type StageType `yaml:"type,omitempty" json:"type,omitempty"`

	// Tool stage.
	Tool     string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Rollback *RollbackSpec  `yaml:"rollback,omitempty" json:"rollback,omitempty"`

	// Parallel and sequence children.
	Stages []*Stage `yaml:"stages,omitempty" json:"stages,omitempty"`

	// Conditional branches. If is a $var truthiness check or a boolean
	// expression over the context.
	If   string   `yaml:"if,omitempty" json:"if,omitempty"`
	Then []*Stage `yaml:"then,omitempty" json:"then,omitempty"`
	Else []*Stage `yaml:"else,omitempty" json:"else,omitempty"`

	// Loop. Exactly one of ForEach, While, or Count selects the loop kind;
	// Body runs each pass.
	ForEach       string   `yaml:"forEach,omitempty" json:"forEach,omitempty"`
	ItemVar       string   `yaml:"itemVar,omitempty" json:"itemVar,omitempty"`
	IndexVar      string   `yaml:"indexVar,omitempty" json:"indexVar,omitempty"`
	While         string   `yaml:"while,omitempty" json:"while,omitempty"`
	Count         int      `yaml:"count,omitempty" json:"count,omitempty"`
	MaxIterations int      `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	Body          []*Stage `yaml:"body,omitempty" json:"body,omitempty"`

	// Error handler.
	Try     []*Stage `yaml:"try,omitempty" json:"try,omitempty"`
	Catch   []*Stage `yaml:"catch,omitempty" json:"catch,omitempty"`
	Finally []*Stage `yaml:"finally,omitempty" json:"finally,omitempty"`

	// Transform. Operation is map, filter, reduce, or custom. Input is a
	// $path to the array input. Map uses Expression as a value template
	// with $item/$index bound; filter uses Condition as a predicate;
	// reduce uses Reducer (sum, product, concat, count, min, max).
	Operation  string `yaml:"operation,omitempty" json:"operation,omitempty"`
	Input      string `yaml:"input,omitempty" json:"input,omitempty"`
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
	Reducer    string `yaml:"reducer,omitempty" json:"reducer,omitempty"`
	Initial    any    `yaml:"initial,omitempty" json:"initial,omitempty"`
	// Custom names a function registered on the engine, used by
	// transform/merge with operation or strategy "custom".
	Custom string `yaml:"custom,omitempty" json:"custom,omitempty"`

	// Merge. Strategy is concat, object, or custom; Inputs are $paths.
	Strategy string   `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Inputs   []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Split. Mode is chunk (fixed-size slices) or condition (partition
	// into matching and rest).
	Mode      string `yaml:"mode,omitempty" json:"mode,omitempty"`
	ChunkSize int    `yaml:"chunkSize,omitempty" json:"chunkSize,omitempty"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Common: Output binds the stage result into the context; OnError and
	// Retry control failure handling.
	Output  string      `yaml:"output,omitempty" json:"output,omitempty"`
	OnError ErrorPolicy `yaml:"onError,omitempty" json:"onError,omitempty"`
	Retry   int         `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// label names a stage in logs and results.
func (s *Stage) label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Type == StageTool {
		return s.Tool
	}
	return string(s.Type)
}

// ExecutionState is the lifecycle state of one workflow execution.
type ExecutionState string

const (
	StatePending    ExecutionState = "pending"
	StateRunning    ExecutionState = "running"
	StateCompleted  ExecutionState = "completed"
	StateFailed     ExecutionState = "failed"
	StatePaused     ExecutionState = "paused"
	StateCancelled  ExecutionState = "cancelled"
	StateRolledBack ExecutionState = "rolled_back"
)

// StageResult records one stage's outcome in completion order.
type StageResult struct {
	Stage    string        `json:"stage"`
	Type     StageType     `json:"type"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RollbackResult records one compensating call's outcome.
type RollbackResult struct {
	Stage string `json:"stage"`
	Tool  string `json:"tool"`
	Error string `json:"error,omitempty"`
}

// rollbackEntry is a registered compensation with params resolved at
// registration time, so later context mutations cannot change what gets
// undone.
type rollbackEntry struct {
	stage  string
	tool   string
	params map[string]any
}

// newValidationError builds a WORKFLOW_VALIDATION error.
func newValidationError(format string, args ...any) error {
	return types.NewErrorf(types.ErrWorkflowValidation, format, args...)
}

// newStageError builds a STAGE_EXECUTION error.
func newStageError(stage string, cause error) error {
	return types.NewErrorf(types.ErrStageExecution, "stage %s failed", stage).WithCause(cause)
}
