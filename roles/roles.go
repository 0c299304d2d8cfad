// Package roles defines the executor contracts the orchestration core
// depends on: planner, worker, reflector, synthesizer, evaluator, and
// aggregator. Implementations typically wrap an LLM provider; the core only
// sees these interfaces.
package roles

import (
	"context"

	"github.com/BaSui01/iterflow/types"
)

// PlannedTask is one task in a proposed plan. IDs start at 1 within the
// plan; dependencies reference ids in the same plan.
type PlannedTask struct {
	ID           int    `json:"id"`
	Description  string `json:"description"`
	Dependencies []int  `json:"dependencies,omitempty"`
}

// Plan is a planner proposal: a dependency-ordered set of tasks.
type Plan struct {
	Tasks []PlannedTask `json:"plan"`
}

// PlanRequest carries the planning inputs: the original request plus the
// prior iteration's artifact and critique when one exists.
type PlanRequest struct {
	Request       string
	PriorArtifact string
	Suggestions   []string
	Summary       string
	Iteration     int
}

// ToolRequest is a worker proposal for how to execute a subtask.
type ToolRequest struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
}

// ReflectionNote diagnoses a failed attempt and refines the next one.
type ReflectionNote struct {
	Cause    string `json:"cause"`
	NextStep string `json:"next_step"`
}

// EvaluatorVerdict is one evaluator's score for an artifact.
type EvaluatorVerdict struct {
	Score       int      `json:"score"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ArtifactSink receives incremental artifact chunks during synthesis.
// Implementations must tolerate being called from the synthesizer's
// goroutine.
type ArtifactSink interface {
	WriteChunk(chunk string)
}

// Planner proposes a dependency-ordered plan for a request.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*Plan, error)
}

// Worker proposes a tool invocation for one subtask, given the running
// progress summary and the task's retry history.
type Worker interface {
	Propose(ctx context.Context, task *types.SubTask, progress string, retryHistory []string) (*ToolRequest, error)
}

// Reflector turns a failed attempt into a refined retry instruction.
type Reflector interface {
	Reflect(ctx context.Context, task *types.SubTask) (*ReflectionNote, error)
}

// Synthesizer produces an artifact from the completed-task summary.
// When sink is non-nil, partial chunks may be streamed to it; the full
// artifact is still returned.
type Synthesizer interface {
	Synthesize(ctx context.Context, tc *types.TaskContext, sink ArtifactSink) (string, error)
}

// Evaluator scores an artifact.
type Evaluator interface {
	Evaluate(ctx context.Context, artifact string, tc *types.TaskContext) (*EvaluatorVerdict, error)
}

// Aggregator merges N evaluator verdicts into one evaluation.
type Aggregator interface {
	Aggregate(ctx context.Context, verdicts []*EvaluatorVerdict, tc *types.TaskContext) (*types.Evaluation, error)
}
