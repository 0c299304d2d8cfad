package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkflowExecution is the mutable state of one workflow run. Executions
// are independent: the engine never shares state between two executions.
//
// The context map, result list, and state are guarded because parallel
// stages write from multiple goroutines.
type WorkflowExecution struct {
	ID         string           `json:"id"`
	Workflow   string           `json:"workflow"`
	State      ExecutionState   `json:"state"`
	Results    []StageResult    `json:"results"`
	Rollbacks  []RollbackResult `json:"rollbacks,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`

	// CurrentStageIndex is the index of the top-level stage being
	// executed, for progress reporting.
	CurrentStageIndex int `json:"current_stage_index"`

	definition *WorkflowDefinition

	mu       sync.Mutex
	context  map[string]any
	rollback []rollbackEntry
}

func newExecution(def *WorkflowDefinition, initial map[string]any) *WorkflowExecution {
	ctx := make(map[string]any, len(initial))
	for k, v := range initial {
		ctx[k] = v
	}
	return &WorkflowExecution{
		ID:         uuid.NewString(),
		Workflow:   def.Name,
		State:      StatePending,
		definition: def,
		context:    ctx,
	}
}

// Context returns a copy of the execution's context map.
func (x *WorkflowExecution) Context() map[string]any {
	return x.snapshot()
}

// setState transitions the execution state. Guarded because destructive
// tool children of a parallel stage pause and resume from their own
// goroutines.
func (x *WorkflowExecution) setState(state ExecutionState) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.State = state
}

// set binds a value into the context under key.
func (x *WorkflowExecution) set(key string, value any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.context[key] = value
}

// unset removes a context binding.
func (x *WorkflowExecution) unset(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.context, key)
}

// snapshot copies the context map for read-side resolution, so parallel
// writers cannot race with path lookups.
func (x *WorkflowExecution) snapshot() map[string]any {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]any, len(x.context))
	for k, v := range x.context {
		out[k] = v
	}
	return out
}

func (x *WorkflowExecution) record(res StageResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.Results = append(x.Results, res)
}

func (x *WorkflowExecution) pushRollback(entry rollbackEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.rollback = append(x.rollback, entry)
}

func (x *WorkflowExecution) popRollback() (rollbackEntry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.rollback) == 0 {
		return rollbackEntry{}, false
	}
	entry := x.rollback[len(x.rollback)-1]
	x.rollback = x.rollback[:len(x.rollback)-1]
	return entry, true
}

// PendingRollbacks reports how many compensations are registered.
func (x *WorkflowExecution) PendingRollbacks() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.rollback)
}
