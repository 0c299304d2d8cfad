package types

import (
	"strings"
	"sync"
	"time"
)

// Evaluation is the aggregated verdict for one iteration's artifact.
// Score is a 1-10 integer; 10 means the artifact meets the quality bar.
type Evaluation struct {
	Score       int      `json:"score"`
	Suggestions []string `json:"suggestions,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

// IterationRecord archives one completed plan/execute/synthesize/evaluate
// cycle. SubtasksSnapshot is a deep copy taken at archive time and must not
// be mutated afterwards.
type IterationRecord struct {
	Iteration        int        `json:"iteration"`
	Artifact         string     `json:"artifact"`
	Evaluation       Evaluation `json:"evaluation"`
	SubtasksSnapshot []*SubTask `json:"subtasks_snapshot"`
	ArchivedAt       time.Time  `json:"archived_at"`
}

// ProgressLog is an append-only log of task outcomes shared by concurrently
// executing tasks. All methods are safe for concurrent use.
type ProgressLog struct {
	mu    sync.Mutex
	lines []string
}

// Append adds one outcome line to the log.
func (l *ProgressLog) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

// Lines returns a copy of all logged lines in append order.
func (l *ProgressLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// String joins all lines with newlines.
func (l *ProgressLog) String() string {
	return strings.Join(l.Lines(), "\n")
}

// TaskContext is the aggregate root for one user session: the original
// request, the current plan's tasks, and the iteration history.
//
// Exactly one controller owns a TaskContext at a time. Concurrent task
// execution mutates disjoint SubTask entries; shared progress goes through
// the ProgressLog.
type TaskContext struct {
	OriginalRequest  string            `json:"original_request"`
	Subtasks         []*SubTask        `json:"subtasks"`
	History          []IterationRecord `json:"history"`
	CurrentIteration int               `json:"current_iteration"`
	Progress         *ProgressLog      `json:"-"`
	ProgressLines    []string          `json:"progress,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// NewTaskContext creates a fresh session aggregate for the given request.
func NewTaskContext(request string) *TaskContext {
	return &TaskContext{
		OriginalRequest:  request,
		CurrentIteration: 1,
		Progress:         &ProgressLog{},
		CreatedAt:        time.Now(),
	}
}

// Archive appends an iteration record with a deep copy of the current
// subtasks and advances the iteration counter.
func (c *TaskContext) Archive(artifact string, eval Evaluation) {
	snapshot := make([]*SubTask, len(c.Subtasks))
	for i, t := range c.Subtasks {
		snapshot[i] = t.Clone()
	}
	c.History = append(c.History, IterationRecord{
		Iteration:        c.CurrentIteration,
		Artifact:         artifact,
		Evaluation:       eval,
		SubtasksSnapshot: snapshot,
		ArchivedAt:       time.Now(),
	})
	c.CurrentIteration++
}

// LastRecord returns the most recent iteration record, or nil when the
// history is empty.
func (c *TaskContext) LastRecord() *IterationRecord {
	if len(c.History) == 0 {
		return nil
	}
	return &c.History[len(c.History)-1]
}

// PrepareSnapshot copies the progress log into the serializable
// ProgressLines field. Call before marshaling the context.
func (c *TaskContext) PrepareSnapshot() {
	if c.Progress != nil {
		c.ProgressLines = c.Progress.Lines()
	}
}

// RestoreFromSnapshot rebuilds the in-memory progress log after
// unmarshaling a persisted context.
func (c *TaskContext) RestoreFromSnapshot() {
	c.Progress = &ProgressLog{lines: append([]string(nil), c.ProgressLines...)}
}
