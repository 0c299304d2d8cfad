// Package scheduler implements the dependency-graph subtask scheduler: the
// TaskGraph query model, the bounded retry/reflection executor for a single
// subtask, and the scheduler loop that drives a graph to completion in
// sequential or concurrent mode with deadlock detection.
package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/iterflow/types"
)

// TaskGraph holds the subtasks of the current iteration in insertion order.
// Query methods are safe for concurrent use; status fields of individual
// tasks are mutated only by the executor that owns the task.
type TaskGraph struct {
	mu    sync.RWMutex
	tasks []*types.SubTask
	index map[int]*types.SubTask
}

// NewTaskGraph builds a graph over the given tasks. Duplicate ids are
// rejected; dependency ids are deliberately not checked against existing
// tasks (a dangling reference surfaces at schedule time as a deadlock).
func NewTaskGraph(tasks []*types.SubTask) (*TaskGraph, error) {
	g := &TaskGraph{index: make(map[int]*types.SubTask, len(tasks))}
	for _, t := range tasks {
		if _, exists := g.index[t.ID]; exists {
			return nil, fmt.Errorf("duplicate task id %d", t.ID)
		}
		g.tasks = append(g.tasks, t)
		g.index[t.ID] = t
	}
	return g, nil
}

// Get returns the task with the given id.
func (g *TaskGraph) Get(id int) (*types.SubTask, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.index[id]
	return t, ok
}

// Tasks returns the tasks in insertion order. The slice is a copy; the
// task pointers are shared.
func (g *TaskGraph) Tasks() []*types.SubTask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*types.SubTask(nil), g.tasks...)
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Runnable returns all pending tasks whose every dependency is completed,
// in insertion order.
func (g *TaskGraph) Runnable() []*types.SubTask {
	g.mu.RLock()
	defer g.mu.RUnlock()

	completed := g.completedLocked()
	var runnable []*types.SubTask
	for _, t := range g.tasks {
		if t.Status != types.TaskStatusPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, t)
		}
	}
	return runnable
}

// AllDone reports whether every task is in a terminal status.
func (g *TaskGraph) AllDone() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// WaitingForReview returns ids of tasks suspended pending external review.
func (g *TaskGraph) WaitingForReview() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []int
	for _, t := range g.tasks {
		if t.Status == types.TaskStatusWaitingForReview {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// Blocked returns, for every pending task that is not runnable, the sorted
// list of its unmet dependency ids.
func (g *TaskGraph) Blocked() map[int][]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	completed := g.completedLocked()
	blocked := make(map[int][]int)
	for _, t := range g.tasks {
		if t.Status != types.TaskStatusPending {
			continue
		}
		var unmet []int
		for _, dep := range t.Dependencies {
			if !completed[dep] {
				unmet = append(unmet, dep)
			}
		}
		if len(unmet) > 0 {
			sort.Ints(unmet)
			blocked[t.ID] = unmet
		}
	}
	return blocked
}

// AppendDynamic adds a task delegated by a running task. The new task gets
// id = max(existing)+1 and depends on the task currently in_progress when
// there is one (the first in insertion order).
func (g *TaskGraph) AppendDynamic(recipient, description string) *types.SubTask {
	g.mu.Lock()
	defer g.mu.Unlock()

	maxID := 0
	var inProgress *types.SubTask
	for _, t := range g.tasks {
		if t.ID > maxID {
			maxID = t.ID
		}
		if inProgress == nil && t.Status == types.TaskStatusInProgress {
			inProgress = t
		}
	}

	task := &types.SubTask{
		ID:          maxID + 1,
		Description: description,
		Recipient:   recipient,
		Status:      types.TaskStatusPending,
	}
	if inProgress != nil {
		task.Dependencies = []int{inProgress.ID}
	}
	g.tasks = append(g.tasks, task)
	g.index[task.ID] = task
	return task
}

// completedLocked builds the set of completed ids. Callers hold g.mu.
func (g *TaskGraph) completedLocked() map[int]bool {
	completed := make(map[int]bool, len(g.tasks))
	for _, t := range g.tasks {
		if t.Status == types.TaskStatusCompleted {
			completed[t.ID] = true
		}
	}
	return completed
}

// DeadlockError builds the DependencyDeadlock error listing every blocked
// task and its unmet dependency ids. Tasks and dependency ids are sorted so
// the listing is deterministic regardless of map iteration or caller order.
func DeadlockError(blocked map[int][]int) error {
	ids := make([]int, 0, len(blocked))
	for id := range blocked {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteString("; ")
		}
		deps := append([]int(nil), blocked[id]...)
		sort.Ints(deps)
		fmt.Fprintf(&sb, "task %d blocked on %v", id, deps)
	}
	return types.NewErrorf(types.ErrDependencyDeadlock, "no runnable tasks and none pending review: %s", sb.String())
}
