package hitl

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ReviewResolution is the external reviewer's decision for one suspended
// task. Approved accepts the submitted work and completes the task; a
// changes-requested resolution returns it to pending with Feedback appended
// to its retry history.
type ReviewResolution struct {
	TaskID   int    `json:"task_id"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// ReviewGate tracks subtasks suspended in waiting_for_review and delivers
// reviewer resolutions to the scheduler. It is the only path by which a
// waiting task may be revived.
type ReviewGate struct {
	mu       sync.Mutex
	waiting  map[int]bool
	resolved chan ReviewResolution
	logger   *zap.Logger
}

// NewReviewGate creates a review gate for one scheduling session.
func NewReviewGate(logger *zap.Logger) *ReviewGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewGate{
		waiting:  make(map[int]bool),
		resolved: make(chan ReviewResolution, 16),
		logger:   logger.With(zap.String("component", "review_gate")),
	}
}

// MarkWaiting records that a task has been submitted for review.
func (g *ReviewGate) MarkWaiting(taskID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiting[taskID] = true
	g.logger.Info("task waiting for review", zap.Int("task_id", taskID))
}

// Waiting returns the ids of tasks currently awaiting review.
func (g *ReviewGate) Waiting() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]int, 0, len(g.waiting))
	for id := range g.waiting {
		ids = append(ids, id)
	}
	return ids
}

// Resolve delivers a reviewer decision for a waiting task.
func (g *ReviewGate) Resolve(res ReviewResolution) error {
	g.mu.Lock()
	if !g.waiting[res.TaskID] {
		g.mu.Unlock()
		return fmt.Errorf("task %d is not waiting for review", res.TaskID)
	}
	delete(g.waiting, res.TaskID)
	g.mu.Unlock()

	g.logger.Info("review resolved",
		zap.Int("task_id", res.TaskID),
		zap.Bool("approved", res.Approved),
	)
	g.resolved <- res
	return nil
}

// Await blocks until a review resolution arrives or ctx is cancelled.
func (g *ReviewGate) Await(ctx context.Context) (ReviewResolution, error) {
	select {
	case res := <-g.resolved:
		return res, nil
	case <-ctx.Done():
		return ReviewResolution{}, ctx.Err()
	}
}
