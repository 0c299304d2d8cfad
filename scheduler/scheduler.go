package scheduler

import (
	"context"
	"fmt"

	"github.com/BaSui01/iterflow/hitl"
	"github.com/BaSui01/iterflow/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mode selects how runnable tasks are dispatched.
type Mode string

const (
	// ModeSequential executes one runnable task to completion before
	// recomputing the runnable set.
	ModeSequential Mode = "sequential"
	// ModeConcurrent launches every currently runnable task together and
	// waits for all before recomputing. There is no concurrency cap: the
	// tasks are I/O-bound tool and model calls, and plans are small, so a
	// cap would add configuration surface without protecting anything.
	ModeConcurrent Mode = "concurrent"
)

// Scheduler drives a TaskGraph to completion through the AttemptExecutor,
// blocking on the review gate when only suspended tasks remain and failing
// fast on dependency deadlock.
type Scheduler struct {
	executor *AttemptExecutor
	gate     *hitl.ReviewGate
	mode     Mode
	logger   *zap.Logger
}

// NewScheduler creates a scheduler. Mode defaults to sequential.
func NewScheduler(executor *AttemptExecutor, gate *hitl.ReviewGate, mode Mode, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == "" {
		mode = ModeSequential
	}
	return &Scheduler{
		executor: executor,
		gate:     gate,
		mode:     mode,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// Run executes the graph until every task is terminal. It returns a
// DependencyDeadlock error when no task is runnable, none are pending
// review, and the graph is not done.
func (s *Scheduler) Run(ctx context.Context, g *TaskGraph) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if g.AllDone() {
			s.logger.Info("graph complete", zap.Int("tasks", g.Len()))
			return nil
		}

		runnable := g.Runnable()
		if len(runnable) == 0 {
			if len(g.WaitingForReview()) == 0 {
				err := DeadlockError(g.Blocked())
				s.logger.Error("dependency deadlock", zap.Error(err))
				return err
			}
			if err := s.awaitReview(ctx, g); err != nil {
				return err
			}
			continue
		}

		if s.mode == ModeSequential {
			if err := s.executor.Run(ctx, runnable[0]); err != nil {
				return err
			}
			continue
		}

		eg, egCtx := errgroup.WithContext(ctx)
		for _, task := range runnable {
			eg.Go(func() error {
				return s.executor.Run(egCtx, task)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
}

// awaitReview blocks until an external reviewer resolves one suspended
// task, then applies the only legal revival transition:
// waiting_for_review -> pending (changes requested) or -> completed
// (accepted as-is).
func (s *Scheduler) awaitReview(ctx context.Context, g *TaskGraph) error {
	if s.gate == nil {
		return fmt.Errorf("tasks %v are waiting for review but no review gate is configured", g.WaitingForReview())
	}
	s.logger.Info("waiting for external review", zap.Ints("task_ids", g.WaitingForReview()))

	res, err := s.gate.Await(ctx)
	if err != nil {
		return err
	}

	task, ok := g.Get(res.TaskID)
	if !ok || task.Status != types.TaskStatusWaitingForReview {
		s.logger.Warn("review resolution for task not waiting", zap.Int("task_id", res.TaskID))
		return nil
	}

	if res.Approved {
		task.Status = types.TaskStatusCompleted
		if res.Feedback != "" {
			task.Result = res.Feedback
		}
		s.logger.Info("review accepted task", zap.Int("task_id", task.ID))
		return nil
	}

	task.Status = types.TaskStatusPending
	task.RetryHistory = append(task.RetryHistory, fmt.Sprintf("reviewer requested changes: %s", res.Feedback))
	s.logger.Info("review returned task to pending", zap.Int("task_id", task.ID))
	return nil
}
