package scheduler

import (
	"context"
	"fmt"

	"github.com/BaSui01/iterflow/hitl"
	"github.com/BaSui01/iterflow/internal/metrics"
	"github.com/BaSui01/iterflow/roles"
	"github.com/BaSui01/iterflow/tool"
	"github.com/BaSui01/iterflow/types"
	"go.uber.org/zap"
)

// MaxAttempts is the attempt budget for one subtask, reflections included.
const MaxAttempts = 3

// AttemptExecutor drives a single subtask through bounded
// attempt/retry/reflection until it reaches a terminal status or suspends
// for review.
type AttemptExecutor struct {
	worker      roles.Worker
	reflector   roles.Reflector
	tools       *tool.Executor
	approvals   *hitl.ApprovalManager
	gate        *hitl.ReviewGate
	progress    *types.ProgressLog
	autoApprove bool
	maxAttempts int
	collector   *metrics.Collector
	logger      *zap.Logger
}

// AttemptExecutorOptions configures an AttemptExecutor.
type AttemptExecutorOptions struct {
	Worker roles.Worker
	// Reflector is optional; without one, a plain failure note is recorded
	// between attempts instead of a diagnosis.
	Reflector roles.Reflector
	Tools     *tool.Executor
	// Approvals gates destructive tools; required unless AutoApprove is set.
	Approvals *hitl.ApprovalManager
	// Gate tracks tasks suspended by submit-for-review tools; required when
	// any registered tool sets SubmitsForReview.
	Gate     *hitl.ReviewGate
	Progress *types.ProgressLog
	// AutoApprove skips the destructive-tool approval gate.
	AutoApprove bool
	// MaxAttempts overrides the default attempt budget (default MaxAttempts).
	MaxAttempts int
	Collector   *metrics.Collector
	Logger      *zap.Logger
}

// NewAttemptExecutor creates an executor for one scheduling session.
func NewAttemptExecutor(opts AttemptExecutorOptions) *AttemptExecutor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = MaxAttempts
	}
	progress := opts.Progress
	if progress == nil {
		progress = &types.ProgressLog{}
	}
	return &AttemptExecutor{
		worker:      opts.Worker,
		reflector:   opts.Reflector,
		tools:       opts.Tools,
		approvals:   opts.Approvals,
		gate:        opts.Gate,
		progress:    progress,
		autoApprove: opts.AutoApprove,
		maxAttempts: maxAttempts,
		collector:   opts.Collector,
		logger:      logger.With(zap.String("component", "attempt_executor")),
	}
}

// Run executes one subtask to a terminal status (completed, failed, or
// waiting_for_review). Per-attempt errors are absorbed into the task; the
// returned error is non-nil only for cancellation or a missing review gate,
// both of which abort scheduling.
func (e *AttemptExecutor) Run(ctx context.Context, task *types.SubTask) error {
	task.Status = types.TaskStatusInProgress
	e.logger.Info("task started", zap.Int("task_id", task.ID), zap.String("description", task.Description))

	var lastErr string
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		// Cancellation is cooperative: checked before each attempt, never
		// mid-flight.
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := e.attempt(ctx, task)
		if err == nil {
			switch outcome {
			case types.TaskStatusWaitingForReview:
				if e.gate == nil {
					return fmt.Errorf("task %d submitted for review but no review gate is configured", task.ID)
				}
				task.Status = types.TaskStatusWaitingForReview
				e.gate.MarkWaiting(task.ID)
				e.progress.Append(fmt.Sprintf("task %d submitted for review: %s", task.ID, task.Description))
			default:
				task.Status = types.TaskStatusCompleted
				e.progress.Append(fmt.Sprintf("task %d completed: %s", task.ID, task.Description))
				e.collector.RecordTask(string(types.TaskStatusCompleted), attempt)
			}
			e.logger.Info("task resolved",
				zap.Int("task_id", task.ID),
				zap.String("status", string(task.Status)),
				zap.Int("attempts", attempt),
			)
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err.Error()
		task.Error = lastErr
		e.logger.Warn("attempt failed",
			zap.Int("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < e.maxAttempts {
			task.RetryHistory = append(task.RetryHistory, e.reflect(ctx, task, attempt))
		}
	}

	task.Status = types.TaskStatusFailed
	task.Error = lastErr
	e.progress.Append(fmt.Sprintf("task %d failed: %s", task.ID, lastErr))
	e.collector.RecordTask(string(types.TaskStatusFailed), e.maxAttempts)
	e.logger.Warn("task exhausted attempts", zap.Int("task_id", task.ID), zap.String("error", lastErr))
	return nil
}

// attempt runs one propose/approve/invoke cycle. On success it returns the
// terminal status the task should take.
func (e *AttemptExecutor) attempt(ctx context.Context, task *types.SubTask) (types.TaskStatus, error) {
	req, err := e.worker.Propose(ctx, task, e.progress.String(), task.RetryHistory)
	if err != nil {
		return "", fmt.Errorf("worker proposal: %w", err)
	}

	meta, err := e.tools.Lookup(req.ToolName)
	if err != nil {
		return "", err
	}

	if meta.Destructive && !e.autoApprove {
		resp, err := e.approvals.Request(ctx, hitl.GateTypeToolApproval,
			fmt.Sprintf("task %d wants to run %s", task.ID, req.ToolName),
			task.Description, req)
		if err != nil {
			return "", err
		}
		if !resp.Approved {
			return "", types.NewErrorf(types.ErrApprovalRejected, "tool %s rejected: %s", req.ToolName, resp.Comment)
		}
	}

	res := e.tools.Execute(ctx, req.ToolName, req.Args)
	if res.Err != nil {
		return "", res.Err
	}

	task.Result = fmt.Sprintf("%v", res.Output)
	if res.Metadata.SubmitsForReview {
		return types.TaskStatusWaitingForReview, nil
	}
	return types.TaskStatusCompleted, nil
}

// reflect produces the retry-history note recorded between attempts.
func (e *AttemptExecutor) reflect(ctx context.Context, task *types.SubTask, attempt int) string {
	if e.reflector == nil {
		return fmt.Sprintf("attempt %d failed: %s", attempt, task.Error)
	}
	note, err := e.reflector.Reflect(ctx, task)
	if err != nil {
		e.logger.Warn("reflection failed", zap.Int("task_id", task.ID), zap.Error(err))
		return fmt.Sprintf("attempt %d failed: %s", attempt, task.Error)
	}
	return fmt.Sprintf("attempt %d failed (%s); next: %s", attempt, note.Cause, note.NextStep)
}
