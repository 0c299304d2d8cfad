package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/iterflow/hitl"
	"github.com/BaSui01/iterflow/internal/metrics"
	"github.com/BaSui01/iterflow/tool"
	"github.com/BaSui01/iterflow/types"
)

const (
	// DefaultRetryAttempts is the attempt budget for stages declaring
	// onError: retry without their own retry count.
	DefaultRetryAttempts = 3
	// retryBaseBackoff is the first retry delay; it doubles per attempt.
	retryBaseBackoff = 100 * time.Millisecond
	// retryMaxBackoff caps the backoff growth.
	retryMaxBackoff = 10 * time.Second
)

// CustomFunc is a registered function for transform and merge stages with
// operation/strategy "custom". It receives the resolved stage input and a
// copy of the execution context.
type CustomFunc func(input any, ctx map[string]any) (any, error)

// Options configures an Engine.
type Options struct {
	Tools *tool.Executor
	// Approvals gates destructive tools; while an execution waits on an
	// approval its state is paused. Optional when AutoApprove is set.
	Approvals   *hitl.ApprovalManager
	AutoApprove bool
	// RetryAttempts overrides the default per-stage retry budget.
	RetryAttempts int
	Collector     *metrics.Collector
	Tracer        trace.Tracer
	Logger        *zap.Logger
}

// Engine executes workflow definitions. One engine serves many concurrent
// executions; per-run state lives on the WorkflowExecution.
type Engine struct {
	tools         *tool.Executor
	approvals     *hitl.ApprovalManager
	autoApprove   bool
	retryAttempts int
	custom        map[string]CustomFunc
	collector     *metrics.Collector
	tracer        trace.Tracer
	logger        *zap.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retryAttempts := opts.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = DefaultRetryAttempts
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("iterflow/engine")
	}
	return &Engine{
		tools:         opts.Tools,
		approvals:     opts.Approvals,
		autoApprove:   opts.AutoApprove,
		retryAttempts: retryAttempts,
		custom:        make(map[string]CustomFunc),
		collector:     opts.Collector,
		tracer:        tracer,
		logger:        logger.With(zap.String("component", "workflow_engine")),
	}
}

// RegisterCustom binds a named function for custom transform and merge
// stages. Registering a name twice returns an error.
func (e *Engine) RegisterCustom(name string, fn CustomFunc) error {
	if _, exists := e.custom[name]; exists {
		return fmt.Errorf("custom function %s already registered", name)
	}
	e.custom[name] = fn
	return nil
}

// Execute validates and runs a workflow. The returned execution carries
// the final state, per-stage results, and the context map; on failure it
// is returned alongside the error so callers can inspect what ran.
func (e *Engine) Execute(ctx context.Context, def *WorkflowDefinition, initial map[string]any) (*WorkflowExecution, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	exec := newExecution(def, initial)
	exec.State = StateRunning
	exec.StartedAt = time.Now()

	ctx, span := e.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(
			attribute.String("workflow", def.Name),
			attribute.String("execution_id", exec.ID)))
	defer span.End()

	logger := e.logger.With(zap.String("workflow", def.Name), zap.String("execution_id", exec.ID))
	logger.Info("workflow started", zap.Int("stages", len(def.Stages)))

	for i, stage := range def.Stages {
		// Cancellation is cooperative: checked between stages, never
		// mid-flight.
		if err := ctx.Err(); err != nil {
			exec.State = StateCancelled
			exec.Error = err.Error()
			exec.FinishedAt = time.Now()
			return exec, err
		}
		exec.CurrentStageIndex = i

		if _, err := e.runStage(ctx, exec, stage); err != nil {
			exec.Error = err.Error()
			exec.State = StateFailed
			logger.Error("workflow failed", zap.String("stage", stage.label()), zap.Error(err))
			if e.rollback(ctx, exec, logger) {
				exec.State = StateRolledBack
			}
			exec.FinishedAt = time.Now()
			return exec, err
		}
	}

	exec.State = StateCompleted
	exec.FinishedAt = time.Now()
	logger.Info("workflow completed", zap.Duration("elapsed", exec.FinishedAt.Sub(exec.StartedAt)))
	return exec, nil
}

// runStage executes one stage with its error policy applied: retry with
// backoff, continue past the failure, or propagate. The returned value is
// the stage output, which composite stages collect.
func (e *Engine) runStage(ctx context.Context, exec *WorkflowExecution, stage *Stage) (any, error) {
	start := time.Now()
	output, err := e.attemptStage(ctx, exec, stage)

	if err != nil && stage.OnError == ErrorRetry {
		attempts := stage.Retry
		if attempts <= 0 {
			attempts = e.retryAttempts
		}
		for attempt := 2; attempt <= attempts && err != nil; attempt++ {
			delay := retryBackoff(attempt)
			e.logger.Warn("stage retrying",
				zap.String("stage", stage.label()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			output, err = e.attemptStage(ctx, exec, stage)
		}
	}

	duration := time.Since(start)
	res := StageResult{Stage: stage.label(), Type: stage.Type, Output: output, Duration: duration}
	if err != nil {
		res.Error = err.Error()
	}
	exec.record(res)
	e.collector.RecordStage(string(stage.Type), stageOutcome(err), duration)

	if err != nil {
		if stage.OnError == ErrorContinue {
			e.logger.Warn("stage failed, continuing",
				zap.String("stage", stage.label()), zap.Error(err))
			return nil, nil
		}
		if types.IsCode(err, types.ErrStageExecution) {
			return nil, err
		}
		return nil, newStageError(stage.label(), err)
	}

	if stage.Output != "" {
		exec.set(stage.Output, output)
	}
	return output, nil
}

// attemptStage dispatches on the stage type. Composite stages run their
// children through runStage so nested error policies apply.
func (e *Engine) attemptStage(ctx context.Context, exec *WorkflowExecution, stage *Stage) (any, error) {
	switch stage.Type {
	case StageTool:
		return e.execTool(ctx, exec, stage)
	case StageParallel:
		return e.execParallel(ctx, exec, stage)
	case StageSequence:
		return e.execSequence(ctx, exec, stage.Stages)
	case StageConditional:
		return e.execConditional(ctx, exec, stage)
	case StageLoop:
		return e.execLoop(ctx, exec, stage)
	case StageErrorHandler:
		return e.execErrorHandler(ctx, exec, stage)
	case StageTransform:
		return e.execTransform(exec, stage)
	case StageMerge:
		return e.execMerge(exec, stage)
	case StageSplit:
		return e.execSplit(exec, stage)
	default:
		return nil, newValidationError("unknown stage type %q", stage.Type)
	}
}

// rollback pops the compensation stack in LIFO order, invoking each
// registered tool best-effort: a failing step is recorded and logged, and
// the remaining steps still run. Reports whether any step was attempted.
func (e *Engine) rollback(ctx context.Context, exec *WorkflowExecution, logger *zap.Logger) bool {
	// Rollback must run even when the failure was a cancellation.
	ctx = context.WithoutCancel(ctx)

	attempted := false
	for {
		entry, ok := exec.popRollback()
		if !ok {
			return attempted
		}
		attempted = true

		res := e.tools.Execute(ctx, entry.tool, entry.params)
		result := RollbackResult{Stage: entry.stage, Tool: entry.tool}
		if res.Err != nil {
			result.Error = res.Err.Error()
			logger.Warn("rollback step failed",
				zap.String("stage", entry.stage),
				zap.String("tool", entry.tool),
				zap.Error(res.Err))
			e.collector.RecordRollbackStep("failed")
		} else {
			logger.Info("rollback step completed",
				zap.String("stage", entry.stage),
				zap.String("tool", entry.tool))
			e.collector.RecordRollbackStep("completed")
		}
		exec.Rollbacks = append(exec.Rollbacks, result)
	}
}

func stageOutcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

// retryBackoff doubles from the base delay per attempt, capped at
// retryMaxBackoff.
func retryBackoff(attempt int) time.Duration {
	delay := retryBaseBackoff
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxBackoff {
			return retryMaxBackoff
		}
	}
	if delay > retryMaxBackoff {
		return retryMaxBackoff
	}
	return delay
}
