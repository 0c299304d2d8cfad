package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/iterflow/hitl"
	"github.com/BaSui01/iterflow/roles"
	"github.com/BaSui01/iterflow/tool"
	"github.com/BaSui01/iterflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubWorker proposes a fixed tool for every task, or per-task overrides.
type stubWorker struct {
	defaultTool string
	perTask     map[int]string
}

func (w *stubWorker) Propose(_ context.Context, task *types.SubTask, _ string, _ []string) (*roles.ToolRequest, error) {
	name := w.defaultTool
	if t, ok := w.perTask[task.ID]; ok {
		name = t
	}
	return &roles.ToolRequest{ToolName: name, Args: map[string]any{"task": task.ID}}, nil
}

// stubReflector returns a canned diagnosis.
type stubReflector struct {
	calls int
	mu    sync.Mutex
}

func (r *stubReflector) Reflect(_ context.Context, task *types.SubTask) (*roles.ReflectionNote, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return &roles.ReflectionNote{Cause: "bad arguments", NextStep: "try simpler input"}, nil
}

func newSchedulerFixture(t *testing.T, mode Mode, worker roles.Worker, reflector roles.Reflector) (*Scheduler, *hitl.ReviewGate, *types.ProgressLog) {
	t.Helper()
	reg := tool.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register("ok", func(_ context.Context, args map[string]any) (any, error) {
		return "done", nil
	}, tool.Metadata{}))
	require.NoError(t, reg.Register("fail", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errSimulatedTool
	}, tool.Metadata{}))
	require.NoError(t, reg.Register("submit", func(_ context.Context, _ map[string]any) (any, error) {
		return "submitted", nil
	}, tool.Metadata{SubmitsForReview: true}))

	gate := hitl.NewReviewGate(zap.NewNop())
	progress := &types.ProgressLog{}
	exec := NewAttemptExecutor(AttemptExecutorOptions{
		Worker:      worker,
		Reflector:   reflector,
		Tools:       tool.NewExecutor(reg, nil, zap.NewNop()),
		Gate:        gate,
		Progress:    progress,
		AutoApprove: true,
	})
	return NewScheduler(exec, gate, mode, zap.NewNop()), gate, progress
}

var errSimulatedTool = types.NewError(types.ErrToolExecution, "simulated tool failure")

func TestScheduler_SequentialCompletes(t *testing.T) {
	s, _, progress := newSchedulerFixture(t, ModeSequential, &stubWorker{defaultTool: "ok"}, nil)
	g, _ := NewTaskGraph([]*types.SubTask{
		task(1, types.TaskStatusPending),
		task(2, types.TaskStatusPending, 1),
		task(3, types.TaskStatusPending, 1, 2),
	})

	require.NoError(t, s.Run(context.Background(), g))
	assert.True(t, g.AllDone())
	for _, st := range g.Tasks() {
		assert.Equal(t, types.TaskStatusCompleted, st.Status)
	}
	assert.Len(t, progress.Lines(), 3)
}

func TestScheduler_ConcurrentCompletes(t *testing.T) {
	s, _, _ := newSchedulerFixture(t, ModeConcurrent, &stubWorker{defaultTool: "ok"}, nil)
	g, _ := NewTaskGraph([]*types.SubTask{
		task(1, types.TaskStatusPending),
		task(2, types.TaskStatusPending),
		task(3, types.TaskStatusPending),
		task(4, types.TaskStatusPending, 1, 2, 3),
	})

	require.NoError(t, s.Run(context.Background(), g))
	assert.True(t, g.AllDone())
}

// Plan {1:[], 2:[1], 3:[4]} with dependency 4 absent must raise a
// DependencyDeadlock listing task 3 rather than hang.
func TestScheduler_DependencyDeadlock(t *testing.T) {
	s, _, _ := newSchedulerFixture(t, ModeSequential, &stubWorker{defaultTool: "ok"}, nil)
	g, _ := NewTaskGraph([]*types.SubTask{
		task(1, types.TaskStatusPending),
		task(2, types.TaskStatusPending, 1),
		task(3, types.TaskStatusPending, 4),
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), g) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrDependencyDeadlock))
		assert.Contains(t, err.Error(), "task 3 blocked on [4]")
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler hung instead of reporting deadlock")
	}
}

// A cyclic plan is not rejected upfront; it surfaces as a deadlock at
// schedule time.
func TestScheduler_CyclicPlanDeadlocks(t *testing.T) {
	s, _, _ := newSchedulerFixture(t, ModeSequential, &stubWorker{defaultTool: "ok"}, nil)
	g, _ := NewTaskGraph([]*types.SubTask{
		task(1, types.TaskStatusPending, 2),
		task(2, types.TaskStatusPending, 1),
	})
	err := s.Run(context.Background(), g)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDependencyDeadlock))
}

func TestAttemptExecutor_FailsAfterThreeAttempts(t *testing.T) {
	reflector := &stubReflector{}
	s, _, _ := newSchedulerFixture(t, ModeSequential, &stubWorker{defaultTool: "fail"}, reflector)
	g, _ := NewTaskGraph([]*types.SubTask{task(1, types.TaskStatusPending)})

	require.NoError(t, s.Run(context.Background(), g))

	failed, _ := g.Get(1)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
	assert.Len(t, failed.RetryHistory, 2, "one reflection per retried attempt")
	assert.Equal(t, 2, reflector.calls)
	assert.Contains(t, failed.Error, "simulated tool failure")
}

func TestAttemptExecutor_NoReflectorStillRecordsHistory(t *testing.T) {
	s, _, _ := newSchedulerFixture(t, ModeSequential, &stubWorker{defaultTool: "fail"}, nil)
	g, _ := NewTaskGraph([]*types.SubTask{task(1, types.TaskStatusPending)})

	require.NoError(t, s.Run(context.Background(), g))
	failed, _ := g.Get(1)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
	assert.Len(t, failed.RetryHistory, 2)
}

func TestScheduler_ReviewResumesTask(t *testing.T) {
	s, gate, _ := newSchedulerFixture(t, ModeSequential,
		&stubWorker{defaultTool: "ok", perTask: map[int]string{1: "submit"}}, nil)
	g, _ := NewTaskGraph([]*types.SubTask{
		task(1, types.TaskStatusPending),
		task(2, types.TaskStatusPending, 1),
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), g) }()

	// Wait for task 1 to suspend, then accept it.
	require.Eventually(t, func() bool {
		return len(gate.Waiting()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, gate.Resolve(hitl.ReviewResolution{TaskID: 1, Approved: true, Feedback: "accepted"}))

	require.NoError(t, <-done)
	first, _ := g.Get(1)
	second, _ := g.Get(2)
	assert.Equal(t, types.TaskStatusCompleted, first.Status)
	assert.Equal(t, "accepted", first.Result)
	assert.Equal(t, types.TaskStatusCompleted, second.Status)
}

func TestScheduler_ReviewChangesRequested(t *testing.T) {
	worker := &stubWorker{defaultTool: "ok", perTask: map[int]string{1: "submit"}}
	s, gate, _ := newSchedulerFixture(t, ModeSequential, worker, nil)
	g, _ := NewTaskGraph([]*types.SubTask{task(1, types.TaskStatusPending)})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), g) }()

	require.Eventually(t, func() bool {
		return len(gate.Waiting()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// Reviewer asks for changes; re-route the retry to a plain tool so the
	// second pass completes.
	worker.perTask[1] = "ok"
	require.NoError(t, gate.Resolve(hitl.ReviewResolution{TaskID: 1, Approved: false, Feedback: "tighten the summary"}))

	require.NoError(t, <-done)
	first, _ := g.Get(1)
	assert.Equal(t, types.TaskStatusCompleted, first.Status)
	require.NotEmpty(t, first.RetryHistory)
	assert.Contains(t, first.RetryHistory[0], "tighten the summary")
}

// A submit-for-review tool without a configured gate must abort scheduling
// with a clear error instead of panicking.
func TestScheduler_SubmitWithoutGateFails(t *testing.T) {
	reg := tool.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register("submit", func(_ context.Context, _ map[string]any) (any, error) {
		return "submitted", nil
	}, tool.Metadata{SubmitsForReview: true}))

	exec := NewAttemptExecutor(AttemptExecutorOptions{
		Worker:      &stubWorker{defaultTool: "submit"},
		Tools:       tool.NewExecutor(reg, nil, zap.NewNop()),
		AutoApprove: true,
	})
	s := NewScheduler(exec, nil, ModeSequential, zap.NewNop())
	g, _ := NewTaskGraph([]*types.SubTask{task(1, types.TaskStatusPending)})

	err := s.Run(context.Background(), g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no review gate")
}

func TestScheduler_WaitingTaskWithoutGateFails(t *testing.T) {
	exec := NewAttemptExecutor(AttemptExecutorOptions{
		Worker:      &stubWorker{defaultTool: "ok"},
		AutoApprove: true,
	})
	s := NewScheduler(exec, nil, ModeSequential, zap.NewNop())
	g, _ := NewTaskGraph([]*types.SubTask{task(1, types.TaskStatusWaitingForReview)})

	err := s.Run(context.Background(), g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no review gate")
}

func TestScheduler_Cancellation(t *testing.T) {
	s, _, _ := newSchedulerFixture(t, ModeSequential, &stubWorker{defaultTool: "submit"}, nil)
	g, _ := NewTaskGraph([]*types.SubTask{
		task(1, types.TaskStatusPending),
		task(2, types.TaskStatusPending, 1),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, g) }()

	// Task 1 suspends for review; cancel while the scheduler waits.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not observe cancellation")
	}
}
