package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/iterflow/hitl"
	"github.com/BaSui01/iterflow/tool"
	"github.com/BaSui01/iterflow/types"
)

// testTools tracks invocations so tests can assert on call counts.
type testTools struct {
	registry *tool.Registry
	mu       sync.Mutex
	calls    map[string]int
}

func newTestTools(t *testing.T) *testTools {
	t.Helper()
	tt := &testTools{
		registry: tool.NewRegistry(zap.NewNop()),
		calls:    make(map[string]int),
	}

	register := func(name string, fn tool.Func, meta tool.Metadata) {
		wrapped := func(ctx context.Context, args map[string]any) (any, error) {
			tt.mu.Lock()
			tt.calls[name]++
			tt.mu.Unlock()
			return fn(ctx, args)
		}
		require.NoError(t, tt.registry.Register(name, wrapped, meta))
	}

	register("echo", func(_ context.Context, args map[string]any) (any, error) {
		return args["value"], nil
	}, tool.Metadata{Description: "returns its value argument"})

	register("fail", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errors.New("tool exploded")
	}, tool.Metadata{Description: "always fails"})

	register("undo", func(_ context.Context, _ map[string]any) (any, error) {
		return "undone", nil
	}, tool.Metadata{Description: "compensating action"})

	register("drop_table", func(_ context.Context, _ map[string]any) (any, error) {
		return "dropped", nil
	}, tool.Metadata{Description: "destructive", Destructive: true})

	return tt
}

func (tt *testTools) count(name string) int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.calls[name]
}

func (tt *testTools) executor() *tool.Executor {
	return tool.NewExecutor(tt.registry, nil, zap.NewNop())
}

func newTestEngine(t *testing.T, tt *testTools) *Engine {
	t.Helper()
	return NewEngine(Options{Tools: tt.executor(), AutoApprove: true})
}

func TestEngine_ToolPipeline(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: pipeline
stages:
  - tool: echo
    params:
      value: hello
    output: greeting
  - tool: echo
    params:
      value: $greeting
    output: copied
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, exec.State)
	assert.Equal(t, "hello", exec.Context()["copied"])
	require.Len(t, exec.Results, 2)
	assert.Equal(t, "hello", exec.Results[1].Output)
}

func TestEngine_ParallelPreservesDeclarationOrder(t *testing.T) {
	tt := newTestTools(t)
	require.NoError(t, tt.registry.Register("slow_echo", func(ctx context.Context, args map[string]any) (any, error) {
		d, _ := args["delay"].(int)
		select {
		case <-time.After(time.Duration(d) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return args["value"], nil
	}, tool.Metadata{Description: "echo after a delay"}))
	e := newTestEngine(t, tt)

	// The first branch finishes last; the result slice must still follow
	// declaration order.
	def, err := Parse([]byte(`
name: fanout
stages:
  - type: parallel
    output: results
    stages:
      - tool: slow_echo
        params: {value: a, delay: 60}
      - tool: slow_echo
        params: {value: b, delay: 20}
      - tool: slow_echo
        params: {value: c, delay: 0}
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, exec.Context()["results"])
}

func TestEngine_RollbackRunsOncePerRegisteredStep(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: provisioning
stages:
  - tool: echo
    params: {value: ok}
  - tool: echo
    params: {value: created}
    rollback:
      tool: undo
      params: {target: created}
  - tool: fail
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrStageExecution))
	assert.Equal(t, StateRolledBack, exec.State)
	assert.Equal(t, 1, tt.count("undo"))
	require.Len(t, exec.Rollbacks, 1)
	assert.Equal(t, "undo", exec.Rollbacks[0].Tool)
	assert.Empty(t, exec.Rollbacks[0].Error)
	assert.Equal(t, 0, exec.PendingRollbacks())
}

func TestEngine_RollbackStepFailureDoesNotAbortRemaining(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: provisioning
stages:
  - tool: echo
    params: {value: first}
    rollback:
      tool: undo
  - tool: echo
    params: {value: second}
    rollback:
      tool: fail
  - tool: fail
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, StateRolledBack, exec.State)
	// LIFO: the failing compensation runs first, then the earlier one.
	require.Len(t, exec.Rollbacks, 2)
	assert.Equal(t, "fail", exec.Rollbacks[0].Tool)
	assert.NotEmpty(t, exec.Rollbacks[0].Error)
	assert.Equal(t, "undo", exec.Rollbacks[1].Tool)
	assert.Equal(t, 1, tt.count("undo"))
}

func TestEngine_WhileLoopHitsIterationBound(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: spinner
stages:
  - type: loop
    while: "true"
    body:
      - tool: echo
        params: {value: spin}
`))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), def, nil)
	require.ErrorContains(t, err, "exceeded max iterations 100")
	assert.Equal(t, DefaultLoopIterations, tt.count("echo"))
}

func TestEngine_ForEachBindsItemAndIndex(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: batcher
stages:
  - type: loop
    forEach: $names
    output: passes
    body:
      - tool: echo
        params: {value: $item}
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, map[string]any{
		"names": []any{"ann", "bo"},
	})
	require.NoError(t, err)
	// One output slice per pass, each holding the body's stage outputs.
	assert.Equal(t, []any{[]any{"ann"}, []any{"bo"}}, exec.Context()["passes"])
	// Loop bindings do not leak past the loop.
	assert.NotContains(t, exec.Context(), "item")
	assert.NotContains(t, exec.Context(), "index")
}

func TestEngine_ConditionalBranches(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: gate
stages:
  - type: conditional
    if: "$count > 5"
    then:
      - tool: echo
        params: {value: big}
        output: verdict
    else:
      - tool: echo
        params: {value: small}
        output: verdict
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, map[string]any{"count": 9})
	require.NoError(t, err)
	assert.Equal(t, "big", exec.Context()["verdict"])

	exec, err = e.Execute(context.Background(), def, map[string]any{"count": 2})
	require.NoError(t, err)
	assert.Equal(t, "small", exec.Context()["verdict"])
}

func TestEngine_ErrorHandlerCatchAndFinally(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: guarded
stages:
  - type: error_handler
    try:
      - tool: fail
    catch:
      - tool: echo
        params: {value: $error}
        output: recovered
    finally:
      - tool: echo
        params: {value: cleanup}
        output: cleaned
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, exec.State)
	assert.Contains(t, exec.Context()["recovered"], "tool exploded")
	assert.Equal(t, "cleanup", exec.Context()["cleaned"])
}

func TestEngine_RetryPolicyEventuallySucceeds(t *testing.T) {
	tt := newTestTools(t)
	var attempts atomic.Int32
	require.NoError(t, tt.registry.Register("flaky", func(_ context.Context, _ map[string]any) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "finally", nil
	}, tool.Metadata{Description: "fails twice then succeeds"}))
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: retries
stages:
  - tool: flaky
    onError: retry
    retry: 3
    output: result
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, "finally", exec.Context()["result"])
	assert.Equal(t, int32(3), attempts.Load())
}

func TestEngine_ContinuePolicySkipsFailure(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: tolerant
stages:
  - tool: fail
    onError: continue
  - tool: echo
    params: {value: reached}
    output: after
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, exec.State)
	assert.Equal(t, "reached", exec.Context()["after"])
	assert.NotEmpty(t, exec.Results[0].Error)
}

func TestEngine_TransformStages(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: shaping
stages:
  - type: transform
    operation: map
    input: $orders
    expression: $item.total
    output: totals
  - type: transform
    operation: filter
    input: $totals
    condition: "$item >= 50"
    output: large
  - type: transform
    operation: reduce
    input: $large
    reducer: sum
    output: revenue
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, map[string]any{
		"orders": []any{
			map[string]any{"total": 30},
			map[string]any{"total": 70},
			map[string]any{"total": 50},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{30, 70, 50}, exec.Context()["totals"])
	assert.Equal(t, []any{70, 50}, exec.Context()["large"])
	assert.Equal(t, 120.0, exec.Context()["revenue"])
}

func TestEngine_CustomTransform(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)
	require.NoError(t, e.RegisterCustom("double_all", func(input any, _ map[string]any) (any, error) {
		items := input.([]any)
		out := make([]any, len(items))
		for i, v := range items {
			out[i] = v.(int) * 2
		}
		return out, nil
	}))
	require.Error(t, e.RegisterCustom("double_all", nil))

	def, err := Parse([]byte(`
name: custom
stages:
  - type: transform
    operation: custom
    custom: double_all
    input: $nums
    output: doubled
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, map[string]any{"nums": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []any{2, 4, 6}, exec.Context()["doubled"])
}

func TestEngine_MergeStages(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: merging
stages:
  - type: merge
    strategy: concat
    inputs: [$xs, $ys]
    output: flat
  - type: merge
    strategy: object
    inputs: [$base, $override]
    output: combined
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, map[string]any{
		"xs":       []any{1, 2},
		"ys":       []any{3},
		"base":     map[string]any{"a": 1, "b": 1},
		"override": map[string]any{"b": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, exec.Context()["flat"])
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, exec.Context()["combined"])
}

func TestEngine_SplitStages(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte(`
name: splitting
stages:
  - type: split
    mode: chunk
    chunkSize: 2
    input: $nums
    output: chunks
  - type: split
    mode: condition
    condition: "$item > 2"
    input: $nums
    output: parts
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, map[string]any{
		"nums": []any{1, 2, 3, 4, 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{1, 2}, []any{3, 4}, []any{5}}, exec.Context()["chunks"])
	assert.Equal(t, map[string]any{
		"matching": []any{3, 4, 5},
		"rest":     []any{1, 2},
	}, exec.Context()["parts"])
}

func TestEngine_CancelledContext(t *testing.T) {
	tt := newTestTools(t)
	e := newTestEngine(t, tt)

	def, err := Parse([]byte("name: w\nstages:\n  - tool: echo\n    params: {value: x}\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec, err := e.Execute(ctx, def, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, exec.State)
	assert.Equal(t, 0, tt.count("echo"))
}

func TestEngine_DestructiveToolApproval(t *testing.T) {
	tt := newTestTools(t)
	approvals := hitl.NewApprovalManager(time.Second, zap.NewNop())
	approvals.OnRequest(func(req *hitl.Request) {
		_ = approvals.Resolve(req.ID, &hitl.Response{Approved: true})
	})
	e := NewEngine(Options{Tools: tt.executor(), Approvals: approvals})

	def, err := Parse([]byte("name: w\nstages:\n  - tool: drop_table\n    output: out\n"))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, "dropped", exec.Context()["out"])
}

func TestEngine_DestructiveToolRejection(t *testing.T) {
	tt := newTestTools(t)
	approvals := hitl.NewApprovalManager(time.Second, zap.NewNop())
	approvals.OnRequest(func(req *hitl.Request) {
		_ = approvals.Resolve(req.ID, &hitl.Response{Approved: false, Comment: "too risky"})
	})
	e := NewEngine(Options{Tools: tt.executor(), Approvals: approvals})

	def, err := Parse([]byte("name: w\nstages:\n  - tool: drop_table\n"))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, 0, tt.count("drop_table"))
}

// Two destructive siblings of a parallel stage pause and resume from their
// own goroutines; the state transitions must not race.
func TestEngine_ParallelDestructiveToolApprovals(t *testing.T) {
	tt := newTestTools(t)
	approvals := hitl.NewApprovalManager(time.Second, zap.NewNop())
	approvals.OnRequest(func(req *hitl.Request) {
		_ = approvals.Resolve(req.ID, &hitl.Response{Approved: true})
	})
	e := NewEngine(Options{Tools: tt.executor(), Approvals: approvals})

	def, err := Parse([]byte(`
name: w
stages:
  - type: parallel
    stages:
      - tool: drop_table
      - tool: drop_table
`))
	require.NoError(t, err)

	exec, err := e.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, exec.State)
	assert.Equal(t, 2, tt.count("drop_table"))
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, retryBackoff(2))
	assert.Equal(t, 200*time.Millisecond, retryBackoff(3))
	assert.Equal(t, 400*time.Millisecond, retryBackoff(4))
	assert.Equal(t, 10*time.Second, retryBackoff(20))
}
