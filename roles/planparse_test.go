package roles

import (
	"context"
	"testing"

	"github.com/BaSui01/iterflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan_StrictJSON(t *testing.T) {
	raw := `{"plan":[{"id":1,"description":"fetch data"},{"id":2,"description":"summarize","dependencies":[1]}]}`
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, []int{1}, plan.Tasks[1].Dependencies)
}

func TestParsePlan_FencedFallback(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"plan\":[{\"id\":1,\"description\":\"do it\"}]}\n```\nGood luck!"
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "do it", plan.Tasks[0].Description)
}

func TestParsePlan_FencedWithoutLanguageTag(t *testing.T) {
	raw := "```\n{\"plan\":[{\"id\":1,\"description\":\"x\"}]}\n```"
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	assert.Len(t, plan.Tasks, 1)
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not json at all"},
		{"empty plan", `{"plan":[]}`},
		{"zero id", `{"plan":[{"id":0,"description":"x"}]}`},
		{"duplicate id", `{"plan":[{"id":1,"description":"a"},{"id":1,"description":"b"}]}`},
		{"unknown dependency", `{"plan":[{"id":1,"description":"a","dependencies":[9]}]}`},
		{"self dependency", `{"plan":[{"id":1,"description":"a","dependencies":[1]}]}`},
		{"empty description", `{"plan":[{"id":1,"description":"  "}]}`},
		{"fenced garbage", "```json\nstill not json\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.raw)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrPlanValidation), "expected PLAN_VALIDATION, got %v", err)
		})
	}
}

func TestPlan_Subtasks(t *testing.T) {
	plan := &Plan{Tasks: []PlannedTask{
		{ID: 1, Description: "a"},
		{ID: 2, Description: "b", Dependencies: []int{1}},
	}}
	tasks := plan.Subtasks()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, types.TaskStatusPending, task.Status)
	}
	// Converted dependencies must not alias the plan's slice.
	tasks[1].Dependencies[0] = 42
	assert.Equal(t, 1, plan.Tasks[1].Dependencies[0])
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(RolePlanner, func() (any, error) {
		return plannerFunc(func() {}), nil
	}))
	assert.Error(t, r.Register(RolePlanner, func() (any, error) { return nil, nil }))

	_, err := r.ResolveWorker()
	assert.Error(t, err, "unregistered role must not resolve")

	// A factory returning the wrong type is an explicit error, not a panic.
	require.NoError(t, r.Register(RoleWorker, func() (any, error) { return 42, nil }))
	_, err = r.ResolveWorker()
	assert.Error(t, err)
}

// plannerFunc is a stub type implementing Planner for registry tests.
type plannerFunc func()

func (plannerFunc) Plan(_ context.Context, _ PlanRequest) (*Plan, error) { return nil, nil }
