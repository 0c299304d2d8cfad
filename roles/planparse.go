package roles

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/iterflow/types"
)

// ParsePlan parses raw planner output into a validated Plan using a
// two-stage parse: a strict JSON unmarshal first, then a fenced-code-block
// extraction fallback for models that wrap JSON in markdown. Both stages
// return explicit errors; nothing is recovered by string matching.
func ParsePlan(raw string) (*Plan, error) {
	plan, strictErr := parsePlanJSON(raw)
	if strictErr == nil {
		return plan, nil
	}

	extracted, ok := extractFencedJSON(raw)
	if !ok {
		return nil, types.NewError(types.ErrPlanValidation, "planner output is not valid JSON and contains no fenced code block").WithCause(strictErr)
	}
	plan, err := parsePlanJSON(extracted)
	if err != nil {
		return nil, types.NewError(types.ErrPlanValidation, "fenced code block is not a valid plan").WithCause(err)
	}
	return plan, nil
}

func parsePlanJSON(raw string) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &plan); err != nil {
		return nil, err
	}
	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ValidatePlan checks structural plan invariants: at least one task,
// positive unique ids, and dependencies referencing ids in the same plan.
// Dependency cycles are not detected here; a cyclic plan surfaces at
// schedule time as a DependencyDeadlock.
func ValidatePlan(plan *Plan) error {
	if len(plan.Tasks) == 0 {
		return types.NewError(types.ErrPlanValidation, "plan has no tasks")
	}
	ids := make(map[int]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.ID <= 0 {
			return types.NewErrorf(types.ErrPlanValidation, "task id %d is not positive", t.ID)
		}
		if ids[t.ID] {
			return types.NewErrorf(types.ErrPlanValidation, "duplicate task id %d", t.ID)
		}
		ids[t.ID] = true
		if strings.TrimSpace(t.Description) == "" {
			return types.NewErrorf(types.ErrPlanValidation, "task %d has an empty description", t.ID)
		}
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return types.NewErrorf(types.ErrPlanValidation, "task %d depends on unknown task %d", t.ID, dep)
			}
			if dep == t.ID {
				return types.NewErrorf(types.ErrPlanValidation, "task %d depends on itself", t.ID)
			}
		}
	}
	return nil
}

// Subtasks converts the plan into fresh pending SubTasks.
func (p *Plan) Subtasks() []*types.SubTask {
	tasks := make([]*types.SubTask, len(p.Tasks))
	for i, pt := range p.Tasks {
		tasks[i] = &types.SubTask{
			ID:           pt.ID,
			Description:  pt.Description,
			Dependencies: append([]int(nil), pt.Dependencies...),
			Status:       types.TaskStatusPending,
		}
	}
	return tasks
}

// extractFencedJSON returns the body of the first ``` fenced block in s.
// A leading language tag (```json) is skipped.
func extractFencedJSON(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line when present.
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine != "" && !strings.HasPrefix(firstLine, "{") && !strings.HasPrefix(firstLine, "[") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	body := strings.TrimSpace(rest[:end])
	if body == "" {
		return "", false
	}
	return body, true
}
