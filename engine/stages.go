package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/iterflow/hitl"
	"github.com/BaSui01/iterflow/types"
)

func (e *Engine) execTool(ctx context.Context, exec *WorkflowExecution, stage *Stage) (any, error) {
	meta, err := e.tools.Lookup(stage.Tool)
	if err != nil {
		return nil, err
	}
	params := resolveParams(stage.Params, exec.snapshot())

	if meta.Destructive && !e.autoApprove {
		if e.approvals == nil {
			return nil, types.NewErrorf(types.ErrApprovalRejected,
				"destructive tool %s requires approval but no approval channel is configured", stage.Tool)
		}
		exec.setState(StatePaused)
		resp, err := e.approvals.Request(ctx, hitl.GateTypeToolApproval,
			fmt.Sprintf("Workflow %s wants to run %s", exec.Workflow, stage.Tool),
			fmt.Sprintf("stage %s, params %v", stage.label(), params), params)
		exec.setState(StateRunning)
		if err != nil {
			return nil, err
		}
		if !resp.Approved {
			return nil, types.NewErrorf(types.ErrApprovalRejected,
				"tool %s rejected: %s", stage.Tool, resp.Comment)
		}
	}

	res := e.tools.Execute(ctx, stage.Tool, params)
	if res.Err != nil {
		return nil, res.Err
	}

	if stage.Rollback != nil {
		// Compensation params are resolved now so later context mutations
		// cannot change what gets undone.
		exec.pushRollback(rollbackEntry{
			stage:  stage.label(),
			tool:   stage.Rollback.Tool,
			params: resolveParams(stage.Rollback.Params, exec.snapshot()),
		})
		e.logger.Debug("rollback registered",
			zap.String("stage", stage.label()),
			zap.String("tool", stage.Rollback.Tool))
	}
	return res.Output, nil
}

// execParallel fans the children out and waits for all. The result slice
// preserves declaration order regardless of completion order; a child that
// continues past its own failure contributes nil.
func (e *Engine) execParallel(ctx context.Context, exec *WorkflowExecution, stage *Stage) (any, error) {
	results := make([]any, len(stage.Stages))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, child := range stage.Stages {
		eg.Go(func() error {
			out, err := e.runStage(egCtx, exec, child)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// execSequence runs stages strictly in order; a failing child aborts the
// rest unless its own error policy absorbs the failure.
func (e *Engine) execSequence(ctx context.Context, exec *WorkflowExecution, stages []*Stage) (any, error) {
	outputs := make([]any, 0, len(stages))
	for _, child := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := e.runStage(ctx, exec, child)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (e *Engine) execConditional(ctx context.Context, exec *WorkflowExecution, stage *Stage) (any, error) {
	ok, err := evalCondition(stage.If, exec.snapshot())
	if err != nil {
		return nil, err
	}
	if ok {
		return e.execSequence(ctx, exec, stage.Then)
	}
	if len(stage.Else) > 0 {
		return e.execSequence(ctx, exec, stage.Else)
	}
	return nil, nil
}

func (e *Engine) execLoop(ctx context.Context, exec *WorkflowExecution, stage *Stage) (any, error) {
	maxIter := stage.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultLoopIterations
	}
	itemVar := stage.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := stage.IndexVar
	if indexVar == "" {
		indexVar = "index"
	}

	var outputs []any
	runBody := func(i int, item any, bindItem bool) error {
		exec.set(indexVar, i)
		if bindItem {
			exec.set(itemVar, item)
		}
		out, err := e.execSequence(ctx, exec, stage.Body)
		if err != nil {
			return err
		}
		outputs = append(outputs, out)
		return nil
	}
	defer func() {
		exec.unset(indexVar)
		exec.unset(itemVar)
	}()

	switch {
	case stage.ForEach != "":
		items, ok := asSlice(resolveValue(stage.ForEach, exec.snapshot()))
		if !ok {
			return nil, fmt.Errorf("forEach input %s is not an array", stage.ForEach)
		}
		if len(items) > maxIter {
			return nil, fmt.Errorf("forEach over %d items exceeds max iterations %d", len(items), maxIter)
		}
		for i, item := range items {
			if err := runBody(i, item, true); err != nil {
				return nil, err
			}
		}

	case stage.While != "":
		for i := 0; ; i++ {
			ok, err := evalCondition(stage.While, exec.snapshot())
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if i >= maxIter {
				return nil, fmt.Errorf("while loop exceeded max iterations %d", maxIter)
			}
			if err := runBody(i, nil, false); err != nil {
				return nil, err
			}
		}

	default:
		if stage.Count > maxIter {
			return nil, fmt.Errorf("count %d exceeds max iterations %d", stage.Count, maxIter)
		}
		for i := 0; i < stage.Count; i++ {
			if err := runBody(i, nil, false); err != nil {
				return nil, err
			}
		}
	}
	return outputs, nil
}

// execErrorHandler gives try/catch/finally semantics: a try failure binds
// context.error and runs the catch branch; finally always runs.
func (e *Engine) execErrorHandler(ctx context.Context, exec *WorkflowExecution, stage *Stage) (any, error) {
	out, err := e.execSequence(ctx, exec, stage.Try)
	if err != nil {
		exec.set("error", err.Error())
		if len(stage.Catch) > 0 {
			out, err = e.execSequence(ctx, exec, stage.Catch)
		}
	}
	if len(stage.Finally) > 0 {
		if _, ferr := e.execSequence(ctx, exec, stage.Finally); ferr != nil && err == nil {
			err = ferr
		}
	}
	return out, err
}

func (e *Engine) execTransform(exec *WorkflowExecution, stage *Stage) (any, error) {
	snap := exec.snapshot()
	input := resolveValue(stage.Input, snap)

	if stage.Operation == "custom" {
		fn, ok := e.custom[stage.Custom]
		if !ok {
			return nil, fmt.Errorf("custom function %s is not registered", stage.Custom)
		}
		return fn(input, snap)
	}

	items, ok := asSlice(input)
	if !ok {
		return nil, fmt.Errorf("transform input %s is not an array", stage.Input)
	}

	switch stage.Operation {
	case "map":
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = resolveValue(stage.Expression, itemScope(snap, item, i))
		}
		return out, nil

	case "filter":
		out := make([]any, 0, len(items))
		for i, item := range items {
			keep, err := evalCondition(stage.Condition, itemScope(snap, item, i))
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, item)
			}
		}
		return out, nil

	case "reduce":
		return reduceItems(stage.Reducer, items, stage.Initial)

	default:
		return nil, newValidationError("unknown transform operation %q", stage.Operation)
	}
}

// itemScope overlays the loop bindings on a context copy so expressions
// can reference $item and $index alongside the regular context.
func itemScope(snap map[string]any, item any, index int) map[string]any {
	scope := make(map[string]any, len(snap)+2)
	for k, v := range snap {
		scope[k] = v
	}
	scope["item"] = item
	scope["index"] = index
	return scope
}

func reduceItems(reducer string, items []any, initial any) (any, error) {
	switch reducer {
	case "count":
		return len(items), nil

	case "concat":
		var sb strings.Builder
		if initial != nil {
			fmt.Fprintf(&sb, "%v", initial)
		}
		for _, item := range items {
			fmt.Fprintf(&sb, "%v", item)
		}
		return sb.String(), nil

	case "sum", "product", "min", "max":
		nums := make([]float64, len(items))
		for i, item := range items {
			n, ok := asNumber(item)
			if !ok {
				return nil, fmt.Errorf("reducer %s: item %d is not a number", reducer, i)
			}
			nums[i] = n
		}
		switch reducer {
		case "sum":
			acc := 0.0
			if n, ok := asNumber(initial); ok {
				acc = n
			}
			for _, n := range nums {
				acc += n
			}
			return acc, nil
		case "product":
			acc := 1.0
			if n, ok := asNumber(initial); ok {
				acc = n
			}
			for _, n := range nums {
				acc *= n
			}
			return acc, nil
		case "min", "max":
			if len(nums) == 0 {
				return initial, nil
			}
			acc := nums[0]
			for _, n := range nums[1:] {
				if reducer == "min" && n < acc || reducer == "max" && n > acc {
					acc = n
				}
			}
			return acc, nil
		}
	}
	return nil, newValidationError("unknown reducer %q", reducer)
}

func (e *Engine) execMerge(exec *WorkflowExecution, stage *Stage) (any, error) {
	snap := exec.snapshot()
	inputs := make([]any, len(stage.Inputs))
	for i, path := range stage.Inputs {
		inputs[i] = resolveValue(path, snap)
	}

	switch stage.Strategy {
	case "concat":
		var out []any
		for _, in := range inputs {
			if s, ok := asSlice(in); ok {
				out = append(out, s...)
			} else if in != nil {
				out = append(out, in)
			}
		}
		return out, nil

	case "object":
		out := make(map[string]any)
		for i, in := range inputs {
			m, ok := in.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("merge input %s is not an object", stage.Inputs[i])
			}
			for k, v := range m {
				out[k] = v
			}
		}
		return out, nil

	case "custom":
		fn, ok := e.custom[stage.Custom]
		if !ok {
			return nil, fmt.Errorf("custom function %s is not registered", stage.Custom)
		}
		return fn(inputs, snap)

	default:
		return nil, newValidationError("unknown merge strategy %q", stage.Strategy)
	}
}

func (e *Engine) execSplit(exec *WorkflowExecution, stage *Stage) (any, error) {
	snap := exec.snapshot()
	items, ok := asSlice(resolveValue(stage.Input, snap))
	if !ok {
		return nil, fmt.Errorf("split input %s is not an array", stage.Input)
	}

	switch stage.Mode {
	case "chunk":
		var chunks []any
		for start := 0; start < len(items); start += stage.ChunkSize {
			end := min(start+stage.ChunkSize, len(items))
			chunks = append(chunks, append([]any(nil), items[start:end]...))
		}
		return chunks, nil

	case "condition":
		matching := make([]any, 0, len(items))
		rest := make([]any, 0, len(items))
		for i, item := range items {
			ok, err := evalCondition(stage.Condition, itemScope(snap, item, i))
			if err != nil {
				return nil, err
			}
			if ok {
				matching = append(matching, item)
			} else {
				rest = append(rest, item)
			}
		}
		return map[string]any{"matching": matching, "rest": rest}, nil

	default:
		return nil, newValidationError("unknown split mode %q", stage.Mode)
	}
}
