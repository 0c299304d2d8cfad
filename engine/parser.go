package engine

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/iterflow/types"
)

// ParseFile reads and parses a workflow definition from disk.
func ParseFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML workflow document, normalizes bare-tool stages, and
// validates the result. Everything a definition can get wrong is reported
// here, before execution starts.
func Parse(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewErrorf(types.ErrWorkflowValidation, "parse workflow YAML").WithCause(err)
	}
	normalizeStages(def.Stages)
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// normalizeStages infers the tool type for stages written with a bare
// `tool` key and no explicit type, recursively.
func normalizeStages(stages []*Stage) {
	for _, s := range stages {
		if s == nil {
			continue
		}
		if s.Type == "" && s.Tool != "" {
			s.Type = StageTool
		}
		for _, group := range [][]*Stage{s.Stages, s.Then, s.Else, s.Body, s.Try, s.Catch, s.Finally} {
			normalizeStages(group)
		}
	}
}

// Validate checks a definition for structural errors. All problems are
// collected and reported together as one WORKFLOW_VALIDATION error.
func Validate(def *WorkflowDefinition) error {
	var problems []string
	if def.Name == "" {
		problems = append(problems, "workflow name is required")
	}
	if len(def.Stages) == 0 {
		problems = append(problems, "workflow has no stages")
	}
	for i, s := range def.Stages {
		problems = append(problems, validateStage(fmt.Sprintf("stages[%d]", i), s)...)
	}
	if len(problems) > 0 {
		return newValidationError("invalid workflow %q: %s", def.Name, strings.Join(problems, "; "))
	}
	return nil
}

func validateStage(path string, s *Stage) []string {
	if s == nil {
		return []string{path + ": stage is null"}
	}

	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, path+": "+fmt.Sprintf(format, args...))
	}
	children := func(name string, group []*Stage) {
		for i, child := range group {
			problems = append(problems, validateStage(fmt.Sprintf("%s.%s[%d]", path, name, i), child)...)
		}
	}

	switch s.Type {
	case StageTool:
		if s.Tool == "" {
			bad("tool stage needs a tool name")
		}
		if s.Rollback != nil && s.Rollback.Tool == "" {
			bad("rollback needs a tool name")
		}
	case StageParallel, StageSequence:
		if len(s.Stages) == 0 {
			bad("%s stage needs child stages", s.Type)
		}
		children("stages", s.Stages)
	case StageConditional:
		if s.If == "" {
			bad("conditional stage needs an if condition")
		}
		if len(s.Then) == 0 {
			bad("conditional stage needs a then branch")
		}
		children("then", s.Then)
		children("else", s.Else)
	case StageLoop:
		kinds := 0
		if s.ForEach != "" {
			kinds++
		}
		if s.While != "" {
			kinds++
		}
		if s.Count > 0 {
			kinds++
		}
		if kinds != 1 {
			bad("loop stage needs exactly one of forEach, while, or count")
		}
		if len(s.Body) == 0 {
			bad("loop stage needs a body")
		}
		children("body", s.Body)
	case StageErrorHandler:
		if len(s.Try) == 0 {
			bad("error_handler stage needs a try block")
		}
		children("try", s.Try)
		children("catch", s.Catch)
		children("finally", s.Finally)
	case StageTransform:
		switch s.Operation {
		case "map":
			if s.Expression == "" {
				bad("map transform needs an expression")
			}
		case "filter":
			if s.Condition == "" {
				bad("filter transform needs a condition")
			}
		case "reduce":
			switch s.Reducer {
			case "sum", "product", "concat", "count", "min", "max":
			default:
				bad("unknown reducer %q", s.Reducer)
			}
		case "custom":
			if s.Custom == "" {
				bad("custom transform needs a function name")
			}
		default:
			bad("unknown transform operation %q", s.Operation)
		}
		if s.Input == "" {
			bad("transform stage needs an input path")
		}
	case StageMerge:
		switch s.Strategy {
		case "concat", "object":
		case "custom":
			if s.Custom == "" {
				bad("custom merge needs a function name")
			}
		default:
			bad("unknown merge strategy %q", s.Strategy)
		}
		if len(s.Inputs) == 0 {
			bad("merge stage needs inputs")
		}
	case StageSplit:
		switch s.Mode {
		case "chunk":
			if s.ChunkSize <= 0 {
				bad("chunk split needs a positive chunkSize")
			}
		case "condition":
			if s.Condition == "" {
				bad("condition split needs a condition")
			}
		default:
			bad("unknown split mode %q", s.Mode)
		}
		if s.Input == "" {
			bad("split stage needs an input path")
		}
	default:
		bad("unknown stage type %q", s.Type)
	}

	switch s.OnError {
	case "", ErrorContinue, ErrorRetry:
	default:
		bad("unknown onError policy %q", s.OnError)
	}
	return problems
}
