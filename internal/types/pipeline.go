package types

import (
	"fmt"
	"maps"
)

// StepTypePipeline is the built-in type tag for nested pipeline steps.
const StepTypePipeline = "pipeline"

// PipelineDefinition is a named, ordered list of steps plus global variables.
// It is treated as immutable once loaded.
type PipelineDefinition struct {
	Name        string         `json:"name" yaml:"name" validate:"required"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []*StepSpec    `json:"steps" yaml:"steps" validate:"required,min=1,dive,required"`
	GlobalVars  map[string]any `json:"global_vars,omitempty" yaml:"global_vars,omitempty"`

	// Source is the file the definition was loaded from; empty for inline
	// definitions.
	Source string `json:"-" yaml:"-"`
}

// StepSpec is one step of a pipeline.
// Config holds every key of the step except name, type and on_error; the
// engine only reads the nested-pipeline keys, everything else belongs to
// the handler.
type StepSpec struct {
	Name    string         `json:"name" yaml:"name" validate:"required"`
	Type    string         `json:"type" yaml:"type" validate:"required"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	OnError string         `json:"on_error,omitempty" yaml:"on_error,omitempty" validate:"omitempty,oneof=fail continue"`
}

// Policies for a step's on_error key. The engine itself always fails
// fast; handlers that support recovery read the policy.
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
)

// IsNested returns true if the step invokes a sub-pipeline.
func (s *StepSpec) IsNested() bool {
	return s.Type == StepTypePipeline
}

// Get returns a config value.
func (s *StepSpec) Get(key string) (any, bool) {
	if s.Config == nil {
		return nil, false
	}
	v, ok := s.Config[key]
	return v, ok
}

// StepNames returns the step names in declaration order.
func (p *PipelineDefinition) StepNames() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

// DefinitionFromMap builds a definition from a decoded YAML/JSON/TOML map.
func DefinitionFromMap(data map[string]any) (*PipelineDefinition, error) {
	def := &PipelineDefinition{}

	if v, ok := data["name"].(string); ok {
		def.Name = v
	}
	if v, ok := data["description"].(string); ok {
		def.Description = v
	}
	if vars, ok := data["global_vars"].(map[string]any); ok {
		def.GlobalVars = maps.Clone(vars)
	}

	// TOML decodes arrays of tables as []map[string]any, YAML as []any
	switch steps := data["steps"].(type) {
	case []map[string]any:
		for i, stepMap := range steps {
			step, err := StepFromMap(stepMap)
			if err != nil {
				return nil, fmt.Errorf("step[%d]: %w", i, err)
			}
			def.Steps = append(def.Steps, step)
		}
	case []any:
		for i, raw := range steps {
			stepMap, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("step[%d] is not a mapping", i)
			}
			step, err := StepFromMap(stepMap)
			if err != nil {
				return nil, fmt.Errorf("step[%d]: %w", i, err)
			}
			def.Steps = append(def.Steps, step)
		}
	case nil:
	default:
		return nil, fmt.Errorf("steps must be a list, got %T", steps)
	}

	return def, nil
}

// StepFromMap builds a step from a decoded map. Unknown keys land in Config.
func StepFromMap(data map[string]any) (*StepSpec, error) {
	s := &StepSpec{Config: make(map[string]any, len(data))}

	for k, v := range data {
		switch k {
		case "name":
			name, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("name must be a string, got %T", v)
			}
			s.Name = name
		case "type":
			typ, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("type must be a string, got %T", v)
			}
			s.Type = typ
		case "on_error":
			policy, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("on_error must be a string, got %T", v)
			}
			s.OnError = policy
		default:
			s.Config[k] = v
		}
	}

	return s, nil
}
