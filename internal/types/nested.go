package types

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	perrors "github.com/meow-stack/pipenest/internal/errors"
)

// SafetyOverride holds per-step safety limits. Zero means "inherit".
type SafetyOverride struct {
	MaxDepth       int `mapstructure:"max_depth" json:"max_depth,omitempty"`
	MaxTotalSteps  int `mapstructure:"max_total_steps" json:"max_total_steps,omitempty"`
	MemoryLimitMB  int `mapstructure:"memory_limit_mb" json:"memory_limit_mb,omitempty"`
	TimeoutSeconds int `mapstructure:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// IsZero returns true if no limit is overridden.
func (o SafetyOverride) IsZero() bool {
	return o == SafetyOverride{}
}

// NestedOptions is the `config` block of a nested pipeline step.
type NestedOptions struct {
	SafetyOverride `mapstructure:",squash"`

	InheritContext bool `mapstructure:"inherit_context"`

	// WorkspaceEnabled gives the child a scratch directory, exposed as
	// {{global_vars.workspace}} and used as the default shell workdir.
	WorkspaceEnabled bool `mapstructure:"workspace_enabled"`

	// CleanupOnError removes the workspace even when the child fails.
	CleanupOnError bool `mapstructure:"cleanup_on_error"`
}

// NestedConfig is the decoded configuration of a "pipeline" step.
type NestedConfig struct {
	// Pipeline is an inline definition. Exactly one of Pipeline and
	// PipelineFile is set.
	Pipeline *PipelineDefinition

	// PipelineFile is a path to a definition file.
	PipelineFile string

	// Inputs maps child input names to templates resolved against the parent.
	Inputs map[string]any

	// Outputs is the raw output spec list; see outputs.ParseSpecs.
	Outputs []any

	Options NestedOptions
}

// nestedOptionKeys may appear either under `config` or at the step's top level.
var nestedOptionKeys = []string{
	"inherit_context", "max_depth", "max_total_steps", "memory_limit_mb",
	"timeout_seconds", "workspace_enabled", "cleanup_on_error",
}

// DecodeNestedConfig reads the nested-pipeline keys of a step's config.
func DecodeNestedConfig(step *StepSpec) (*NestedConfig, error) {
	cfg := &NestedConfig{}

	switch p := step.Config["pipeline"].(type) {
	case nil:
	case *PipelineDefinition:
		cfg.Pipeline = p
	case PipelineDefinition:
		cfg.Pipeline = &p
	case map[string]any:
		def, err := DefinitionFromMap(p)
		if err != nil {
			return nil, perrors.ConfigInvalidValue("pipeline", step.Name, err.Error())
		}
		cfg.Pipeline = def
	default:
		return nil, perrors.ConfigInvalidValue("pipeline", p, fmt.Sprintf("expected a pipeline definition, got %T", p))
	}

	if v, ok := step.Config["pipeline_file"]; ok {
		path, isStr := v.(string)
		if !isStr {
			return nil, perrors.ConfigInvalidValue("pipeline_file", v, "must be a string")
		}
		cfg.PipelineFile = path
	}

	if cfg.Pipeline == nil && cfg.PipelineFile == "" {
		return nil, perrors.ConfigMissingField("pipeline").WithDetail("step", step.Name)
	}
	if cfg.Pipeline != nil && cfg.PipelineFile != "" {
		return nil, perrors.ConfigInvalidValue("pipeline_file", cfg.PipelineFile, "cannot be combined with an inline pipeline")
	}

	switch in := step.Config["inputs"].(type) {
	case nil:
	case map[string]any:
		cfg.Inputs = in
	case map[string]string:
		cfg.Inputs = make(map[string]any, len(in))
		for k, v := range in {
			cfg.Inputs[k] = v
		}
	default:
		return nil, perrors.ConfigInvalidValue("inputs", in, "must be a mapping")
	}

	switch out := step.Config["outputs"].(type) {
	case nil:
	case []any:
		cfg.Outputs = out
	case []string:
		for _, o := range out {
			cfg.Outputs = append(cfg.Outputs, o)
		}
	case []map[string]any:
		for _, o := range out {
			cfg.Outputs = append(cfg.Outputs, o)
		}
	default:
		return nil, perrors.ConfigInvalidValue("outputs", out, "must be a list")
	}

	opts := make(map[string]any)
	for _, key := range nestedOptionKeys {
		if v, ok := step.Config[key]; ok {
			opts[key] = v
		}
	}
	if block, ok := step.Config["config"].(map[string]any); ok {
		for k, v := range block {
			opts[k] = v
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("building config decoder: %w", err)
	}
	if err := decoder.Decode(opts); err != nil {
		return nil, perrors.ConfigInvalidValue("config", opts, err.Error()).WithDetail("step", step.Name)
	}

	return cfg, nil
}
