package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/outputs"
	"github.com/meow-stack/pipenest/internal/types"
)

// HandlerSet reports whether a step type has a registered handler.
type HandlerSet interface {
	Has(stepType string) bool
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate returns the first configuration problem in def, or nil.
func Validate(def *types.PipelineDefinition, handlers HandlerSet) error {
	if problems := Problems(def, handlers); len(problems) > 0 {
		return problems[0]
	}
	return nil
}

// Problems returns every configuration problem in def, including inline
// nested definitions. Referenced files are not loaded; see ValidateTree.
func Problems(def *types.PipelineDefinition, handlers HandlerSet) []error {
	if def == nil {
		return []error{perrors.ConfigMissingField("pipeline")}
	}

	var problems []error
	if err := validate.Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []error{fmt.Errorf("validating %s: %w", def.Name, err)}
		}
		for _, fe := range verrs {
			problems = append(problems, fieldError(def.Name, fe))
		}
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step == nil || step.Name == "" || step.Type == "" {
			continue
		}
		if seen[step.Name] {
			problems = append(problems, perrors.ConfigDuplicateStep(def.Name, step.Name))
		}
		seen[step.Name] = true

		if handlers != nil && !handlers.Has(step.Type) {
			problems = append(problems, perrors.ConfigUnknownStepType(step.Name, step.Type))
			continue
		}

		if step.IsNested() {
			problems = append(problems, nestedProblems(def.Name, step, handlers)...)
		}
	}
	return problems
}

func nestedProblems(pipelineName string, step *types.StepSpec, handlers HandlerSet) []error {
	cfg, err := types.DecodeNestedConfig(step)
	if err != nil {
		return []error{withLocation(err, pipelineName, step.Name)}
	}

	var problems []error
	if _, err := outputs.ParseSpecs(cfg.Outputs); err != nil {
		problems = append(problems, withLocation(err, pipelineName, step.Name))
	}
	if cfg.Pipeline != nil {
		problems = append(problems, Problems(cfg.Pipeline, handlers)...)
	}
	return problems
}

// ValidateTree validates def and every pipeline file it references,
// loading each file once. Reference cycles are left to the runtime guard.
func ValidateTree(def *types.PipelineDefinition, handlers HandlerSet, loader *Loader) []error {
	visited := make(map[string]bool)
	var problems []error

	var walk func(d *types.PipelineDefinition)
	walk = func(d *types.PipelineDefinition) {
		id := Identity(d)
		if visited[id] {
			return
		}
		visited[id] = true

		problems = append(problems, Problems(d, handlers)...)

		for _, step := range d.Steps {
			if step == nil || !step.IsNested() {
				continue
			}
			cfg, err := types.DecodeNestedConfig(step)
			if err != nil {
				continue
			}
			if cfg.Pipeline != nil {
				walk(cfg.Pipeline)
				continue
			}
			child, err := loader.Load(cfg.PipelineFile, d.Source)
			if err != nil {
				problems = append(problems, withLocation(err, d.Name, step.Name))
				continue
			}
			walk(child)
		}
	}
	walk(def)
	return problems
}

func fieldError(pipelineName string, fe validator.FieldError) error {
	field := formatFieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required", "min":
		return perrors.ConfigMissingField(field).WithDetail("pipeline", pipelineName)
	case "oneof":
		return perrors.ConfigInvalidValue(field, fe.Value(), "must be one of ["+fe.Param()+"]").
			WithDetail("pipeline", pipelineName)
	default:
		return perrors.ConfigInvalidValue(field, fe.Value(), "failed validation '"+fe.Tag()+"'").
			WithDetail("pipeline", pipelineName)
	}
}

func withLocation(err error, pipelineName, stepName string) error {
	if perr, ok := perrors.As(err); ok {
		return perr.WithDetail("pipeline", pipelineName).WithDetail("step", stepName)
	}
	return fmt.Errorf("pipeline %s step %s: %w", pipelineName, stepName, err)
}

// formatFieldPath drops the root struct name from a validator namespace.
// Example: "PipelineDefinition.steps[0].type" -> "steps[0].type"
func formatFieldPath(namespace string) string {
	parts := strings.SplitN(namespace, ".", 2)
	if len(parts) < 2 {
		return namespace
	}
	return parts[1]
}
