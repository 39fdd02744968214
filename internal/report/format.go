// Package report turns execution failures and traces into text for humans:
// located error messages and the combined debug report.
package report

import (
	"fmt"
	"regexp"
	"strings"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/types"
)

// FormattedError is an error located in the pipeline tree.
type FormattedError struct {
	Message   string         `json:"message"`
	Context   ErrorContext   `json:"context"`
	DebugInfo map[string]any `json:"debug_info,omitempty"`
}

// ErrorContext says where an error happened.
type ErrorContext struct {
	PipelineID  string   `json:"pipeline_id"`
	Step        string   `json:"step,omitempty"`
	StepType    string   `json:"step_type,omitempty"`
	Depth       int      `json:"depth"`
	Chain       []string `json:"chain"`
	Breadcrumbs []string `json:"breadcrumbs,omitempty"`
}

// Location renders the context as "a → b / step (depth N)".
func (c ErrorContext) Location() string {
	loc := perrors.FormatChain(c.Chain)
	if loc == "" {
		loc = c.PipelineID
	}
	if c.Step != "" {
		loc += " / " + c.Step
	}
	return fmt.Sprintf("%s (depth %d)", loc, c.Depth)
}

// String returns the message.
func (f FormattedError) String() string {
	return f.Message
}

// FormatError locates err. The deepest recorded location wins; ectx and
// step are the fallback for errors that never passed through a pipeline
// step, such as a guard refusing the root.
func FormatError(err error, ectx *scope.ExecutionContext, step *types.StepSpec) FormattedError {
	if err == nil {
		return FormattedError{}
	}

	var loc ErrorContext
	cause := err
	if deepest := perrors.Deepest(err); deepest != nil {
		loc = ErrorContext{
			PipelineID: deepest.PipelineID,
			Step:       deepest.StepName,
			Depth:      deepest.Depth,
			Chain:      deepest.Chain,
		}
		cause = deepest.Cause
	} else if ectx != nil {
		loc = ErrorContext{
			PipelineID: ectx.PipelineID,
			Depth:      ectx.Depth,
			Chain:      ectx.Chain(),
		}
	}
	if step != nil {
		if loc.Step == "" {
			loc.Step = step.Name
		}
		if loc.Step == step.Name {
			loc.StepType = step.Type
		}
	}
	loc.Breadcrumbs = perrors.Breadcrumbs(err)

	info := map[string]any{
		"error_type": fmt.Sprintf("%T", cause),
	}
	if perr, ok := perrors.As(err); ok {
		info["code"] = perr.Code
		info["safety_violation"] = perrors.IsSafetyViolation(err)
		for k, v := range perr.Details {
			info[k] = v
		}
	}

	return FormattedError{
		Message:   fmt.Sprintf("%s at %s", cause, loc.Location()),
		Context:   loc,
		DebugInfo: info,
	}
}

var codePattern = regexp.MustCompile(`\[([A-Z]+_\d{3})\]`)

// CodeFromMessage returns the innermost error code embedded in a rendered
// error message, as stored in a span's Error field.
func CodeFromMessage(msg string) string {
	matches := codePattern.FindAllStringSubmatch(msg, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

// describe names an error code for humans.
func describe(code string) string {
	switch code {
	case perrors.CodeDepthExceeded:
		return "nesting depth exceeded"
	case perrors.CodeCircularDependency:
		return "circular dependency"
	case perrors.CodeStepCountExceeded:
		return "step budget exceeded"
	case perrors.CodeMemoryLimitExceeded:
		return "memory limit exceeded"
	case perrors.CodeTimeoutExceeded:
		return "timeout"
	case perrors.CodeHandlerFailed:
		return "step handler failed"
	case perrors.CodeCancelled:
		return "cancelled"
	case perrors.CodePanic:
		return "panic"
	case perrors.CodeOutputNotFound, perrors.CodeOutputMalformed:
		return "output extraction"
	}
	if strings.HasPrefix(code, "CONFIG_") {
		return "invalid configuration"
	}
	if strings.HasPrefix(code, "IO_") {
		return "file access"
	}
	return "error"
}
