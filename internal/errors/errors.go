// Package errors provides structured error types for pipenest.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error codes for pipenest operations.
const (
	// Config errors
	CodeConfigMissingField  = "CONFIG_001" // Missing required field
	CodeConfigInvalidValue  = "CONFIG_002" // Invalid value type
	CodeConfigUnknownType   = "CONFIG_003" // No handler registered for step type
	CodeConfigDuplicateStep = "CONFIG_004" // Step name used twice in one pipeline

	// Safety violations
	CodeDepthExceeded       = "SAFETY_001" // Nesting depth over max_depth
	CodeCircularDependency  = "SAFETY_002" // Pipeline identity repeated in its own chain
	CodeStepCountExceeded   = "SAFETY_003" // Cumulative step count over max_total_steps
	CodeMemoryLimitExceeded = "SAFETY_004" // Sampled memory over memory_limit_mb
	CodeTimeoutExceeded     = "SAFETY_005" // Elapsed time over timeout_seconds

	// Execution errors
	CodeHandlerFailed = "EXEC_001" // Step handler returned an error
	CodeCancelled     = "EXEC_002" // Context cancelled mid-pipeline
	CodePanic         = "EXEC_003" // Unexpected panic recovered at the root

	// Output errors
	CodeOutputNotFound  = "OUTPUT_001" // Declared output path does not resolve
	CodeOutputMalformed = "OUTPUT_002" // Output spec has the wrong shape

	// IO errors
	CodeIOFileNotFound = "IO_001" // File not found
	CodeIOWriteError   = "IO_002" // Write error
	CodeIOReadError    = "IO_004" // Read error
)

// ChainSeparator joins pipeline identities in rendered chains.
const ChainSeparator = " → "

// PipeError is the structured error type for pipenest operations.
type PipeError struct {
	Code    string         `json:"code"`              // Error code (e.g., "SAFETY_002")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (pipeline, step, limits, ...)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *PipeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *PipeError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *PipeError) WithDetail(key string, value any) *PipeError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *PipeError) WithCause(err error) *PipeError {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *PipeError) MarshalJSON() ([]byte, error) {
	type alias PipeError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new PipeError.
func New(code, message string) *PipeError {
	return &PipeError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new PipeError with formatted message.
func Newf(code, format string, args ...any) *PipeError {
	return &PipeError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a PipeError.
func Wrap(code, message string, err error) *PipeError {
	return &PipeError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// --- Config Errors ---

// ConfigMissingField creates an error for a missing required field.
func ConfigMissingField(field string) *PipeError {
	return Newf(CodeConfigMissingField, "missing required field: %s", field).
		WithDetail("field", field)
}

// ConfigInvalidValue creates an error for an invalid config value.
func ConfigInvalidValue(field string, value any, reason string) *PipeError {
	return Newf(CodeConfigInvalidValue, "invalid value for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

// ConfigUnknownStepType creates an error for a step type with no handler.
func ConfigUnknownStepType(step, stepType string) *PipeError {
	return Newf(CodeConfigUnknownType, "step %s: no handler registered for type %q", step, stepType).
		WithDetail("field", "type").
		WithDetail("step", step).
		WithDetail("type", stepType)
}

// ConfigDuplicateStep creates an error for a repeated step name.
func ConfigDuplicateStep(pipeline, step string) *PipeError {
	return Newf(CodeConfigDuplicateStep, "pipeline %s: duplicate step name %q", pipeline, step).
		WithDetail("field", "name").
		WithDetail("pipeline", pipeline).
		WithDetail("step", step)
}

// --- Safety Violations ---

// DepthExceeded creates an error for exceeding the nesting depth limit.
func DepthExceeded(max, current int, chain []string) *PipeError {
	return Newf(CodeDepthExceeded, "nesting depth exceeded: max %d, current %d", max, current).
		WithDetail("max", max).
		WithDetail("current", current).
		WithDetail("chain", copyChain(chain))
}

// CircularDependency creates an error for a pipeline that revisits itself.
// The chain must already end with the repeated identity.
func CircularDependency(chain []string) *PipeError {
	return Newf(CodeCircularDependency, "circular dependency detected: %s", FormatChain(chain)).
		WithDetail("chain", copyChain(chain)).
		WithDetail("cycle", FormatChain(chain))
}

// StepCountExceeded creates an error for exceeding the cumulative step budget.
func StepCountExceeded(max, current int64) *PipeError {
	return Newf(CodeStepCountExceeded, "total step count exceeded: max %d, current %d", max, current).
		WithDetail("max", max).
		WithDetail("current", current)
}

// MemoryLimitExceeded creates an error for exceeding the sampled memory limit.
func MemoryLimitExceeded(limitMB, currentMB int64) *PipeError {
	return Newf(CodeMemoryLimitExceeded, "memory limit exceeded: limit %d MB, current %d MB", limitMB, currentMB).
		WithDetail("limit_mb", limitMB).
		WithDetail("current_mb", currentMB)
}

// TimeoutExceeded creates an error for exceeding the execution time limit.
func TimeoutExceeded(limitS, elapsedS float64) *PipeError {
	return Newf(CodeTimeoutExceeded, "execution timeout exceeded: limit %.0fs, elapsed %.1fs", limitS, elapsedS).
		WithDetail("limit_s", limitS).
		WithDetail("elapsed_s", elapsedS)
}

// IsSafetyViolation reports whether err carries one of the SAFETY_* codes.
func IsSafetyViolation(err error) bool {
	return strings.HasPrefix(Code(err), "SAFETY_")
}

// --- Execution Errors ---

// HandlerFailed creates an error for a failing step handler.
func HandlerFailed(step, stepType string, err error) *PipeError {
	return Wrap(CodeHandlerFailed, fmt.Sprintf("step %s (%s) failed", step, stepType), err).
		WithDetail("step", step).
		WithDetail("type", stepType)
}

// Cancelled creates an error for a cancelled execution.
func Cancelled(pipelineID string, err error) *PipeError {
	return Wrap(CodeCancelled, fmt.Sprintf("pipeline %s cancelled", pipelineID), err).
		WithDetail("pipeline", pipelineID)
}

// Panic creates an error for a panic recovered at the root.
func Panic(value any) *PipeError {
	return Newf(CodePanic, "unexpected panic: %v", value).
		WithDetail("panic", fmt.Sprint(value))
}

// --- Output Errors ---

// OutputNotFound creates an error for an output path that does not resolve.
func OutputNotFound(path string) *PipeError {
	return Newf(CodeOutputNotFound, "output not found: %s", path).
		WithDetail("path", path)
}

// OutputMalformed creates an error for an output spec with the wrong shape.
func OutputMalformed(spec any, reason string) *PipeError {
	return Newf(CodeOutputMalformed, "malformed output spec: %s", reason).
		WithDetail("spec", spec).
		WithDetail("reason", reason)
}

// --- IO Errors ---

// IOFileNotFound creates an error for a missing file.
func IOFileNotFound(path string) *PipeError {
	return Newf(CodeIOFileNotFound, "file not found: %s", path).
		WithDetail("path", path)
}

// IOReadError creates an error for read failures.
func IOReadError(path string, err error) *PipeError {
	return Wrap(CodeIOReadError, "failed to read file", err).
		WithDetail("path", path)
}

// IOWriteError creates an error for write failures.
func IOWriteError(path string, err error) *PipeError {
	return Wrap(CodeIOWriteError, "failed to write", err).
		WithDetail("path", path)
}

// ExecError wraps a failure with the location where it happened.
// Each recursion level adds one, so the message reads as a breadcrumb
// trail from the root down to the deepest failure.
type ExecError struct {
	PipelineID string
	StepName   string
	Depth      int
	Chain      []string
	Cause      error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	return fmt.Sprintf("pipeline %s step %s (depth %d): %v", e.PipelineID, e.StepName, e.Depth, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error {
	return e.Cause
}

// WrapStep wraps err with pipeline location context.
func WrapStep(pipelineID, stepName string, depth int, chain []string, err error) *ExecError {
	return &ExecError{
		PipelineID: pipelineID,
		StepName:   stepName,
		Depth:      depth,
		Chain:      copyChain(chain),
		Cause:      err,
	}
}

// Breadcrumbs returns the pipeline/step locations recorded along err's
// wrap chain, outermost first.
func Breadcrumbs(err error) []string {
	var crumbs []string
	for err != nil {
		var exec *ExecError
		if !errors.As(err, &exec) {
			break
		}
		crumbs = append(crumbs, exec.PipelineID+"/"+exec.StepName)
		err = exec.Cause
	}
	return crumbs
}

// Deepest returns the innermost ExecError in err's chain, or nil.
func Deepest(err error) *ExecError {
	var last *ExecError
	for err != nil {
		var exec *ExecError
		if !errors.As(err, &exec) {
			break
		}
		last = exec
		err = exec.Cause
	}
	return last
}

// FormatChain renders a pipeline chain as "a → b → c".
func FormatChain(chain []string) string {
	return strings.Join(chain, ChainSeparator)
}

func copyChain(chain []string) []string {
	return append([]string(nil), chain...)
}

// HasCode checks if an error is a PipeError with the given code.
// It handles wrapped errors by unwrapping to find a PipeError.
func HasCode(err error, code string) bool {
	var perr *PipeError
	if errors.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

// Code returns the error code if err is a PipeError, empty string otherwise.
// It handles wrapped errors by unwrapping to find a PipeError.
func Code(err error) string {
	var perr *PipeError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

// As returns the first PipeError in err's chain.
func As(err error) (*PipeError, bool) {
	var perr *PipeError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
