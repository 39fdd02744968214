// Package handlers provides the built-in step types: echo, set_vars, fail,
// sleep, shell and parallel.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cast"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/orchestrator"
	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/types"
)

// Built-in step type tags.
const (
	TypeEcho     = "echo"
	TypeSetVars  = "set_vars"
	TypeFail     = "fail"
	TypeSleep    = "sleep"
	TypeShell    = "shell"
	TypeParallel = "parallel"
)

// NestedInvoker runs a "pipeline" step. *orchestrator.Orchestrator
// implements it.
type NestedInvoker interface {
	InvokeNested(ctx context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error)
}

// RegisterBuiltins adds every built-in handler to reg. nested backs the
// parallel handler. The leaf handlers honour on_error: continue; parallel
// always propagates branch failures.
func RegisterBuiltins(reg *orchestrator.Registry, nested NestedInvoker) error {
	logger := slog.Default()
	if l, ok := nested.(interface{ Logger() *slog.Logger }); ok {
		logger = l.Logger()
	}
	builtins := map[string]orchestrator.Handler{
		TypeEcho:     ContinueOnError(orchestrator.HandlerFunc(Echo), logger),
		TypeSetVars:  ContinueOnError(orchestrator.HandlerFunc(SetVars), logger),
		TypeFail:     ContinueOnError(orchestrator.HandlerFunc(Fail), logger),
		TypeSleep:    ContinueOnError(orchestrator.HandlerFunc(Sleep), logger),
		TypeShell:    ContinueOnError(NewShell(), logger),
		TypeParallel: &Parallel{Nested: nested},
	}
	var errs []error
	for _, name := range []string{TypeEcho, TypeSetVars, TypeFail, TypeSleep, TypeShell, TypeParallel} {
		if err := reg.Register(name, builtins[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Echo returns config.message with templates resolved. With config.wrap
// the message is returned as {echo: message}.
func Echo(_ context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error) {
	raw, ok := step.Get("message")
	if !ok {
		return nil, perrors.ConfigMissingField("message").WithDetail("step", step.Name)
	}
	msg := scope.ResolveTemplate(cast.ToString(raw), ectx)

	if wrap, _ := step.Get("wrap"); cast.ToBool(wrap) {
		return map[string]any{"echo": msg}, nil
	}
	return msg, nil
}

// SetVars returns config.values with every template resolved. A value that
// is a single placeholder keeps the referenced value's type.
func SetVars(_ context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error) {
	raw, ok := step.Get("values")
	if !ok {
		return nil, perrors.ConfigMissingField("values").WithDetail("step", step.Name)
	}
	values, err := cast.ToStringMapE(raw)
	if err != nil {
		return nil, perrors.ConfigInvalidValue("values", raw, "must be a mapping")
	}
	return scope.ResolveValue(values, ectx), nil
}

// Fail always fails with config.message.
func Fail(_ context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error) {
	msg := "step failed"
	if raw, ok := step.Get("message"); ok {
		msg = scope.ResolveTemplate(cast.ToString(raw), ectx)
	}
	return nil, errors.New(msg)
}

// Sleep waits for config.duration ("250ms", "2s") or config.seconds and
// returns the slept duration. It stops early when ctx is done.
func Sleep(ctx context.Context, step *types.StepSpec, _ *scope.ExecutionContext) (any, error) {
	d, err := sleepDuration(step)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return d.String(), nil
	}
}

func sleepDuration(step *types.StepSpec) (time.Duration, error) {
	if raw, ok := step.Get("duration"); ok {
		d, err := cast.ToDurationE(raw)
		if err != nil || d < 0 {
			return 0, perrors.ConfigInvalidValue("duration", raw, "must be a non-negative duration such as \"500ms\"")
		}
		return d, nil
	}
	if raw, ok := step.Get("seconds"); ok {
		s, err := cast.ToFloat64E(raw)
		if err != nil || s < 0 {
			return 0, perrors.ConfigInvalidValue("seconds", raw, "must be a non-negative number")
		}
		return time.Duration(s * float64(time.Second)), nil
	}
	return 0, perrors.ConfigMissingField("duration").WithDetail("step", step.Name)
}

func branchField(i int, key string) string {
	return fmt.Sprintf("branches[%d].%s", i, key)
}
