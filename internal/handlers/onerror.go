package handlers

import (
	"context"
	"errors"
	"log/slog"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/orchestrator"
	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/types"
)

// ContinueOnError wraps a leaf handler so that a step with
// on_error: continue records {error: message} as its result instead of
// failing.
//
// Only the wrapped handler's own failures are recovered. Structured errors
// (safety, output, config, nested pipeline failures) and cancellation
// always propagate, and panics are not recovered here.
func ContinueOnError(h orchestrator.Handler, logger *slog.Logger) orchestrator.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return orchestrator.HandlerFunc(func(ctx context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error) {
		result, err := h.Execute(ctx, step, ectx)
		if err == nil || step.OnError != types.OnErrorContinue || !recoverable(err) {
			return result, err
		}
		logger.Warn("step failed, continuing",
			"pipeline_id", ectx.PipelineID,
			"step", step.Name,
			"error", err,
		)
		return map[string]any{"error": err.Error()}, nil
	})
}

func recoverable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var exec *perrors.ExecError
	if errors.As(err, &exec) {
		return false
	}
	code := perrors.Code(err)
	return code == "" || code == perrors.CodeHandlerFailed
}
