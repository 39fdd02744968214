package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/outputs"
	"github.com/meow-stack/pipenest/internal/pipeline"
	"github.com/meow-stack/pipenest/internal/safety"
	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/types"
)

// InvokeNested is the handler for "pipeline" steps. It resolves the child
// definition, admits it through the safety guard, runs it with a fresh
// execution context and returns either the child's full results or the
// declared outputs.
//
// It must be called with a context that came from a running step.
func (o *Orchestrator) InvokeNested(ctx context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error) {
	inv, ok := invocationFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("nested pipeline step %s invoked outside of a run", step.Name)
	}

	cfg, err := types.DecodeNestedConfig(step)
	if err != nil {
		return nil, err
	}
	specs, err := outputs.ParseSpecs(cfg.Outputs)
	if err != nil {
		return nil, err
	}

	child, file, err := o.resolveChild(cfg, inv)
	if err != nil {
		return nil, err
	}

	limits := inv.state.Limits.Override(cfg.Options.SafetyOverride, inv.guard.Ceiling())
	frame := safety.Frame{PipelineID: child.Name, Identity: pipeline.Identity(child)}
	state, err := inv.guard.Enter(inv.state.Fork(), frame, limits)
	if err != nil {
		o.metrics.ObserveNested(inv.state.Depth+1, err)
		return nil, err
	}

	if err := pipeline.Validate(child, o.registry); err != nil {
		o.metrics.ObserveNested(state.Depth, err)
		return nil, err
	}

	if state.Limits.Timeout > 0 && state.Limits.Timeout != inv.state.Limits.Timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, state.Limits.Timeout)
		defer cancel()
	}

	o.logger.Debug("entering nested pipeline",
		"parent", ectx.PipelineID,
		"child", child.Name,
		"depth", state.Depth,
		"identity", frame.Identity,
		"inherit_context", cfg.Options.InheritContext,
	)

	childCtx := scope.BuildChildContext(ectx, child.Name, child, cfg)
	if cfg.Options.WorkspaceEnabled {
		dir, err := os.MkdirTemp("", "pipenest-"+workspaceName(child.Name)+"-")
		if err != nil {
			return nil, perrors.IOWriteError(os.TempDir(), err)
		}
		childCtx.GlobalVars[scope.WorkspaceVar] = dir
	}

	out, err := o.execute(ctx, &invocation{
		def:   child,
		file:  file,
		guard: inv.guard,
		state: state,
		tc:    inv.tc,
	}, childCtx, inv.tc)
	o.metrics.ObserveNested(state.Depth, err)
	if dir, ok := childCtx.Workspace(); ok && cfg.Options.WorkspaceEnabled {
		o.releaseWorkspace(dir, err, cfg.Options.CleanupOnError)
	}
	if err != nil {
		return nil, err
	}

	if len(specs) == 0 {
		return out, nil
	}
	return outputs.Extract(out, specs)
}

// resolveChild returns the child definition and the file that relative
// references inside it resolve against.
func (o *Orchestrator) resolveChild(cfg *types.NestedConfig, inv *invocation) (*types.PipelineDefinition, string, error) {
	if cfg.Pipeline != nil {
		return cfg.Pipeline, inv.file, nil
	}
	child, err := o.loader.Load(cfg.PipelineFile, inv.file)
	if err != nil {
		return nil, "", err
	}
	return child, child.Source, nil
}

// releaseWorkspace removes a child's scratch directory. After a failure
// it is kept for inspection unless cleanupOnError is set.
func (o *Orchestrator) releaseWorkspace(dir string, runErr error, cleanupOnError bool) {
	if runErr != nil && !cleanupOnError {
		o.logger.Info("keeping workspace of failed pipeline", "workspace", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		o.logger.Warn("removing workspace", "workspace", dir, "error", err)
	}
}

func workspaceName(pipelineID string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			return r
		}
		return '-'
	}, pipelineID)
}
