// Package scope holds the per-invocation execution context and resolves
// {{...}} templates against it.
package scope

import (
	"maps"
	"strings"

	"github.com/meow-stack/pipenest/internal/outputs"
	"github.com/meow-stack/pipenest/internal/types"
)

// Namespaces usable as the first segment of a template path.
const (
	NamespaceSteps   = "steps"
	NamespaceInputs  = "inputs"
	NamespaceGlobals = "global_vars"
)

// WorkspaceVar is the global variable holding a nested invocation's
// scratch directory when workspace_enabled is set.
const WorkspaceVar = "workspace"

// Workspace returns the scratch directory of the invocation, if any.
func (c *ExecutionContext) Workspace() (string, bool) {
	dir, ok := c.GlobalVars[WorkspaceVar].(string)
	return dir, ok && dir != ""
}

// ExecutionContext is the variable scope of one pipeline invocation.
// It is created per invocation and only the orchestrator running that
// invocation appends to StepResults.
type ExecutionContext struct {
	PipelineID string
	Depth      int

	// Parent is the enclosing invocation's context. Lookup only.
	Parent *ExecutionContext

	StepResults map[string]any
	Inputs      map[string]any
	GlobalVars  map[string]any

	// InheritsParent lets unresolved lookups fall through to Parent.
	InheritsParent bool
}

// NewRoot creates the context for a root invocation.
func NewRoot(pipelineID string, def *types.PipelineDefinition, inputs map[string]any) *ExecutionContext {
	ctx := &ExecutionContext{
		PipelineID:  pipelineID,
		StepResults: make(map[string]any),
		Inputs:      maps.Clone(inputs),
	}
	if ctx.Inputs == nil {
		ctx.Inputs = make(map[string]any)
	}
	if def != nil {
		ctx.GlobalVars = maps.Clone(def.GlobalVars)
	}
	if ctx.GlobalVars == nil {
		ctx.GlobalVars = make(map[string]any)
	}
	return ctx
}

// SetResult records a completed step's result.
func (c *ExecutionContext) SetResult(step string, value any) {
	c.StepResults[step] = value
}

// Results returns a shallow copy of the step results.
func (c *ExecutionContext) Results() map[string]any {
	return maps.Clone(c.StepResults)
}

// Chain returns the pipeline ids from the root down to this context.
func (c *ExecutionContext) Chain() []string {
	var chain []string
	for cur := c; cur != nil; cur = cur.Parent {
		chain = append(chain, cur.PipelineID)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Lookup resolves a dotted path.
//
// Namespaced paths (steps.X, inputs.Y, global_vars.Z) only search their
// namespace. A bare path searches step results, then inputs, then globals.
// Anything not found locally is looked up in Parent when InheritsParent is set.
func (c *ExecutionContext) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")

	if val, ok := c.lookupLocal(parts); ok {
		return val, true
	}
	if c.InheritsParent && c.Parent != nil {
		return c.Parent.Lookup(path)
	}
	return nil, false
}

func (c *ExecutionContext) lookupLocal(parts []string) (any, bool) {
	if len(parts) > 1 {
		switch parts[0] {
		case NamespaceSteps:
			return outputs.WalkSegments(c.StepResults, parts[1:])
		case NamespaceInputs:
			return outputs.WalkSegments(c.Inputs, parts[1:])
		case NamespaceGlobals:
			return outputs.WalkSegments(c.GlobalVars, parts[1:])
		}
	}

	for _, layer := range []map[string]any{c.StepResults, c.Inputs, c.GlobalVars} {
		if _, ok := layer[parts[0]]; !ok {
			continue
		}
		if val, ok := outputs.WalkSegments(layer, parts); ok {
			return val, true
		}
	}
	return nil, false
}

// BuildChildContext creates the context for a nested invocation.
// Every input template is resolved against parent. The child sees the
// parent's variables only when cfg.Options.InheritContext is set.
func BuildChildContext(parent *ExecutionContext, childID string, child *types.PipelineDefinition, cfg *types.NestedConfig) *ExecutionContext {
	ctx := &ExecutionContext{
		PipelineID:     childID,
		Depth:          parent.Depth + 1,
		Parent:         parent,
		StepResults:    make(map[string]any),
		Inputs:         make(map[string]any, len(cfg.Inputs)),
		InheritsParent: cfg.Options.InheritContext,
	}

	for name, tmpl := range cfg.Inputs {
		ctx.Inputs[name] = ResolveValue(tmpl, parent)
	}

	if child != nil {
		ctx.GlobalVars = maps.Clone(child.GlobalVars)
	}
	if ctx.GlobalVars == nil {
		ctx.GlobalVars = make(map[string]any)
	}
	return ctx
}
