package orchestrator

import (
	"context"

	"github.com/meow-stack/pipenest/internal/safety"
	"github.com/meow-stack/pipenest/internal/trace"
	"github.com/meow-stack/pipenest/internal/types"
)

// invocation is what a running step knows about the pipeline around it.
// execute attaches one to the context handed to every handler so that
// nested handlers can continue the same safety state and trace.
type invocation struct {
	def *types.PipelineDefinition

	// file is the nearest file the definition came from. Inline children
	// inherit it so that their pipeline_file references resolve next to it.
	file string

	guard *safety.Guard
	state *safety.State

	// tc's Current is the running step span.
	tc *trace.Context
}

type invocationKey struct{}

func withInvocation(ctx context.Context, inv *invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func invocationFrom(ctx context.Context) (*invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*invocation)
	return inv, ok && inv != nil
}

// Depth returns the nesting depth of the step running under ctx, or -1
// outside an orchestrated run.
func Depth(ctx context.Context) int {
	if inv, ok := invocationFrom(ctx); ok {
		return inv.state.Depth
	}
	return -1
}

// StepCount returns the steps counted so far by the run ctx belongs to.
func StepCount(ctx context.Context) int64 {
	if inv, ok := invocationFrom(ctx); ok {
		return inv.state.StepCount()
	}
	return 0
}

// TraceContext returns the trace context of the step running under ctx.
func TraceContext(ctx context.Context) (*trace.Context, bool) {
	inv, ok := invocationFrom(ctx)
	if !ok {
		return nil, false
	}
	return inv.tc, true
}
