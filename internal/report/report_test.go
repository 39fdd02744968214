package report

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/handlers"
	"github.com/meow-stack/pipenest/internal/orchestrator"
	"github.com/meow-stack/pipenest/internal/safety"
	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/testutil"
	"github.com/meow-stack/pipenest/internal/trace"
	"github.com/meow-stack/pipenest/internal/types"
)

func newOrchestrator(t *testing.T, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	t.Helper()
	base := []orchestrator.Option{
		orchestrator.WithLogger(testutil.DiscardLogger()),
		orchestrator.WithMemoryReader(func() uint64 { return 0 }),
	}
	o := orchestrator.New(testutil.NewTestConfig(t), append(base, opts...)...)
	require.NoError(t, handlers.RegisterBuiltins(o.Registry(), o))
	return o
}

func say(name, msg string) *types.StepSpec {
	return testutil.Step(name, handlers.TypeEcho, map[string]any{"message": msg})
}

func TestFormatError_UsesDeepestLocation(t *testing.T) {
	child := testutil.Pipeline("child",
		say("ok", "fine"),
		testutil.Step("boom", handlers.TypeFail, map[string]any{"message": "disk full"}),
	)
	root := testutil.Pipeline("root", testutil.Nested("call", child, nil))

	_, err := newOrchestrator(t).Run(context.Background(), root, orchestrator.RunOptions{})
	require.Error(t, err)

	f := FormatError(err, nil, nil)
	assert.Equal(t, "child", f.Context.PipelineID)
	assert.Equal(t, "boom", f.Context.Step)
	assert.Equal(t, 1, f.Context.Depth)
	assert.Equal(t, []string{"root", "child"}, f.Context.Chain)
	assert.Equal(t, []string{"root/call", "child/boom"}, f.Context.Breadcrumbs)
	assert.Contains(t, f.Message, "disk full")
	assert.Contains(t, f.Message, "root → child / boom (depth 1)")
	assert.Equal(t, perrors.CodeHandlerFailed, f.DebugInfo["code"])
	assert.Equal(t, false, f.DebugInfo["safety_violation"])
}

func TestFormatError_FallsBackToExecutionContext(t *testing.T) {
	def := testutil.Pipeline("root", say("a", "1"))
	ectx := scope.NewRoot("root", def, nil)
	step := say("a", "1")

	f := FormatError(perrors.StepCountExceeded(3, 4), ectx, step)
	assert.Equal(t, "root", f.Context.PipelineID)
	assert.Equal(t, "a", f.Context.Step)
	assert.Equal(t, handlers.TypeEcho, f.Context.StepType)
	assert.Equal(t, 0, f.Context.Depth)
	assert.Equal(t, true, f.DebugInfo["safety_violation"])
	assert.Equal(t, int64(3), f.DebugInfo["max"])
	assert.Contains(t, f.String(), "root / a (depth 0)")
}

func TestFormatError_Nil(t *testing.T) {
	assert.Equal(t, FormattedError{}, FormatError(nil, nil, nil))
}

func TestFormatError_PlainError(t *testing.T) {
	f := FormatError(errors.New("nope"), nil, nil)
	assert.Equal(t, "*errors.errorString", f.DebugInfo["error_type"])
	assert.NotContains(t, f.DebugInfo, "code")
}

func TestCodeFromMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"[SAFETY_002] circular dependency detected: a → b → a", perrors.CodeCircularDependency},
		{"pipeline root step s (depth 0): [EXEC_001] step s (fail) failed: boom", perrors.CodeHandlerFailed},
		{"[EXEC_002] pipeline p cancelled: [SAFETY_005] execution timeout exceeded", perrors.CodeTimeoutExceeded},
		{"plain failure", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeFromMessage(tt.msg))
		})
	}
}

func TestDebugReport_Success(t *testing.T) {
	child := testutil.Pipeline("child", say("inner", "x"))
	root := testutil.Pipeline("root", say("a", "1"), testutil.Nested("call", child, nil))

	res, err := newOrchestrator(t).Run(context.Background(), root, orchestrator.RunOptions{TraceID: "trace-ok"})
	require.NoError(t, err)

	out := DebugReport(res.Trace, res, DefaultOptions())
	assert.Contains(t, out, "Trace:    trace-ok")
	assert.Contains(t, out, "✓ completed")
	assert.Contains(t, out, "Steps:    3")
	assert.Contains(t, out, "Execution tree:")
	assert.Contains(t, out, "pipeline root")
	assert.Contains(t, out, "pipeline child (depth 1)")
	assert.Contains(t, out, "Performance:")
	assert.NotContains(t, out, "Error analysis:")
}

func TestDebugReport_Cycle(t *testing.T) {
	dir := t.TempDir()
	a := testutil.WritePipeline(t, dir, "A.yaml", `
name: A
steps:
  - name: call_b
    type: pipeline
    pipeline_file: B.yaml
`)
	testutil.WritePipeline(t, dir, "B.yaml", `
name: B
steps:
  - name: call_a
    type: pipeline
    pipeline_file: A.yaml
`)

	o := newOrchestrator(t)
	def, err := o.Loader().LoadFile(a)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), def, orchestrator.RunOptions{})
	require.Error(t, err)

	out := DebugReport(res.Trace, res, DefaultOptions())
	assert.Contains(t, out, "✗ failed")
	assert.Contains(t, out, "SAFETY_002 (circular dependency)")
	assert.Contains(t, out, "Cycle: A → B → A")
	assert.Contains(t, out, "Trail:    A/call_b → B/call_a")
}

func TestDebugReport_DepthExceeded(t *testing.T) {
	leaf := testutil.Pipeline("L3", say("x", "x"))
	l2 := testutil.Pipeline("L2", testutil.Nested("down", leaf, nil))
	l1 := testutil.Pipeline("L1", testutil.Nested("down", l2, nil))
	root := testutil.Pipeline("L0", testutil.Nested("down", l1, nil))

	res, err := newOrchestrator(t).Run(context.Background(), root, orchestrator.RunOptions{
		Limits: &safety.Limits{MaxDepth: 2},
	})
	require.Error(t, err)

	out := DebugReport(res.Trace, res, DefaultOptions())
	assert.Contains(t, out, "Nesting reached depth 3, max_depth is 2.")
	assert.Contains(t, out, "Chain: L0 → L1 → L2 → L3")
	assert.Contains(t, out, "raise max_depth")
}

func TestDebugReport_MemoryRendersBytes(t *testing.T) {
	o := newOrchestrator(t, orchestrator.WithMemoryReader(func() uint64 { return 64 << 20 }))
	root := testutil.Pipeline("root", say("a", "1"))

	res, err := o.Run(context.Background(), root, orchestrator.RunOptions{
		Limits: &safety.Limits{MemoryLimitMB: 16},
	})
	require.Error(t, err)

	out := DebugReport(res.Trace, res, DefaultOptions())
	assert.Contains(t, out, "Peak sampled memory 64 MiB, configured limit 16 MiB.")
	assert.Contains(t, out, "Memory:   64 MiB peak")
}

func TestDebugReport_FromSpansWithoutResult(t *testing.T) {
	tracer := trace.NewTracer(trace.WithLogger(testutil.DiscardLogger()))
	tc := trace.NewContext("from-disk")
	tc, root := tracer.StartSpan(tc, "root", 0, nil, nil)
	stc, step := tracer.StartSpan(tc, "root", 0, say("a", "1"), nil)

	failure := perrors.TimeoutExceeded(5, 5.2)
	_, err := tracer.CompleteSpan(stc, step.ID, failure)
	require.NoError(t, err)
	_, err = tracer.CompleteSpan(tc, root.ID, failure)
	require.NoError(t, err)

	loaded := trace.FromSpans("from-disk", tc.Spans())
	out := DebugReport(loaded, nil, DefaultOptions())
	assert.Contains(t, out, "Pipeline: root")
	assert.Contains(t, out, "Status:   failed")
	assert.Contains(t, out, "SAFETY_005 (timeout)")
	assert.Contains(t, out, "Location: root / a (depth 0)")
	assert.Contains(t, out, "Reduce the number of turns")
}

func TestRemediation(t *testing.T) {
	var none trace.PerformanceSummary

	steps := Remediation(perrors.CodeStepCountExceeded, perrors.StepCountExceeded(1000, 1001).Details, none)
	assert.Contains(t, steps, "1,001 steps executed, max_total_steps is 1,000.")

	timeout := Remediation(perrors.CodeTimeoutExceeded, perrors.TimeoutExceeded(30, 31.5).Details, none)
	assert.Contains(t, timeout, "Elapsed 31.5s against a limit of 30s.")

	output := Remediation(perrors.CodeOutputNotFound,
		perrors.OutputNotFound("b.c").WithDetail("available", []string{"z", "a"}).Details, none)
	assert.Contains(t, output, "Available keys: a, z")

	assert.NotEmpty(t, Remediation(perrors.CodeConfigMissingField, nil, none))
	assert.NotEmpty(t, Remediation(perrors.CodeIOFileNotFound, nil, none))
	assert.Empty(t, Remediation("", nil, none))

	// missing details still yield the generic hint
	depth := Remediation(perrors.CodeDepthExceeded, nil, none)
	assert.Equal(t, []string{"Flatten the pipeline tree or raise max_depth on the nested step."}, depth)
}
