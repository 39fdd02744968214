package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/orchestrator"
	"github.com/meow-stack/pipenest/internal/safety"
	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/testutil"
	"github.com/meow-stack/pipenest/internal/trace"
	"github.com/meow-stack/pipenest/internal/types"
)

func newEngine(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New(testutil.NewTestConfig(t),
		orchestrator.WithLogger(testutil.DiscardLogger()),
		orchestrator.WithMemoryReader(func() uint64 { return 0 }),
	)
	require.NoError(t, RegisterBuiltins(o.Registry(), o))
	return o
}

func say(name, message string) *types.StepSpec {
	return testutil.Step(name, TypeEcho, map[string]any{"message": message})
}

func TestRegisterBuiltins(t *testing.T) {
	o := newEngine(t)
	assert.Equal(t,
		[]string{"echo", "fail", "parallel", "pipeline", "set_vars", "shell", "sleep"},
		o.Registry().Types())

	err := RegisterBuiltins(o.Registry(), o)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `"echo"`)
}

func TestEcho(t *testing.T) {
	ectx := scope.NewRoot("root", nil, map[string]any{"who": "otter"})

	out, err := Echo(context.Background(), say("a", "hi {{inputs.who}}"), ectx)
	require.NoError(t, err)
	assert.Equal(t, "hi otter", out)

	wrapped := testutil.Step("b", TypeEcho, map[string]any{"message": "nested_result", "wrap": true})
	out, err = Echo(context.Background(), wrapped, ectx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "nested_result"}, out)

	numeric := testutil.Step("c", TypeEcho, map[string]any{"message": 42})
	out, err = Echo(context.Background(), numeric, ectx)
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	_, err = Echo(context.Background(), testutil.Step("d", TypeEcho, nil), ectx)
	assert.True(t, perrors.HasCode(err, perrors.CodeConfigMissingField))
}

func TestSetVars(t *testing.T) {
	ectx := scope.NewRoot("root", nil, map[string]any{"count": 3})
	step := testutil.Step("vars", TypeSetVars, map[string]any{"values": map[string]any{
		"n":    "{{inputs.count}}",
		"text": "count={{inputs.count}}",
		"list": []any{"{{inputs.count}}", "x"},
	}})

	out, err := SetVars(context.Background(), step, ectx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n":    3,
		"text": "count=3",
		"list": []any{3, "x"},
	}, out)

	_, err = SetVars(context.Background(), testutil.Step("bad", TypeSetVars, map[string]any{"values": "nope"}), ectx)
	assert.True(t, perrors.HasCode(err, perrors.CodeConfigInvalidValue))
}

func TestFail(t *testing.T) {
	ectx := scope.NewRoot("root", nil, map[string]any{"why": "disk full"})

	_, err := Fail(context.Background(), testutil.Step("f", TypeFail, map[string]any{"message": "boom: {{inputs.why}}"}), ectx)
	assert.EqualError(t, err, "boom: disk full")

	_, err = Fail(context.Background(), testutil.Step("f", TypeFail, nil), ectx)
	assert.EqualError(t, err, "step failed")
}

func TestSleep(t *testing.T) {
	ectx := scope.NewRoot("root", nil, nil)

	out, err := Sleep(context.Background(), testutil.Step("s", TypeSleep, map[string]any{"duration": "5ms"}), ectx)
	require.NoError(t, err)
	assert.Equal(t, "5ms", out)

	out, err = Sleep(context.Background(), testutil.Step("s", TypeSleep, map[string]any{"seconds": 0.001}), ectx)
	require.NoError(t, err)
	assert.Equal(t, "1ms", out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Sleep(ctx, testutil.Step("s", TypeSleep, map[string]any{"duration": "1h"}), ectx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = Sleep(context.Background(), testutil.Step("s", TypeSleep, map[string]any{"duration": "soon"}), ectx)
	assert.True(t, perrors.HasCode(err, perrors.CodeConfigInvalidValue))

	_, err = Sleep(context.Background(), testutil.Step("s", TypeSleep, nil), ectx)
	assert.True(t, perrors.HasCode(err, perrors.CodeConfigMissingField))
}

func TestSleep_TimeoutThroughOrchestrator(t *testing.T) {
	o := newEngine(t)
	root := testutil.Pipeline("root", testutil.Step("nap", TypeSleep, map[string]any{"duration": "1h"}))

	_, err := o.Run(context.Background(), root, orchestrator.RunOptions{
		Limits: &safety.Limits{Timeout: 20 * time.Millisecond},
	})
	assert.True(t, perrors.HasCode(err, perrors.CodeTimeoutExceeded))
}

func TestParallel_JoinsBranchResults(t *testing.T) {
	o := newEngine(t)
	root := testutil.Pipeline("root",
		say("start", "S"),
		testutil.Step("fan", TypeParallel, map[string]any{"branches": []any{
			map[string]any{
				"name":     "left",
				"pipeline": testutil.Pipeline("left", say("l1", "L"), say("l2", "{{inputs.seed}}")),
				"inputs":   map[string]any{"seed": "{{steps.start}}"},
			},
			map[string]any{
				"name":     "right",
				"pipeline": testutil.Pipeline("right", say("r1", "R"), say("r2", "unused")),
				"outputs":  []any{"r1"},
			},
		}}),
	)

	res, err := o.Run(context.Background(), root, orchestrator.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"left":  map[string]any{"l1": "L", "l2": "S"},
		"right": map[string]any{"r1": "R"},
	}, res.Outputs["fan"])
	assert.Equal(t, int64(6), res.Steps)

	trees := trace.BuildExecutionTree(res.Trace)
	fan := trace.Find(trees, func(s trace.Span) bool { return s.StepName == "fan" })
	require.NotNil(t, fan)
	require.Len(t, fan.Children, 2)
	for _, c := range fan.Children {
		assert.True(t, c.Span.IsPipeline())
		assert.Equal(t, 1, c.Span.Depth)
		assert.Equal(t, fan.Span.ID, c.Span.ParentSpanID)
	}
}

func TestParallel_SamePipelineInSiblingBranchesIsNotACycle(t *testing.T) {
	o := newEngine(t)
	shared := testutil.Pipeline("worker", say("work", "done"))
	root := testutil.Pipeline("root", testutil.Step("fan", TypeParallel, map[string]any{
		"branches": []any{
			map[string]any{"name": "a", "pipeline": shared},
			map[string]any{"name": "b", "pipeline": shared},
		},
	}))

	res, err := o.Run(context.Background(), root, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Outputs["fan"], 2)
}

func TestParallel_SharedStepBudget(t *testing.T) {
	o := newEngine(t)

	var branches []any
	for _, name := range []string{"b1", "b2", "b3", "b4", "b5"} {
		branches = append(branches, map[string]any{
			"name":     name,
			"pipeline": testutil.Pipeline(name, say("one", "1"), say("two", "2")),
		})
	}
	root := testutil.Pipeline("root", testutil.Step("fan", TypeParallel, map[string]any{"branches": branches}))

	res, err := o.Run(context.Background(), root, orchestrator.RunOptions{
		Limits: &safety.Limits{MaxTotalSteps: 6},
	})
	require.Error(t, err)
	assert.True(t, perrors.HasCode(err, perrors.CodeStepCountExceeded))
	assert.Greater(t, res.Steps, int64(6))
	assert.Empty(t, res.Trace.Running())
}

func TestParallel_FirstFailureCancelsSiblings(t *testing.T) {
	o := newEngine(t)
	root := testutil.Pipeline("root", testutil.Step("fan", TypeParallel, map[string]any{
		"branches": []any{
			map[string]any{"name": "slow", "pipeline": testutil.Pipeline("slow",
				testutil.Step("nap", TypeSleep, map[string]any{"duration": "1h"}))},
			map[string]any{"name": "bad", "pipeline": testutil.Pipeline("bad",
				testutil.Step("boom", TypeFail, map[string]any{"message": "broken branch"}))},
		},
	}))

	start := time.Now()
	res, err := o.Run(context.Background(), root, orchestrator.RunOptions{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.True(t, perrors.HasCode(err, perrors.CodeHandlerFailed))
	assert.Contains(t, err.Error(), "branch bad")
	assert.Contains(t, err.Error(), "broken branch")
	assert.Empty(t, res.Trace.Running())
}

func TestParallel_BranchPanic(t *testing.T) {
	o := newEngine(t)
	require.NoError(t, o.Registry().Register("explode", orchestrator.HandlerFunc(
		func(context.Context, *types.StepSpec, *scope.ExecutionContext) (any, error) {
			panic("branch blew up")
		})))

	root := testutil.Pipeline("root", testutil.Step("fan", TypeParallel, map[string]any{
		"branches": []any{
			map[string]any{"name": "x", "pipeline": testutil.Pipeline("x", testutil.Step("bad", "explode", nil))},
		},
	}))

	res, err := o.Run(context.Background(), root, orchestrator.RunOptions{})
	require.Error(t, err)

	perr, ok := perrors.As(err)
	require.True(t, ok)
	assert.Equal(t, perrors.CodePanic, perr.Code)
	assert.Equal(t, "x", perr.Details["branch"])
	assert.Empty(t, res.Trace.Running())
}

func TestParallel_MaxConcurrency(t *testing.T) {
	o := newEngine(t)
	var branches []any
	for _, name := range []string{"a", "b", "c"} {
		branches = append(branches, map[string]any{
			"name":     name,
			"pipeline": testutil.Pipeline(name, say("v", name)),
		})
	}
	root := testutil.Pipeline("root", testutil.Step("fan", TypeParallel, map[string]any{
		"branches":        branches,
		"max_concurrency": "1",
	}))

	res, err := o.Run(context.Background(), root, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": map[string]any{"v": "a"},
		"b": map[string]any{"v": "b"},
		"c": map[string]any{"v": "c"},
	}, res.Outputs["fan"])
}

func TestDecodeBranches(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
		code string
	}{
		{"missing", map[string]any{}, perrors.CodeConfigMissingField},
		{"not a list", map[string]any{"branches": "x"}, perrors.CodeConfigInvalidValue},
		{"empty", map[string]any{"branches": []any{}}, perrors.CodeConfigInvalidValue},
		{"unnamed", map[string]any{"branches": []any{map[string]any{"pipeline_file": "a.yaml"}}}, perrors.CodeConfigMissingField},
		{"duplicate", map[string]any{"branches": []any{
			map[string]any{"name": "a", "pipeline_file": "a.yaml"},
			map[string]any{"name": "a", "pipeline_file": "b.yaml"},
		}}, perrors.CodeConfigInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeBranches(testutil.Step("fan", TypeParallel, tt.cfg))
			require.Error(t, err)
			assert.Equal(t, tt.code, perrors.Code(err))
		})
	}
}

func TestDecodeBranches_TOMLShape(t *testing.T) {
	branches, err := decodeBranches(testutil.Step("fan", TypeParallel, map[string]any{
		"branches": []map[string]any{
			{"name": "a", "type": "ignored", "pipeline_file": "a.toml", "timeout_seconds": 5},
		},
	}))
	require.NoError(t, err)
	require.Len(t, branches, 1)

	b := branches[0]
	assert.Equal(t, "a", b.Name)
	assert.True(t, b.IsNested())
	assert.Equal(t, map[string]any{"pipeline_file": "a.toml", "timeout_seconds": 5}, b.Config)
}

func TestParallel_NeedsRun(t *testing.T) {
	p := &Parallel{Nested: orchestrator.New(nil, orchestrator.WithLogger(testutil.DiscardLogger()))}
	step := testutil.Step("fan", TypeParallel, map[string]any{"branches": []any{
		map[string]any{"name": "a", "pipeline": testutil.Pipeline("a", say("x", "1"))},
	}})

	_, err := p.Execute(context.Background(), step, scope.NewRoot("root", nil, nil))
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
