package scope

import (
	"reflect"
	"testing"

	"github.com/meow-stack/pipenest/internal/types"
)

func parentContext() *ExecutionContext {
	def := &types.PipelineDefinition{
		Name:       "parent",
		GlobalVars: map[string]any{"parent_var": "from-parent", "region": "eu"},
	}
	ctx := NewRoot("parent", def, map[string]any{"topic": "otters"})
	ctx.SetResult("fetch", map[string]any{
		"title": "Otters",
		"tags":  []any{"cute", "aquatic"},
	})
	ctx.SetResult("count", 3)
	return ctx
}

func TestResolveTemplate(t *testing.T) {
	ctx := parentContext()

	tests := []struct {
		input    string
		expected string
	}{
		{"{{steps.fetch.title}}", "Otters"},
		{"tag: {{steps.fetch.tags.1}}", "tag: aquatic"},
		{"{{inputs.topic}} in {{global_vars.region}}", "otters in eu"},
		{"n={{count}}", "n=3"},
		{"{{fetch.title}}", "Otters"},
		{"{{ steps.fetch.title }}", "Otters"},
		{"tags={{steps.fetch.tags}}", `tags=["cute","aquatic"]`},
		{"no placeholders", "no placeholders"},
		{"{{steps.missing.field}}", "{{steps.missing.field}}"},
		{"a {{inputs.nope}} b {{inputs.topic}}", "a {{inputs.nope}} b otters"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ResolveTemplate(tt.input, ctx)
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestResolveTemplate_PriorityOrder(t *testing.T) {
	def := &types.PipelineDefinition{Name: "p", GlobalVars: map[string]any{"x": "global"}}
	ctx := NewRoot("p", def, map[string]any{"x": "input"})

	if got := ResolveTemplate("{{x}}", ctx); got != "input" {
		t.Errorf("inputs should shadow globals, got %q", got)
	}

	ctx.SetResult("x", "step")
	if got := ResolveTemplate("{{x}}", ctx); got != "step" {
		t.Errorf("step results should shadow inputs, got %q", got)
	}

	if got := ResolveTemplate("{{global_vars.x}}", ctx); got != "global" {
		t.Errorf("namespaced lookup should bypass priority, got %q", got)
	}
}

func TestBuildChildContext_IsolationByDefault(t *testing.T) {
	parent := parentContext()
	child := &types.PipelineDefinition{Name: "child"}
	cfg := &types.NestedConfig{
		Inputs: map[string]any{"title": "{{steps.fetch.title}}"},
	}

	ctx := BuildChildContext(parent, "child", child, cfg)

	if ctx.Depth != 1 {
		t.Errorf("expected depth 1, got %d", ctx.Depth)
	}
	if ctx.InheritsParent {
		t.Error("expected isolation by default")
	}
	if got := ResolveTemplate("{{inputs.title}}", ctx); got != "Otters" {
		t.Errorf("expected resolved input, got %q", got)
	}
	if got := ResolveTemplate("{{global_vars.parent_var}}", ctx); got != "{{global_vars.parent_var}}" {
		t.Errorf("isolated child resolved parent global: %q", got)
	}
}

func TestBuildChildContext_InheritContext(t *testing.T) {
	parent := parentContext()
	cfg := &types.NestedConfig{Options: types.NestedOptions{InheritContext: true}}

	ctx := BuildChildContext(parent, "child", &types.PipelineDefinition{Name: "child"}, cfg)

	if got := ResolveTemplate("{{global_vars.parent_var}}", ctx); got != "from-parent" {
		t.Errorf("expected parent value, got %q", got)
	}
}

func TestBuildChildContext_CollidingGlobal(t *testing.T) {
	parent := parentContext()
	child := &types.PipelineDefinition{
		Name:       "child",
		GlobalVars: map[string]any{"region": "us"},
	}

	isolated := BuildChildContext(parent, "child", child, &types.NestedConfig{})
	if got := ResolveTemplate("{{global_vars.region}}", isolated); got != "us" {
		t.Errorf("expected child's own global, got %q", got)
	}
	if got := ResolveTemplate("{{global_vars.parent_var}}", isolated); got != "{{global_vars.parent_var}}" {
		t.Errorf("expected literal, got %q", got)
	}

	inheriting := BuildChildContext(parent, "child", child, &types.NestedConfig{
		Options: types.NestedOptions{InheritContext: true},
	})
	if got := ResolveTemplate("{{global_vars.region}}", inheriting); got != "us" {
		t.Errorf("child globals should shadow parent, got %q", got)
	}
}

func TestResolveValue_PreservesTypes(t *testing.T) {
	ctx := parentContext()

	got := ResolveValue(map[string]any{
		"whole": "{{steps.fetch}}",
		"count": "{{count}}",
		"text":  "title is {{steps.fetch.title}}",
		"list":  []any{"{{inputs.topic}}", 7},
		"miss":  "{{steps.ghost}}",
	}, ctx).(map[string]any)

	if _, ok := got["whole"].(map[string]any); !ok {
		t.Errorf("expected map for pure reference, got %T", got["whole"])
	}
	if got["count"] != 3 {
		t.Errorf("expected int 3, got %#v", got["count"])
	}
	if got["text"] != "title is Otters" {
		t.Errorf("unexpected text: %#v", got["text"])
	}
	if !reflect.DeepEqual(got["list"], []any{"otters", 7}) {
		t.Errorf("unexpected list: %#v", got["list"])
	}
	if got["miss"] != "{{steps.ghost}}" {
		t.Errorf("expected literal for unresolved reference, got %#v", got["miss"])
	}
}

func TestUnresolved(t *testing.T) {
	ctx := parentContext()
	missing := Unresolved("{{inputs.topic}} {{inputs.nope}} {{steps.x}}", ctx)
	want := []string{"{{inputs.nope}}", "{{steps.x}}"}
	if !reflect.DeepEqual(missing, want) {
		t.Errorf("expected %v, got %v", want, missing)
	}
}

func TestChain(t *testing.T) {
	root := parentContext()
	mid := BuildChildContext(root, "mid", nil, &types.NestedConfig{})
	leaf := BuildChildContext(mid, "leaf", nil, &types.NestedConfig{})

	want := []string{"parent", "mid", "leaf"}
	if !reflect.DeepEqual(leaf.Chain(), want) {
		t.Errorf("expected %v, got %v", want, leaf.Chain())
	}
	if leaf.Depth != 2 {
		t.Errorf("expected depth 2, got %d", leaf.Depth)
	}
}

func TestStringifyValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"s", "s"},
		{42, "42"},
		{0.95, "0.95"},
		{true, "true"},
		{map[string]any{"a": 1}, `{"a":1}`},
		{[]string{"x", "y"}, `["x","y"]`},
	}
	for _, tt := range tests {
		if got := StringifyValue(tt.in); got != tt.want {
			t.Errorf("StringifyValue(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
