package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/types"
)

type handlerSet map[string]bool

func (h handlerSet) Has(t string) bool { return h[t] }

var builtins = handlerSet{"echo": true, "pipeline": true}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const parentYAML = `
name: parent
global_vars:
  env: prod
steps:
  - name: first
    type: echo
    message: "hello {{global_vars.env}}"
  - name: nested
    type: pipeline
    pipeline_file: lib/child.yaml
    inputs:
      greeting: "{{steps.first}}"
    outputs:
      - inner
      - path: inner
        as: greeting
`

const childYAML = `
name: child
steps:
  - name: inner
    type: echo
    message: "{{inputs.greeting}}"
`

func TestLoader_LoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "parent.yaml", parentYAML)

	l := NewLoader(dir)
	def, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "parent", def.Name)
	assert.Equal(t, path, def.Source)
	assert.Equal(t, "prod", def.GlobalVars["env"])
	require.Len(t, def.Steps, 2)
	assert.True(t, def.Steps[1].IsNested())
	assert.Equal(t, "lib/child.yaml", def.Steps[1].Config["pipeline_file"])

	again, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Same(t, def, again)
}

func TestLoader_LoadTOMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	tomlPath := writeFile(t, dir, "flow.toml", `
name = "flow"

[[steps]]
name = "a"
type = "echo"
message = "hi"
outputs = ["x", { path = "y.z", as = "w" }]
`)
	jsonPath := writeFile(t, dir, "noname.json", `{"steps": [{"name": "a", "type": "echo"}]}`)

	l := NewLoader("")
	def, err := l.LoadFile(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "flow", def.Name)
	assert.Equal(t, "hi", def.Steps[0].Config["message"])

	def, err = l.LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "noname", def.Name)
	assert.Equal(t, []string{"a"}, def.StepNames())
}

func TestLoader_ResolveRelativeToReferencingFile(t *testing.T) {
	dir := t.TempDir()
	parent := writeFile(t, dir, "flows/parent.yaml", parentYAML)
	child := writeFile(t, dir, "flows/lib/child.yaml", childYAML)
	writeFile(t, dir, "shared/common.yml", childYAML)

	l := NewLoader(filepath.Join(dir, "shared"))

	got, err := l.Resolve("lib/child.yaml", parent)
	require.NoError(t, err)
	assert.Equal(t, child, got)

	// falls back to BaseDir and tries extensions
	got, err = l.Resolve("common", parent)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shared", "common.yml"), got)

	_, err = l.Resolve("missing.yaml", parent)
	assert.True(t, perrors.HasCode(err, perrors.CodeIOFileNotFound))

	_, err = l.Resolve("", parent)
	assert.True(t, perrors.HasCode(err, perrors.CodeConfigMissingField))
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("steps: [unclosed"), ".yaml")
	assert.True(t, perrors.HasCode(err, perrors.CodeConfigInvalidValue))

	_, err = Parse([]byte("steps = 3 = 4"), ".toml")
	assert.True(t, perrors.HasCode(err, perrors.CodeConfigInvalidValue))

	_, err = Parse([]byte("steps: nope"), ".yml")
	assert.ErrorContains(t, err, "steps must be a list")
}

func TestIdentity(t *testing.T) {
	file := &types.PipelineDefinition{Name: "p", Source: "/abs/p.yaml"}
	assert.Equal(t, "file:/abs/p.yaml", Identity(file))

	a := &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{{Name: "s", Type: "echo"}}}
	b := &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{{Name: "s", Type: "echo"}}}
	c := &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{{Name: "t", Type: "echo"}}}

	assert.Equal(t, Identity(a), Identity(b))
	assert.NotEqual(t, Identity(a), Identity(c))
	assert.Regexp(t, `^inline:p#[0-9a-f]{16}$`, Identity(a))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		def   *types.PipelineDefinition
		code  string
		field string
	}{
		{
			name: "missing name",
			def:  &types.PipelineDefinition{Steps: []*types.StepSpec{{Name: "a", Type: "echo"}}},
			code: perrors.CodeConfigMissingField, field: "name",
		},
		{
			name: "no steps",
			def:  &types.PipelineDefinition{Name: "p"},
			code: perrors.CodeConfigMissingField, field: "steps",
		},
		{
			name: "missing step type",
			def:  &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{{Name: "a"}}},
			code: perrors.CodeConfigMissingField, field: "steps[0].type",
		},
		{
			name: "bad on_error",
			def:  &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{{Name: "a", Type: "echo", OnError: "retry"}}},
			code: perrors.CodeConfigInvalidValue, field: "steps[0].on_error",
		},
		{
			name: "duplicate step",
			def: &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{
				{Name: "a", Type: "echo"}, {Name: "a", Type: "echo"},
			}},
			code: perrors.CodeConfigDuplicateStep, field: "name",
		},
		{
			name: "unknown type",
			def:  &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{{Name: "a", Type: "claude"}}},
			code: perrors.CodeConfigUnknownType, field: "type",
		},
		{
			name: "nested without pipeline",
			def:  &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{{Name: "n", Type: "pipeline"}}},
			code: perrors.CodeConfigMissingField, field: "pipeline",
		},
		{
			name: "nested with malformed outputs",
			def: &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{{
				Name: "n", Type: "pipeline",
				Config: map[string]any{"pipeline_file": "x.yaml", "outputs": []any{42}},
			}}},
			code: perrors.CodeOutputMalformed,
		},
		{
			name: "problem inside inline child",
			def: &types.PipelineDefinition{Name: "p", Steps: []*types.StepSpec{{
				Name: "n", Type: "pipeline",
				Config: map[string]any{"pipeline": &types.PipelineDefinition{
					Name: "child", Steps: []*types.StepSpec{{Name: "x", Type: "nope"}},
				}},
			}}},
			code: perrors.CodeConfigUnknownType, field: "type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def, builtins)
			require.Error(t, err)
			perr, ok := perrors.As(err)
			require.True(t, ok, "expected PipeError, got %v", err)
			assert.Equal(t, tt.code, perr.Code)
			if tt.field != "" {
				assert.Equal(t, tt.field, perr.Details["field"])
			}
		})
	}
}

func TestValidate_OK(t *testing.T) {
	def, err := Parse([]byte(parentYAML), ".yaml")
	require.NoError(t, err)
	assert.NoError(t, Validate(def, builtins))
	assert.NoError(t, Validate(def, nil))
}

func TestValidateTree(t *testing.T) {
	dir := t.TempDir()
	parent := writeFile(t, dir, "parent.yaml", parentYAML)
	writeFile(t, dir, "lib/child.yaml", `
name: child
steps:
  - name: inner
    type: mystery
  - name: back
    type: pipeline
    pipeline_file: ../parent.yaml
`)

	l := NewLoader(dir)
	def, err := l.LoadFile(parent)
	require.NoError(t, err)

	problems := ValidateTree(def, builtins, l)
	require.Len(t, problems, 1)
	assert.True(t, perrors.HasCode(problems[0], perrors.CodeConfigUnknownType))
}
