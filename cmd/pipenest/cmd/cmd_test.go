package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args in a fresh flag state and
// returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	verbose, workDir, noColor = false, "", false
	runInputs, runTraceID, runReport, runMetricsFile = nil, "", false, ""
	runMaxDepth, runMaxSteps, runTimeout = 0, 0, 0
	traceLimit, traceMaxDepth = 20, -1

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func project(t *testing.T) string {
	t.Helper()
	return projectWith(t, "")
}

// projectWith creates a working directory whose config.toml is the quiet
// logging section followed by extra.
func projectWith(t *testing.T, extra string) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()

	config := `
[logging]
level = "error"
` + extra
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".pipenest"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".pipenest", "config.toml"), []byte(config), 0644))
	return dir
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(strings.TrimLeft(content, "\n")), 0644))
}

func TestRootCmdFlags(t *testing.T) {
	for _, name := range []string{"verbose", "workdir", "no-color"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "--%s flag not found", name)
	}
	for _, name := range []string{"input", "trace-id", "report", "metrics-file", "max-depth", "max-steps", "timeout"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run --%s flag not found", name)
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "validate", "trace", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{"name=otter", "count=3", "ok=true", "tags=[a, b]", "empty=", "eq=a=b"})
	require.NoError(t, err)

	assert.Equal(t, "otter", inputs["name"])
	assert.Equal(t, 3, inputs["count"])
	assert.Equal(t, true, inputs["ok"])
	assert.Equal(t, []any{"a", "b"}, inputs["tags"])
	assert.Equal(t, "", inputs["empty"])
	assert.Equal(t, "a=b", inputs["eq"])

	_, err = parseInputs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseInputs([]string{"=x"})
	assert.Error(t, err)
}

func TestRun_PrintsOutputsAndWritesTrace(t *testing.T) {
	dir := project(t)
	write(t, dir, "greet.yaml", `
name: greet
steps:
  - name: hello
    type: echo
    config:
      message: "hello {{inputs.who}}"
  - name: inner
    type: pipeline
    pipeline_file: child.yaml
`)
	write(t, dir, "child.yaml", `
name: child
steps:
  - name: shout
    type: echo
    config:
      message: HI
`)

	metricsFile := filepath.Join(dir, "metrics.prom")
	out, err := execute(t, "run", "greet.yaml", "-C", dir, "--input", "who=otter",
		"--trace-id", "t-1", "--metrics-file", metricsFile)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ greet completed")
	assert.Contains(t, out, "3 steps, trace t-1")
	assert.Contains(t, out, "hello: hello otter")
	assert.FileExists(t, filepath.Join(dir, ".pipenest", "traces", "t-1.jsonl"))

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pipenest_runs_total")

	out, err = execute(t, "trace", "list", "-C", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "t-1")
	assert.Contains(t, out, "greet")
	assert.Contains(t, out, "completed")

	out, err = execute(t, "trace", "show", "t-1", "-C", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Trace:    t-1")
	assert.Contains(t, out, "pipeline child (depth 1)")
}

func TestRun_ExportsOpenTelemetry(t *testing.T) {
	dir := projectWith(t, `
[tracing]
jsonl = false
otel = true
otel_exporter = "stdout"
otel_file = "otel.json"
`)
	write(t, dir, "greet.yaml", `
name: greet
steps:
  - name: hello
    type: echo
    config:
      message: hi
`)

	_, err := execute(t, "run", "greet.yaml", "-C", dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "otel.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "pipeline greet")
	assert.Contains(t, string(data), "step hello")
	assert.Contains(t, string(data), "pipenest.depth")
}

func TestRun_FailurePrintsReport(t *testing.T) {
	dir := project(t)
	write(t, dir, "loop.yaml", `
name: loop
steps:
  - name: again
    type: pipeline
    pipeline_file: loop.yaml
`)

	out, err := execute(t, "run", "loop.yaml", "-C", dir, "--trace-id", "t-loop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline loop failed")
	assert.Contains(t, out, "Error analysis:")
	assert.Contains(t, out, "Cycle: loop → loop")

	out, err = execute(t, "trace", "show", "t-loop", "-C", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "SAFETY_002 (circular dependency)")
	assert.Contains(t, out, "Location: loop / again (depth 0)")
}

func TestRun_MaxDepthFlag(t *testing.T) {
	dir := project(t)
	write(t, dir, "a.yaml", `
name: a
steps:
  - name: down
    type: pipeline
    pipeline_file: b.yaml
`)
	write(t, dir, "b.yaml", `
name: b
steps:
  - name: x
    type: echo
    config:
      message: x
`)

	out, err := execute(t, "run", "a.yaml", "-C", dir, "--max-depth", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "2 steps")

	_, err = execute(t, "run", "a.yaml", "-C", dir, "--max-depth", "1", "--max-steps", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY_003")
}

func TestRun_MissingFile(t *testing.T) {
	dir := project(t)
	_, err := execute(t, "run", "nope.yaml", "-C", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading pipeline")
}

func TestValidate(t *testing.T) {
	dir := project(t)
	write(t, dir, "good.yaml", `
name: good
steps:
  - name: a
    type: echo
    config:
      message: hi
`)
	write(t, dir, "bad.yaml", `
name: bad
steps:
  - name: a
    type: echo
    config:
      message: hi
  - name: a
    type: teleport
`)

	out, err := execute(t, "validate", "good.yaml", "-C", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ good is valid")

	out, err = execute(t, "validate", "bad.yaml", "-C", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "problem(s) found")
	assert.Contains(t, out, "✗")
}

func TestTraceList_Empty(t *testing.T) {
	dir := project(t)
	out, err := execute(t, "trace", "list", "-C", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No traces found.")
}

func TestTraceShow_Unknown(t *testing.T) {
	dir := project(t)
	_, err := execute(t, "trace", "show", "missing", "-C", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace missing not found")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pipenest dev")
}
