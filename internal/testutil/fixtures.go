// Package testutil provides test infrastructure, fixtures, and helpers for pipenest.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meow-stack/pipenest/internal/config"
	"github.com/meow-stack/pipenest/internal/types"
)

// NewTestConfig creates a test configuration with sensible defaults.
// The paths are set to temporary directories that will be cleaned up.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.PipelineDir = filepath.Join(tmpDir, "pipelines")
	cfg.Paths.TraceDir = filepath.Join(tmpDir, "traces")
	cfg.Paths.LogsDir = filepath.Join(tmpDir, "logs")
	cfg.Logging.Level = config.LogLevelDebug
	cfg.Tracing.JSONL = false

	for _, dir := range []string{cfg.Paths.PipelineDir, cfg.Paths.TraceDir, cfg.Paths.LogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	return cfg
}

// Step builds a step. cfg may be nil.
func Step(name, stepType string, cfg map[string]any) *types.StepSpec {
	if cfg == nil {
		cfg = map[string]any{}
	}
	return &types.StepSpec{Name: name, Type: stepType, Config: cfg}
}

// Nested builds a "pipeline" step running child inline. extra is merged
// into the step config (inputs, outputs, config, ...).
func Nested(name string, child *types.PipelineDefinition, extra map[string]any) *types.StepSpec {
	cfg := map[string]any{"pipeline": child}
	for k, v := range extra {
		cfg[k] = v
	}
	return Step(name, types.StepTypePipeline, cfg)
}

// NestedFile builds a "pipeline" step referencing a pipeline file.
func NestedFile(name, file string, extra map[string]any) *types.StepSpec {
	cfg := map[string]any{"pipeline_file": file}
	for k, v := range extra {
		cfg[k] = v
	}
	return Step(name, types.StepTypePipeline, cfg)
}

// Pipeline builds a definition from steps.
func Pipeline(name string, steps ...*types.StepSpec) *types.PipelineDefinition {
	return &types.PipelineDefinition{Name: name, Steps: steps}
}

// WritePipeline writes a pipeline file into dir and returns its path.
func WritePipeline(t *testing.T, dir, filename, content string) string {
	t.Helper()

	path := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write pipeline file: %v", err)
	}
	return path
}
