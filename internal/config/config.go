package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// LimitsConfig holds one set of safety limits.
// Zero values mean "not set" when used as an override.
type LimitsConfig struct {
	MaxDepth       int `toml:"max_depth"`
	MaxTotalSteps  int `toml:"max_total_steps"`
	MemoryLimitMB  int `toml:"memory_limit_mb"`
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// SafetyConfig holds the default limits applied to every root execution
// and the absolute ceiling no per-step override may exceed.
type SafetyConfig struct {
	LimitsConfig

	// Ceiling is the program-wide upper bound for every limit.
	Ceiling LimitsConfig `toml:"ceiling"`

	// SampleInterval is how often the memory sampler reads process stats.
	SampleInterval time.Duration `toml:"sample_interval"`
}

// PathsConfig holds path configuration.
type PathsConfig struct {
	PipelineDir string `toml:"pipeline_dir"`
	TraceDir    string `toml:"trace_dir"`
	LogsDir     string `toml:"logs_dir"`
}

// TracingConfig controls where finished spans are sent.
type TracingConfig struct {
	// JSONL writes every finished span to <trace_dir>/<trace_id>.jsonl.
	JSONL bool `toml:"jsonl"`

	// OTel replays the finished trace into the global OpenTelemetry provider.
	OTel bool `toml:"otel"`

	// ServiceName is the instrumentation name used for exported spans.
	ServiceName string `toml:"service_name"`

	// OTelExporter is "stdout" or "otlp".
	OTelExporter string `toml:"otel_exporter"`

	// OTelEndpoint is the OTLP gRPC collector address.
	OTelEndpoint string `toml:"otel_endpoint"`

	// OTelInsecure disables TLS towards the collector.
	OTelInsecure bool `toml:"otel_insecure"`

	// OTelFile receives stdout exporter output instead of stderr.
	OTelFile string `toml:"otel_file"`
}

// MetricsConfig controls the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// Config is the main configuration struct for pipenest.
type Config struct {
	Version string        `toml:"version"`
	Paths   PathsConfig   `toml:"paths"`
	Safety  SafetyConfig  `toml:"safety"`
	Tracing TracingConfig `toml:"tracing"`
	Metrics MetricsConfig `toml:"metrics"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			PipelineDir: ".pipenest/pipelines",
			TraceDir:    ".pipenest/traces",
			LogsDir:     ".pipenest/logs",
		},
		Safety: SafetyConfig{
			LimitsConfig: LimitsConfig{
				MaxDepth:       10,
				MaxTotalSteps:  1000,
				MemoryLimitMB:  1024,
				TimeoutSeconds: 600,
			},
			Ceiling: LimitsConfig{
				MaxDepth:       50,
				MaxTotalSteps:  100000,
				MemoryLimitMB:  8192,
				TimeoutSeconds: 86400,
			},
			SampleInterval: 250 * time.Millisecond,
		},
		Tracing: TracingConfig{
			JSONL:       true,
			OTel:         false,
			ServiceName:  "pipenest",
			OTelExporter: "stdout",
			OTelEndpoint: "localhost:4317",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "pipenest",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
			File:   "",
		},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.pipenest/config.toml -> .pipenest/config.toml
// Later configs override earlier ones (project-level takes precedence).
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".pipenest", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".pipenest", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config version is required")
	}
	if c.Paths.TraceDir == "" {
		return fmt.Errorf("trace_dir is required")
	}
	if c.Safety.MaxDepth < 0 {
		return fmt.Errorf("safety.max_depth must not be negative")
	}
	if c.Safety.MaxTotalSteps <= 0 {
		return fmt.Errorf("safety.max_total_steps must be positive")
	}
	if c.Safety.SampleInterval <= 0 {
		return fmt.Errorf("safety.sample_interval must be positive")
	}
	if err := c.Safety.checkCeiling(); err != nil {
		return err
	}
	if c.Tracing.OTel {
		switch c.Tracing.OTelExporter {
		case "stdout":
		case "otlp":
			if c.Tracing.OTelEndpoint == "" {
				return fmt.Errorf("tracing.otel_endpoint is required for the otlp exporter")
			}
		default:
			return fmt.Errorf("tracing.otel_exporter must be stdout or otlp, got %q", c.Tracing.OTelExporter)
		}
	}
	return nil
}

// checkCeiling rejects defaults that already sit above the ceiling.
func (s SafetyConfig) checkCeiling() error {
	pairs := []struct {
		name       string
		value, max int
	}{
		{"max_depth", s.MaxDepth, s.Ceiling.MaxDepth},
		{"max_total_steps", s.MaxTotalSteps, s.Ceiling.MaxTotalSteps},
		{"memory_limit_mb", s.MemoryLimitMB, s.Ceiling.MemoryLimitMB},
		{"timeout_seconds", s.TimeoutSeconds, s.Ceiling.TimeoutSeconds},
	}
	for _, p := range pairs {
		if p.max > 0 && p.value > p.max {
			return fmt.Errorf("safety.%s (%d) exceeds safety.ceiling.%s (%d)", p.name, p.value, p.name, p.max)
		}
	}
	return nil
}

// PipelineDir returns the absolute pipeline directory path.
func (c *Config) PipelineDir(baseDir string) string {
	return resolve(baseDir, c.Paths.PipelineDir)
}

// TraceDir returns the absolute trace directory path.
func (c *Config) TraceDir(baseDir string) string {
	return resolve(baseDir, c.Paths.TraceDir)
}

// LogsDir returns the absolute logs directory path.
func (c *Config) LogsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.LogsDir)
}

// LogFile returns the absolute log file path, or "" when file logging is off.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(c.LogsDir(baseDir), c.Logging.File)
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
