// Package logging provides structured logging infrastructure for pipenest.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/meow-stack/pipenest/internal/config"
)

// NewFromConfig creates a new slog.Logger based on configuration.
func NewFromConfig(cfg *config.Config, baseDir string) (*slog.Logger, io.Closer, error) {
	return newLogger(cfg, os.Stderr, cfg.LogFile(baseDir))
}

// NewForRun creates a logger that also writes to <logs_dir>/<runID>.log.
func NewForRun(cfg *config.Config, baseDir, runID string) (*slog.Logger, io.Closer, error) {
	logPath := filepath.Join(cfg.LogsDir(baseDir), runID+".log")
	logger, closer, err := newLogger(cfg, os.Stderr, logPath)
	if err != nil {
		return nil, nil, err
	}
	return logger.With("run_id", runID), closer, nil
}

func newLogger(cfg *config.Config, stderr io.Writer, logPath string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)
	if logPath == "" {
		return slog.New(newHandler(cfg.Logging.Format, stderr, level)), nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}

	multi := io.MultiWriter(stderr, file)
	return slog.New(newHandler(cfg.Logging.Format, multi, level)), file, nil
}

// parseLevel converts config log level to slog.Level.
func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo:
		return slog.LevelInfo
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHandler creates a slog.Handler based on format.
func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch format {
	case config.LogFormatText:
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

// WithPipeline returns a logger with pipeline context.
func WithPipeline(logger *slog.Logger, pipelineID string, depth int) *slog.Logger {
	return logger.With("pipeline_id", pipelineID, "depth", depth)
}

// WithStep returns a logger with step context.
func WithStep(logger *slog.Logger, stepName, stepType string) *slog.Logger {
	return logger.With("step", stepName, "step_type", stepType)
}

// WithTrace returns a logger with trace context.
func WithTrace(logger *slog.Logger, traceID string) *slog.Logger {
	return logger.With("trace_id", traceID)
}
