package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/meow-stack/pipenest/internal/config"
	"github.com/meow-stack/pipenest/internal/handlers"
	"github.com/meow-stack/pipenest/internal/metrics"
	"github.com/meow-stack/pipenest/internal/orchestrator"
	"github.com/meow-stack/pipenest/internal/pipeline"
	"github.com/meow-stack/pipenest/internal/trace"
)

// engine bundles an orchestrator with the collaborators the CLI reports on.
type engine struct {
	orch    *orchestrator.Orchestrator
	loader  *pipeline.Loader
	tracer  *trace.Tracer
	metrics *metrics.Metrics

	provider *sdktrace.TracerProvider
	otelFile *os.File
}

// newEngine wires the orchestrator from configuration: pipeline loader,
// tracer sinks, metrics, OpenTelemetry bridge and the built-in handlers.
func newEngine(cfg *config.Config, dir string, logger *slog.Logger) (*engine, error) {
	loader := pipeline.NewLoader(cfg.PipelineDir(dir))

	tracerOpts := []trace.Option{trace.WithLogger(logger)}
	if cfg.Tracing.JSONL {
		sink, err := trace.NewJSONLSink(cfg.TraceDir(dir))
		if err != nil {
			return nil, err
		}
		tracerOpts = append(tracerOpts, trace.WithSink(sink))
	}
	tracer := trace.NewTracer(tracerOpts...)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	opts := []orchestrator.Option{
		orchestrator.WithLoader(loader),
		orchestrator.WithTracer(tracer),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
	}
	eng := &engine{loader: loader, tracer: tracer, metrics: m}
	if cfg.Tracing.OTel {
		if err := eng.startOTel(cfg, dir); err != nil {
			_ = eng.Close()
			return nil, err
		}
		opts = append(opts, orchestrator.WithOTel(trace.NewGlobalOTelExporter(cfg.Tracing.ServiceName)))
	}

	eng.orch = orchestrator.New(cfg, opts...)
	if err := handlers.RegisterBuiltins(eng.orch.Registry(), eng.orch); err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("registering handlers: %w", err)
	}
	return eng, nil
}

func (e *engine) startOTel(cfg *config.Config, dir string) error {
	pcfg := trace.ProviderConfig{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.OTelExporter,
		Endpoint:    cfg.Tracing.OTelEndpoint,
		Insecure:    cfg.Tracing.OTelInsecure,
	}
	if cfg.Tracing.OTelFile != "" {
		path := cfg.Tracing.OTelFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("opening otel file: %w", err)
		}
		e.otelFile = f
		pcfg.Writer = f
	}

	provider, err := trace.NewProvider(context.Background(), pcfg)
	if err != nil {
		return err
	}
	e.provider = provider
	return nil
}

// Close flushes the OpenTelemetry provider and closes the trace sinks.
func (e *engine) Close() error {
	var errs []error
	if e.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down otel provider: %w", err))
		}
	}
	if e.otelFile != nil {
		errs = append(errs, e.otelFile.Close())
	}
	errs = append(errs, e.tracer.Close())
	return errors.Join(errs...)
}
