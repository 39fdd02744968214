// Package orchestrator executes pipeline definitions. Steps run in order;
// a step of type "pipeline" recursively executes a child pipeline under the
// same safety state and trace.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meow-stack/pipenest/internal/config"
	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/logging"
	"github.com/meow-stack/pipenest/internal/metrics"
	"github.com/meow-stack/pipenest/internal/pipeline"
	"github.com/meow-stack/pipenest/internal/safety"
	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/trace"
	"github.com/meow-stack/pipenest/internal/types"
)

var errAbandonedSpan = errors.New("span still running when the run finished")

// Orchestrator is the pipeline execution engine.
// It is safe to call Run concurrently; each run gets its own safety state
// and trace.
type Orchestrator struct {
	registry *Registry
	loader   *pipeline.Loader
	tracer   *trace.Tracer
	metrics  *metrics.Metrics
	otel     *trace.OTelExporter
	logger   *slog.Logger

	limits         safety.Limits
	ceiling        safety.Limits
	sampleInterval time.Duration
	readMemory     safety.MemoryReader
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry sets the handler registry. The "pipeline" handler is added
// to it unless it already has one.
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithLoader sets the loader used for pipeline_file references.
func WithLoader(l *pipeline.Loader) Option {
	return func(o *Orchestrator) {
		o.loader = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t *trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithOTel replays every finished run into an OpenTelemetry tracer.
func WithOTel(e *trace.OTelExporter) Option {
	return func(o *Orchestrator) {
		o.otel = e
	}
}

// WithMemoryReader replaces the runtime heap reader used by the sampler.
func WithMemoryReader(read safety.MemoryReader) Option {
	return func(o *Orchestrator) {
		o.readMemory = read
	}
}

// New creates an Orchestrator. A nil cfg uses config.Default().
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}

	o := &Orchestrator{
		limits:         safety.FromConfig(cfg.Safety.LimitsConfig),
		ceiling:        safety.FromConfig(cfg.Safety.Ceiling),
		sampleInterval: cfg.Safety.SampleInterval,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.loader == nil {
		o.loader = pipeline.NewLoader("")
	}
	if o.tracer == nil {
		o.tracer = trace.NewTracer(trace.WithLogger(o.logger))
	}
	if !o.registry.Has(types.StepTypePipeline) {
		o.registry.MustRegister(types.StepTypePipeline, HandlerFunc(o.InvokeNested))
	}
	return o
}

// Registry returns the handler registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Loader returns the pipeline loader.
func (o *Orchestrator) Loader() *pipeline.Loader {
	return o.loader
}

// Tracer returns the tracer.
func (o *Orchestrator) Tracer() *trace.Tracer {
	return o.tracer
}

// Logger returns the logger.
func (o *Orchestrator) Logger() *slog.Logger {
	return o.logger
}

// Limits returns the default limits applied to a root execution.
func (o *Orchestrator) Limits() safety.Limits {
	return o.limits
}

// RunOptions configures one root execution.
type RunOptions struct {
	// Inputs are the root pipeline's inputs.
	Inputs map[string]any

	// Limits replaces the configured default limits. Still clamped to the
	// ceiling.
	Limits *safety.Limits

	// TraceID names the trace; a random id is used when empty.
	TraceID string
}

// Result is the outcome of a root execution. Trace is always set, even
// when the run failed.
type Result struct {
	TraceID         string
	Outputs         map[string]any
	Trace           *trace.Context
	Err             error
	Duration        time.Duration
	Steps           int64
	PeakMemoryBytes uint64
}

// Succeeded returns true if the run finished without error.
func (r *Result) Succeeded() bool {
	return r.Err == nil
}

// Run executes def as a root pipeline. The returned error is also stored
// in Result.Err.
func (o *Orchestrator) Run(ctx context.Context, def *types.PipelineDefinition, opts RunOptions) (*Result, error) {
	tc := o.tracer.NewContext()
	if opts.TraceID != "" {
		tc = trace.NewContext(opts.TraceID)
	}
	res := &Result{TraceID: tc.TraceID, Trace: tc}

	if err := pipeline.Validate(def, o.registry); err != nil {
		res.Err = err
		return res, err
	}

	limits := o.limits
	if opts.Limits != nil {
		limits = *opts.Limits
	}

	sampler := safety.NewSampler(o.sampleInterval, o.readMemory)
	guard := safety.NewGuard(o.ceiling, sampler)
	state, err := guard.Enter(nil, safety.Frame{PipelineID: def.Name, Identity: pipeline.Identity(def)}, limits)
	if err != nil {
		res.Err = err
		return res, err
	}

	logger := logging.WithTrace(o.logger, tc.TraceID)
	logger.Info("pipeline run starting",
		"pipeline_id", def.Name,
		"max_depth", state.Limits.MaxDepth,
		"max_total_steps", state.Limits.MaxTotalSteps,
		"timeout", state.Limits.Timeout,
	)

	sampler.Sample()
	stopSampler := sampler.Start(ctx)
	if state.Limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, state.Limits.Timeout)
		defer cancel()
	}

	o.metrics.RunStarted()
	ectx := scope.NewRoot(def.Name, def, opts.Inputs)

	out, err := o.executeRoot(ctx, def, ectx, guard, state, tc)
	stopSampler()

	// every span must end in a terminal state, even one abandoned by a
	// recovered branch panic
	abortErr := err
	if abortErr == nil {
		abortErr = errAbandonedSpan
	}
	if n := o.tracer.Abort(tc, abortErr); n > 0 {
		logger.Warn("closed abandoned spans", "count", n)
	}

	res.Duration = time.Since(state.StartTime)
	res.Steps = state.StepCount()
	res.PeakMemoryBytes = max(state.PeakMemoryBytes(), sampler.Peak())
	o.metrics.RunFinished(def.Name, res.Duration, res.PeakMemoryBytes, err)
	if perrors.IsSafetyViolation(err) {
		o.metrics.SafetyViolation(perrors.Code(err))
	}
	if o.otel != nil {
		o.otel.ExportTrace(context.WithoutCancel(ctx), tc)
	}

	if err != nil {
		res.Err = err
		logger.Error("pipeline run failed",
			"pipeline_id", def.Name,
			"code", perrors.Code(err),
			"steps", res.Steps,
			"error", err,
		)
		return res, err
	}

	res.Outputs = out
	logger.Info("pipeline run completed",
		"pipeline_id", def.Name,
		"steps", res.Steps,
		"duration", res.Duration,
		"memory_samples", sampler.Samples(),
	)
	return res, nil
}

// executeRoot runs the root invocation and turns a panic anywhere in the
// tree into an EXEC_003 error, failing every span left running.
func (o *Orchestrator) executeRoot(ctx context.Context, def *types.PipelineDefinition, ectx *scope.ExecutionContext, guard *safety.Guard, state *safety.State, tc *trace.Context) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := perrors.Panic(r).WithDetail("pipeline", def.Name)
			closed := o.tracer.Abort(tc, perr)
			o.logger.Error("recovered panic", "panic", r, "spans_closed", closed)
			out, err = nil, perr
		}
	}()
	return o.Execute(ctx, def, ectx, guard, state, tc)
}

// Execute runs def's steps in order under state and returns the step
// results keyed by step name. Any step error stops the pipeline; the
// partial results are discarded. Relative pipeline_file references
// resolve against def.Source.
func (o *Orchestrator) Execute(ctx context.Context, def *types.PipelineDefinition, ectx *scope.ExecutionContext, guard *safety.Guard, state *safety.State, tc *trace.Context) (map[string]any, error) {
	return o.execute(ctx, &invocation{def: def, file: def.Source, guard: guard, state: state}, ectx, tc)
}

func (o *Orchestrator) execute(ctx context.Context, inv *invocation, ectx *scope.ExecutionContext, tc *trace.Context) (map[string]any, error) {
	logger := logging.WithPipeline(logging.WithTrace(o.logger, tc.TraceID), ectx.PipelineID, ectx.Depth)

	ptc, pspan := o.tracer.StartSpan(tc, ectx.PipelineID, ectx.Depth, nil, map[string]any{
		"identity": inv.state.Frame.Identity,
		"steps":    len(inv.def.Steps),
	})
	logger.Debug("pipeline started", "span_id", pspan.ID)

	out, err := o.runSteps(ctx, inv, ectx, ptc, logger)

	if _, cerr := o.tracer.CompleteSpan(ptc, pspan.ID, err); cerr != nil {
		logger.Warn("completing pipeline span", "error", cerr)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("pipeline completed", "steps", len(out))
	return out, nil
}

func (o *Orchestrator) runSteps(ctx context.Context, inv *invocation, ectx *scope.ExecutionContext, tc *trace.Context, logger *slog.Logger) (map[string]any, error) {
	for _, step := range inv.def.Steps {
		if err := o.checkpoint(ctx, ectx, inv.state); err != nil {
			return nil, perrors.WrapStep(ectx.PipelineID, step.Name, ectx.Depth, ectx.Chain(), err)
		}

		result, err := o.runStep(ctx, inv, step, ectx, tc, logging.WithStep(logger, step.Name, step.Type))
		if err != nil {
			return nil, perrors.WrapStep(ectx.PipelineID, step.Name, ectx.Depth, ectx.Chain(), err)
		}
		ectx.SetResult(step.Name, result)
	}
	return ectx.Results(), nil
}

// checkpoint runs before every step: cancellation, the step budget and
// the soft resource limits.
func (o *Orchestrator) checkpoint(ctx context.Context, ectx *scope.ExecutionContext, state *safety.State) error {
	if err := ctx.Err(); err != nil {
		return contextError(err, ectx, state)
	}
	if err := state.CountStep(); err != nil {
		return err
	}
	return state.CheckResources()
}

func (o *Orchestrator) runStep(ctx context.Context, inv *invocation, step *types.StepSpec, ectx *scope.ExecutionContext, tc *trace.Context, logger *slog.Logger) (any, error) {
	stc, span := o.tracer.StartSpan(tc, ectx.PipelineID, ectx.Depth, step, nil)
	logger.Debug("step started", "span_id", span.ID)
	start := time.Now()

	result, err := o.dispatch(ctx, inv, step, ectx, stc)

	o.metrics.ObserveStep(step.Type, time.Since(start), err)
	if _, cerr := o.tracer.CompleteSpan(stc, span.ID, err); cerr != nil {
		logger.Warn("completing step span", "error", cerr)
	}
	if err != nil {
		logger.Debug("step failed", "error", err)
		return nil, err
	}
	logger.Debug("step completed")
	return result, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, inv *invocation, step *types.StepSpec, ectx *scope.ExecutionContext, stc *trace.Context) (any, error) {
	handler, ok := o.registry.Get(step.Type)
	if !ok {
		return nil, perrors.ConfigUnknownStepType(step.Name, step.Type)
	}

	stepInv := *inv
	stepInv.tc = stc
	result, err := handler.Execute(withInvocation(ctx, &stepInv), step, ectx)
	if err != nil {
		return nil, classify(err, step, ectx, inv.state)
	}
	return result, nil
}

// classify gives every handler error a code. Structured errors pass
// through untouched so nested breadcrumbs survive.
func classify(err error, step *types.StepSpec, ectx *scope.ExecutionContext, state *safety.State) error {
	var perr *perrors.PipeError
	var exec *perrors.ExecError
	switch {
	case errors.As(err, &exec), errors.As(err, &perr):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return contextError(err, ectx, state)
	default:
		return perrors.HandlerFailed(step.Name, step.Type, err)
	}
}

func contextError(err error, ectx *scope.ExecutionContext, state *safety.State) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return perrors.TimeoutExceeded(state.Limits.Timeout.Seconds(), state.Elapsed().Seconds()).
			WithDetail("chain", state.PipelineIDs()).
			WithCause(err)
	}
	return perrors.Cancelled(ectx.PipelineID, err)
}
