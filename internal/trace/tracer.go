package trace

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/meow-stack/pipenest/internal/types"
)

// ErrSpanCompleted is returned when a span is completed twice.
var ErrSpanCompleted = errors.New("span already completed")

// ErrSpanNotFound is returned for an unknown span id.
var ErrSpanNotFound = errors.New("span not found")

// Sink receives every span once it reaches a terminal state.
// Implementations must be safe for concurrent use.
type Sink interface {
	Export(span Span) error
	Close() error
}

// Tracer creates and completes spans.
type Tracer struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithSink adds a sink for finished spans.
func WithSink(s Sink) Option {
	return func(t *Tracer) {
		t.sinks = append(t.sinks, s)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracer) {
		t.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) {
		t.now = now
	}
}

// NewTracer creates a tracer.
func NewTracer(opts ...Option) *Tracer {
	t := &Tracer{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewContext starts a new trace with a random id.
func (t *Tracer) NewContext() *Context {
	return NewContext(uuid.NewString())
}

// StartSpan opens a running span parented to tc.Current and returns a
// context whose Current is the new span. A nil step opens a pipeline span.
func (t *Tracer) StartSpan(tc *Context, pipelineID string, depth int, step *types.StepSpec, meta map[string]any) (*Context, Span) {
	span := &Span{
		ID:           uuid.NewString(),
		TraceID:      tc.TraceID,
		ParentSpanID: tc.Current,
		PipelineID:   pipelineID,
		Depth:        depth,
		StartTime:    t.now(),
		Status:       StatusRunning,
		Metadata:     maps.Clone(meta),
	}
	if step != nil {
		span.StepName = step.Name
		span.StepType = step.Type
	}
	tc.table.add(span)

	t.logger.Debug("span started",
		"trace_id", span.TraceID,
		"span_id", span.ID,
		"pipeline_id", pipelineID,
		"step", span.StepName,
		"depth", depth,
	)

	return tc.WithCurrent(span.ID), span.clone()
}

// CompleteSpan moves a running span to completed (err == nil) or failed,
// records its duration and hands it to the sinks. It returns a context
// whose Current is the span's parent. A span can only be completed once.
func (t *Tracer) CompleteSpan(tc *Context, spanID string, err error) (*Context, error) {
	finished, cerr := t.finish(tc, spanID, err)
	if cerr != nil {
		return tc, cerr
	}
	t.export(finished)
	return tc.WithCurrent(finished.ParentSpanID), nil
}

func (t *Tracer) finish(tc *Context, spanID string, err error) (Span, error) {
	tc.table.mu.Lock()
	defer tc.table.mu.Unlock()

	span, ok := tc.table.spans[spanID]
	if !ok {
		return Span{}, fmt.Errorf("%w: %s", ErrSpanNotFound, spanID)
	}
	if span.Status.IsTerminal() {
		return Span{}, fmt.Errorf("%w: %s", ErrSpanCompleted, spanID)
	}

	span.EndTime = t.now()
	span.DurationMS = float64(span.EndTime.Sub(span.StartTime).Microseconds()) / 1000
	if err != nil {
		span.Status = StatusFailed
		span.Error = err.Error()
	} else {
		span.Status = StatusCompleted
	}
	return span.clone(), nil
}

// Abort fails every span of tc that is still running and returns how many
// were closed. Used when a panic skipped the normal unwinding.
func (t *Tracer) Abort(tc *Context, err error) int {
	closed := 0
	for _, s := range tc.Running() {
		if _, cerr := t.CompleteSpan(tc, s.ID, err); cerr == nil {
			closed++
		}
	}
	return closed
}

// Close closes every sink.
func (t *Tracer) Close() error {
	var errs []error
	for _, s := range t.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tracer) export(span Span) {
	for _, s := range t.sinks {
		if err := s.Export(span); err != nil {
			t.logger.Warn("exporting span", "span_id", span.ID, "error", err)
		}
	}
	t.logger.Debug("span completed",
		"trace_id", span.TraceID,
		"span_id", span.ID,
		"status", span.Status,
		"duration_ms", span.DurationMS,
	)
}
