package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelExporter replays a finished trace into an OpenTelemetry tracer,
// keeping the original timestamps and parent links.
type OTelExporter struct {
	tracer oteltrace.Tracer
}

// NewOTelExporter creates an exporter for tracer.
func NewOTelExporter(tracer oteltrace.Tracer) *OTelExporter {
	return &OTelExporter{tracer: tracer}
}

// NewGlobalOTelExporter uses the globally registered tracer provider.
func NewGlobalOTelExporter(name string) *OTelExporter {
	return NewOTelExporter(otel.Tracer(name))
}

// ExportTrace emits every span of tc and returns how many were emitted.
func (e *OTelExporter) ExportTrace(ctx context.Context, tc *Context) int {
	count := 0
	var emit func(ctx context.Context, n *ExecutionTree)
	emit = func(ctx context.Context, n *ExecutionTree) {
		s := n.Span
		spanCtx, span := e.tracer.Start(ctx, spanName(s),
			oteltrace.WithTimestamp(s.StartTime),
			oteltrace.WithAttributes(spanAttributes(s)...),
		)
		count++

		for _, c := range n.Children {
			emit(spanCtx, c)
		}

		switch s.Status {
		case StatusFailed:
			span.SetStatus(codes.Error, s.Error)
		case StatusCompleted:
			span.SetStatus(codes.Ok, "")
		}
		if s.Status.IsTerminal() {
			span.End(oteltrace.WithTimestamp(s.EndTime))
		} else {
			span.End()
		}
	}

	for _, t := range BuildExecutionTree(tc) {
		emit(ctx, t)
	}
	return count
}

func spanName(s Span) string {
	if s.IsPipeline() {
		return "pipeline " + s.PipelineID
	}
	return "step " + s.StepName
}

func spanAttributes(s Span) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("pipenest.trace_id", s.TraceID),
		attribute.String("pipenest.span_id", s.ID),
		attribute.String("pipenest.pipeline_id", s.PipelineID),
		attribute.Int("pipenest.depth", s.Depth),
		attribute.String("pipenest.status", string(s.Status)),
	}
	if s.StepName != "" {
		attrs = append(attrs,
			attribute.String("pipenest.step", s.StepName),
			attribute.String("pipenest.step_type", s.StepType),
		)
	}
	if s.Status.IsTerminal() {
		attrs = append(attrs, attribute.Float64("pipenest.duration_ms", s.DurationMS))
	}
	return attrs
}
