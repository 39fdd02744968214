// Package trace records one span per pipeline and step invocation and
// rebuilds the execution tree from them.
package trace

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Status is the lifecycle state of a span.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Span is a timed record of one pipeline or step invocation.
// Pipeline spans have an empty StepName.
type Span struct {
	ID           string         `json:"id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	PipelineID   string         `json:"pipeline_id"`
	StepName     string         `json:"step_name,omitempty"`
	StepType     string         `json:"step_type,omitempty"`
	Depth        int            `json:"depth"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time,omitzero"`
	DurationMS   float64        `json:"duration_ms,omitempty"`
	Status       Status         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// IsPipeline returns true for spans that wrap a whole pipeline body.
func (s Span) IsPipeline() bool {
	return s.StepName == ""
}

// Label renders the span for listings: the pipeline id for pipeline
// spans, "step [type]" for steps.
func (s Span) Label() string {
	if s.IsPipeline() {
		return "pipeline " + s.PipelineID
	}
	if s.StepType == "" {
		return s.StepName
	}
	return s.StepName + " [" + s.StepType + "]"
}

func (s Span) clone() Span {
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// spanTable is the append-only span store shared by every branch of one
// trace. Span ids are unique so concurrent writers never touch the same entry.
type spanTable struct {
	mu    sync.RWMutex
	spans map[string]*Span
	order []string
}

func newSpanTable() *spanTable {
	return &spanTable{spans: make(map[string]*Span)}
}

func (t *spanTable) add(s *Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans[s.ID] = s
	t.order = append(t.order, s.ID)
}

func (t *spanTable) get(id string) (Span, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.spans[id]
	if !ok {
		return Span{}, false
	}
	return s.clone(), true
}

func (t *spanTable) all() []Span {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Span, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.spans[id].clone())
	}
	return out
}

// Context aggregates the spans of one root execution. It is passed by
// value-like pointer: StartSpan and CompleteSpan return a new Context with
// a different Current span while sharing the span table.
type Context struct {
	TraceID string

	// Current is the span new spans are parented to. Empty at the root.
	Current string

	table *spanTable
}

// NewContext creates an empty trace context.
func NewContext(traceID string) *Context {
	return &Context{TraceID: traceID, table: newSpanTable()}
}

// FromSpans rebuilds a trace context from recorded spans.
func FromSpans(traceID string, spans []Span) *Context {
	tc := NewContext(traceID)
	for i := range spans {
		s := spans[i].clone()
		tc.table.add(&s)
	}
	return tc
}

// WithCurrent returns a context that parents new spans to spanID.
func (c *Context) WithCurrent(spanID string) *Context {
	return &Context{TraceID: c.TraceID, Current: spanID, table: c.table}
}

// Spans returns copies of every span in start order.
func (c *Context) Spans() []Span {
	return c.table.all()
}

// Span returns a copy of one span.
func (c *Context) Span(id string) (Span, bool) {
	return c.table.get(id)
}

// Running returns the spans that have not completed yet.
func (c *Context) Running() []Span {
	return slices.DeleteFunc(c.Spans(), func(s Span) bool {
		return s.Status.IsTerminal()
	})
}

// Len returns the number of spans.
func (c *Context) Len() int {
	c.table.mu.RLock()
	defer c.table.mu.RUnlock()
	return len(c.table.order)
}
