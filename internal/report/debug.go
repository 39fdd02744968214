package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cast"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/orchestrator"
	"github.com/meow-stack/pipenest/internal/trace"
)

const bytesPerMB = 1024 * 1024

// Options controls the debug report.
type Options struct {
	Tree trace.VisualizeOptions
}

// DefaultOptions shows the whole tree with timings and status, no colour.
func DefaultOptions() Options {
	return Options{Tree: trace.DefaultVisualizeOptions()}
}

// DebugReport combines the execution tree, the per-depth performance
// summary and, when the run failed, an error analysis with suggestions.
// result may be nil for traces read back from disk; the analysis then
// works from the failed root span's message.
func DebugReport(tc *trace.Context, result *orchestrator.Result, opts Options) string {
	var b strings.Builder

	trees := trace.BuildExecutionTree(tc)
	summary := trace.Summarize(trees)

	fmt.Fprintf(&b, "Trace:    %s\n", tc.TraceID)
	writeHeader(&b, trees, result)

	b.WriteString("\nExecution tree:\n")
	b.WriteString(trace.Visualize(trees, opts.Tree))

	b.WriteString("\nPerformance:\n")
	b.WriteString(summary.String())

	switch {
	case result != nil && result.Err != nil:
		b.WriteString("\nError analysis:\n")
		writeAnalysis(&b, result.Err, summary)
	case result == nil:
		if span, ok := failedRoot(trees); ok {
			b.WriteString("\nError analysis:\n")
			writeSpanAnalysis(&b, span, deepestFailedStep(trees), summary)
		}
	}
	return b.String()
}

func writeHeader(b *strings.Builder, trees []*trace.ExecutionTree, result *orchestrator.Result) {
	if result == nil {
		if len(trees) > 0 {
			root := trees[0].Span
			fmt.Fprintf(b, "Pipeline: %s\n", root.PipelineID)
			fmt.Fprintf(b, "Status:   %s\n", root.Status)
			fmt.Fprintf(b, "Started:  %s (%s)\n", root.StartTime.Format(time.RFC3339), humanize.Time(root.StartTime))
		}
		return
	}

	status := "✓ completed"
	if result.Err != nil {
		status = "✗ failed"
	}
	fmt.Fprintf(b, "Status:   %s\n", status)
	fmt.Fprintf(b, "Duration: %s\n", result.Duration.Round(time.Millisecond))
	fmt.Fprintf(b, "Steps:    %s\n", humanize.Comma(result.Steps))
	fmt.Fprintf(b, "Memory:   %s peak\n", humanize.IBytes(result.PeakMemoryBytes))
}

func failedRoot(trees []*trace.ExecutionTree) (trace.Span, bool) {
	for _, t := range trees {
		if t.Span.Status == trace.StatusFailed {
			return t.Span, true
		}
	}
	return trace.Span{}, false
}

func writeAnalysis(b *strings.Builder, err error, summary trace.PerformanceSummary) {
	f := FormatError(err, nil, nil)
	code := perrors.Code(err)
	var details map[string]any
	if perr, ok := perrors.As(err); ok {
		details = perr.Details
	}

	fmt.Fprintf(b, "  Code:     %s (%s)\n", orDash(code), describe(code))
	if f.Context.PipelineID != "" {
		fmt.Fprintf(b, "  Location: %s\n", f.Context.Location())
	}
	if len(f.Context.Breadcrumbs) > 0 {
		fmt.Fprintf(b, "  Trail:    %s\n", strings.Join(f.Context.Breadcrumbs, perrors.ChainSeparator))
	}
	fmt.Fprintf(b, "  Error:    %s\n", err)
	writeSuggestions(b, Remediation(code, details, summary))
}

// deepestFailedStep follows failed step spans down the tree and returns the
// innermost one, or nil.
func deepestFailedStep(trees []*trace.ExecutionTree) *trace.ExecutionTree {
	failedStep := func(s trace.Span) bool {
		return !s.IsPipeline() && s.Status == trace.StatusFailed
	}
	var deepest *trace.ExecutionTree
	for node := trace.Find(trees, failedStep); node != nil; node = trace.Find(node.Children, failedStep) {
		deepest = node
	}
	return deepest
}

func writeSpanAnalysis(b *strings.Builder, span trace.Span, step *trace.ExecutionTree, summary trace.PerformanceSummary) {
	code := CodeFromMessage(span.Error)
	fmt.Fprintf(b, "  Code:     %s (%s)\n", orDash(code), describe(code))
	if step != nil {
		loc := ErrorContext{PipelineID: step.Span.PipelineID, Step: step.Span.StepName, Depth: step.Span.Depth}
		fmt.Fprintf(b, "  Location: %s\n", loc.Location())
	}
	fmt.Fprintf(b, "  Error:    %s\n", span.Error)
	writeSuggestions(b, Remediation(code, nil, summary))
}

func writeSuggestions(b *strings.Builder, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.WriteString("  Suggestions:\n")
	for _, l := range lines {
		fmt.Fprintf(b, "    - %s\n", l)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Remediation returns suggestions for an error code. details are the
// error's structured details and may be nil.
func Remediation(code string, details map[string]any, summary trace.PerformanceSummary) []string {
	var out []string

	switch code {
	case perrors.CodeTimeoutExceeded:
		if limit, elapsed, ok := floatPair(details, "limit_s", "elapsed_s"); ok {
			out = append(out, fmt.Sprintf("Elapsed %.1fs against a limit of %.0fs.", elapsed, limit))
		}
		if slow, ok := summary.Slowest(); ok {
			out = append(out, fmt.Sprintf("Depth %d is the slowest level (avg %s).", slow.Depth, trace.FormatMS(slow.AvgMS)))
		}
		out = append(out, "Reduce the number of turns or the scope of the slowest steps, or raise timeout_seconds on the nested step.")

	case perrors.CodeCircularDependency:
		if cycle := cast.ToString(details["cycle"]); cycle != "" {
			out = append(out, "Cycle: "+cycle)
		}
		out = append(out, "Remove one of the pipeline references in the cycle; a pipeline cannot invoke itself, directly or indirectly.")

	case perrors.CodeMemoryLimitExceeded:
		if limit, current, ok := intPair(details, "limit_mb", "current_mb"); ok {
			out = append(out, fmt.Sprintf("Peak sampled memory %s, configured limit %s.",
				humanize.IBytes(uint64(current)*bytesPerMB), humanize.IBytes(uint64(limit)*bytesPerMB)))
		}
		out = append(out, "Split the work into smaller nested pipelines or raise memory_limit_mb.")

	case perrors.CodeStepCountExceeded:
		if limit, current, ok := intPair(details, "max", "current"); ok {
			out = append(out, fmt.Sprintf("%s steps executed, max_total_steps is %s.",
				humanize.Comma(current), humanize.Comma(limit)))
		}
		out = append(out, "Look for runaway fan-out or recursion, or raise max_total_steps.")

	case perrors.CodeDepthExceeded:
		if limit, current, ok := intPair(details, "max", "current"); ok {
			out = append(out, fmt.Sprintf("Nesting reached depth %d, max_depth is %d.", current, limit))
		}
		if chain := cast.ToStringSlice(details["chain"]); len(chain) > 0 {
			out = append(out, "Chain: "+perrors.FormatChain(chain))
		}
		out = append(out, "Flatten the pipeline tree or raise max_depth on the nested step.")

	case perrors.CodeHandlerFailed:
		out = append(out, "Inspect the failing step's handler; the trail shows how it was reached.")

	case perrors.CodeCancelled:
		out = append(out, "The run was cancelled by its caller before it finished.")

	case perrors.CodePanic:
		out = append(out, "A step handler panicked. This is a bug in the handler, not in the pipeline definition.")

	case perrors.CodeOutputNotFound, perrors.CodeOutputMalformed:
		if available := cast.ToStringSlice(details["available"]); len(available) > 0 {
			sort.Strings(available)
			out = append(out, "Available keys: "+strings.Join(available, ", "))
		}
		out = append(out, "Check the outputs list against the child pipeline's step names and result shape.")

	default:
		switch {
		case strings.HasPrefix(code, "CONFIG_"):
			out = append(out, "Fix the pipeline definition; `pipenest validate` lists every problem.")
		case strings.HasPrefix(code, "IO_"):
			out = append(out, "Check that the file exists next to the referencing pipeline or in pipeline_dir.")
		}
	}
	return out
}

func intPair(details map[string]any, a, b string) (int64, int64, bool) {
	x, errA := cast.ToInt64E(details[a])
	y, errB := cast.ToInt64E(details[b])
	_, okA := details[a]
	_, okB := details[b]
	return x, y, errA == nil && errB == nil && okA && okB
}

func floatPair(details map[string]any, a, b string) (float64, float64, bool) {
	x, errA := cast.ToFloat64E(details[a])
	y, errB := cast.ToFloat64E(details[b])
	_, okA := details[a]
	_, okB := details[b]
	return x, y, errA == nil && errB == nil && okA && okB
}
