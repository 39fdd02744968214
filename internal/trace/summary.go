package trace

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
)

// DepthMetrics aggregates the spans found at one nesting depth.
// Duration figures only include finished spans.
type DepthMetrics struct {
	Depth       int     `json:"depth"`
	Count       int     `json:"count"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	AvgMS       float64 `json:"avg_ms"`
	MinMS       float64 `json:"min_ms"`
	MaxMS       float64 `json:"max_ms"`
	SuccessRate float64 `json:"success_rate"`
}

// PerformanceSummary groups every span of a trace by depth.
type PerformanceSummary struct {
	ByDepth     []DepthMetrics `json:"by_depth"`
	TotalSpans  int            `json:"total_spans"`
	FailedSpans int            `json:"failed_spans"`

	// SuccessRate is completed spans over all spans, 0..1.
	SuccessRate float64 `json:"success_rate"`
}

// Summarize computes per-depth metrics over the flattened trees.
func Summarize(trees []*ExecutionTree) PerformanceSummary {
	spans := Flatten(trees)

	type acc struct {
		m        DepthMetrics
		finished int
		totalMS  float64
	}
	byDepth := make(map[int]*acc)

	var sum PerformanceSummary
	completed := 0
	for _, s := range spans {
		a, ok := byDepth[s.Depth]
		if !ok {
			a = &acc{m: DepthMetrics{Depth: s.Depth}}
			byDepth[s.Depth] = a
		}
		a.m.Count++
		sum.TotalSpans++

		switch s.Status {
		case StatusCompleted:
			a.m.Completed++
			completed++
		case StatusFailed:
			a.m.Failed++
			sum.FailedSpans++
		}
		if !s.Status.IsTerminal() {
			continue
		}

		if a.finished == 0 || s.DurationMS < a.m.MinMS {
			a.m.MinMS = s.DurationMS
		}
		if s.DurationMS > a.m.MaxMS {
			a.m.MaxMS = s.DurationMS
		}
		a.finished++
		a.totalMS += s.DurationMS
	}

	for _, a := range byDepth {
		if a.finished > 0 {
			a.m.AvgMS = a.totalMS / float64(a.finished)
		}
		a.m.SuccessRate = float64(a.m.Completed) / float64(a.m.Count)
		sum.ByDepth = append(sum.ByDepth, a.m)
	}
	sort.Slice(sum.ByDepth, func(i, j int) bool {
		return sum.ByDepth[i].Depth < sum.ByDepth[j].Depth
	})

	if sum.TotalSpans > 0 {
		sum.SuccessRate = float64(completed) / float64(sum.TotalSpans)
	}
	return sum
}

// Slowest returns the depth with the highest average duration.
func (p PerformanceSummary) Slowest() (DepthMetrics, bool) {
	if len(p.ByDepth) == 0 {
		return DepthMetrics{}, false
	}
	slowest := p.ByDepth[0]
	for _, m := range p.ByDepth[1:] {
		if m.AvgMS > slowest.AvgMS {
			slowest = m
		}
	}
	return slowest, true
}

// String renders the summary as a small table.
func (p PerformanceSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Spans: %d total, %d failed, %.1f%% success\n",
		p.TotalSpans, p.FailedSpans, p.SuccessRate*100)

	if len(p.ByDepth) == 0 {
		return b.String()
	}

	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEPTH\tSPANS\tFAILED\tAVG\tMIN\tMAX\tSUCCESS")
	for _, m := range p.ByDepth {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\t%.1f%%\n",
			m.Depth, m.Count, m.Failed,
			FormatMS(m.AvgMS), FormatMS(m.MinMS), FormatMS(m.MaxMS),
			m.SuccessRate*100)
	}
	w.Flush()

	if slowest, ok := p.Slowest(); ok && len(p.ByDepth) > 1 {
		fmt.Fprintf(&b, "Slowest depth: %d (avg %s)\n", slowest.Depth, FormatMS(slowest.AvgMS))
	}
	return b.String()
}
