package trace

import (
	"fmt"
	"strings"
	"time"
)

// VisualizeOptions controls tree rendering.
type VisualizeOptions struct {
	ShowTimings bool
	ShowStatus  bool

	// MaxDepth collapses spans nested deeper than this into a marker line.
	// Negative means unlimited.
	MaxDepth int

	Color bool
}

// DefaultVisualizeOptions shows everything without colour.
func DefaultVisualizeOptions() VisualizeOptions {
	return VisualizeOptions{
		ShowTimings: true,
		ShowStatus:  true,
		MaxDepth:    -1,
	}
}

// Visualize renders the trees as an indented listing, one span per line.
func Visualize(trees []*ExecutionTree, opts VisualizeOptions) string {
	if len(trees) == 0 {
		return "(no spans)\n"
	}

	var b strings.Builder
	for _, t := range trees {
		writeNode(&b, t, 0, opts)
	}
	return b.String()
}

func writeNode(b *strings.Builder, n *ExecutionTree, indent int, opts VisualizeOptions) {
	pad := strings.Repeat("  ", indent)
	s := n.Span

	b.WriteString(pad)
	if opts.ShowStatus {
		b.WriteString(statusColor(s.Status, !opts.Color))
		b.WriteString(statusIcon(s.Status))
		b.WriteString(resetColor(!opts.Color))
		b.WriteString(" ")
	}
	b.WriteString(s.Label())
	if s.IsPipeline() && s.Depth > 0 {
		fmt.Fprintf(b, " (depth %d)", s.Depth)
	}
	if opts.ShowTimings {
		if s.Status.IsTerminal() {
			fmt.Fprintf(b, " %s", FormatMS(s.DurationMS))
		} else {
			b.WriteString(" running")
		}
	}
	b.WriteString("\n")

	if opts.ShowStatus && s.Status == StatusFailed && s.Error != "" && !hasFailedChild(n) {
		fmt.Fprintf(b, "%s  %serror:%s %s\n", pad, getColor("red", !opts.Color), resetColor(!opts.Color), s.Error)
	}

	hidden := 0
	for _, c := range n.Children {
		if opts.MaxDepth >= 0 && c.Span.Depth > opts.MaxDepth {
			hidden += c.StepCount
			continue
		}
		writeNode(b, c, indent+1, opts)
	}
	if hidden > 0 {
		fmt.Fprintf(b, "%s  … (%d more spans beyond depth %d)\n", pad, hidden, opts.MaxDepth)
	}
}

// hasFailedChild reports whether the failure is already shown further down.
func hasFailedChild(n *ExecutionTree) bool {
	for _, c := range n.Children {
		if c.Span.Status == StatusFailed {
			return true
		}
	}
	return false
}

// FormatMS renders a millisecond figure compactly.
func FormatMS(ms float64) string {
	switch {
	case ms < 1000:
		return fmt.Sprintf("%.1fms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.2fs", ms/1000)
	default:
		return formatDuration(time.Duration(ms * float64(time.Millisecond)))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

func statusIcon(status Status) string {
	switch status {
	case StatusCompleted:
		return "✓"
	case StatusFailed:
		return "✗"
	case StatusRunning:
		return "●"
	default:
		return "?"
	}
}

func statusColor(status Status, noColor bool) string {
	switch status {
	case StatusCompleted:
		return getColor("green", noColor)
	case StatusFailed:
		return getColor("red", noColor)
	case StatusRunning:
		return getColor("yellow", noColor)
	default:
		return ""
	}
}

func getColor(name string, noColor bool) string {
	if noColor {
		return ""
	}

	switch name {
	case "red":
		return "\033[31m"
	case "green":
		return "\033[32m"
	case "yellow":
		return "\033[33m"
	case "gray":
		return "\033[90m"
	default:
		return ""
	}
}

func resetColor(noColor bool) string {
	if noColor {
		return ""
	}
	return "\033[0m"
}
