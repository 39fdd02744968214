package trace

import (
	"sort"

	"github.com/meow-stack/pipenest/internal/types"
)

// ExecutionTree is a read-only view over one span and its descendants.
// It is rebuilt from the flat span set on demand.
type ExecutionTree struct {
	PipelineID string
	Span       Span
	Children   []*ExecutionTree

	// TotalDurationMS is the span's own measured duration.
	TotalDurationMS float64

	// StepCount is 1 + the children's step counts.
	StepCount int

	// LeafSteps counts the non-nested step spans in the subtree.
	LeafSteps int

	// MaxDepth is the deepest span depth in the subtree.
	MaxDepth int
}

// BuildExecutionTree links the spans of tc by parent id. Spans whose parent
// is missing become roots, and so do spans whose parent links form a
// cycle, so no span is ever dropped.
func BuildExecutionTree(tc *Context) []*ExecutionTree {
	return BuildFromSpans(tc.Spans())
}

// BuildFromSpans is BuildExecutionTree over a span slice.
func BuildFromSpans(spans []Span) []*ExecutionTree {
	known := make(map[string]bool, len(spans))
	for _, s := range spans {
		known[s.ID] = true
	}

	children := make(map[string][]Span)
	var roots []Span
	for _, s := range spans {
		if s.ParentSpanID == "" || !known[s.ParentSpanID] {
			roots = append(roots, s)
			continue
		}
		children[s.ParentSpanID] = append(children[s.ParentSpanID], s)
	}

	byStart := func(list []Span) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].StartTime.Before(list[j].StartTime)
		})
	}
	byStart(roots)

	visited := make(map[string]bool, len(spans))
	var build func(s Span) *ExecutionTree
	build = func(s Span) *ExecutionTree {
		visited[s.ID] = true
		node := &ExecutionTree{
			PipelineID:      s.PipelineID,
			Span:            s,
			TotalDurationMS: s.DurationMS,
			StepCount:       1,
			MaxDepth:        s.Depth,
		}
		if !s.IsPipeline() && s.StepType != types.StepTypePipeline {
			node.LeafSteps = 1
		}

		kids := children[s.ID]
		byStart(kids)
		for _, k := range kids {
			if visited[k.ID] {
				continue
			}
			child := build(k)
			node.Children = append(node.Children, child)
			node.StepCount += child.StepCount
			node.LeafSteps += child.LeafSteps
			if child.MaxDepth > node.MaxDepth {
				node.MaxDepth = child.MaxDepth
			}
		}
		return node
	}

	trees := make([]*ExecutionTree, 0, len(roots))
	for _, r := range roots {
		trees = append(trees, build(r))
	}

	// unreachable: parent links loop back on themselves
	var rest []Span
	for _, s := range spans {
		if !visited[s.ID] {
			rest = append(rest, s)
		}
	}
	byStart(rest)
	for _, s := range rest {
		if !visited[s.ID] {
			trees = append(trees, build(s))
		}
	}
	return trees
}

// Flatten returns every span of the trees in depth-first order.
func Flatten(trees []*ExecutionTree) []Span {
	var out []Span
	var walk func(n *ExecutionTree)
	walk = func(n *ExecutionTree) {
		out = append(out, n.Span)
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, t := range trees {
		walk(t)
	}
	return out
}

// Find returns the first node, depth first, whose span matches fn.
func Find(trees []*ExecutionTree, fn func(Span) bool) *ExecutionTree {
	for _, t := range trees {
		if fn(t.Span) {
			return t
		}
		if found := Find(t.Children, fn); found != nil {
			return found
		}
	}
	return nil
}
