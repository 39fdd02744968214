package safety

import (
	"slices"
	"sync/atomic"
	"time"

	perrors "github.com/meow-stack/pipenest/internal/errors"
)

const bytesPerMB = 1024 * 1024

// counters are shared by every invocation of one root execution,
// including concurrent parallel branches.
type counters struct {
	steps      atomic.Int64
	peakMemory atomic.Uint64
}

// Frame identifies one invocation in an ancestor chain.
type Frame struct {
	// PipelineID is the human-readable pipeline name used in messages.
	PipelineID string

	// Identity is the resolved file path or structural hash used for
	// cycle detection.
	Identity string
}

// State is the safety bookkeeping for one pipeline invocation.
// It is immutable after Enter returns except for the shared counters.
type State struct {
	// Depth is the nesting depth; the root is 0.
	Depth int

	// AncestorChain holds the enclosing invocations, root first.
	// len(AncestorChain) == Depth.
	AncestorChain []Frame

	// Frame is this invocation.
	Frame Frame

	// StartTime is when the current timeout budget started.
	StartTime time.Time

	// Limits are the effective limits for this invocation.
	Limits Limits

	shared  *counters
	sampler *Sampler
}

// Path returns the ancestor chain followed by this invocation.
func (s *State) Path() []Frame {
	path := make([]Frame, 0, len(s.AncestorChain)+1)
	path = append(path, s.AncestorChain...)
	return append(path, s.Frame)
}

// PipelineIDs returns the pipeline ids of Path.
func (s *State) PipelineIDs() []string {
	return pipelineIDs(s.Path())
}

func pipelineIDs(frames []Frame) []string {
	ids := make([]string, len(frames))
	for i, f := range frames {
		ids[i] = f.PipelineID
	}
	return ids
}

func identities(frames []Frame) []string {
	ids := make([]string, len(frames))
	for i, f := range frames {
		ids[i] = f.Identity
	}
	return ids
}

// Fork returns a copy for a concurrent branch. The chain is copied and
// the step counter stays shared.
func (s *State) Fork() *State {
	cp := *s
	cp.AncestorChain = slices.Clone(s.AncestorChain)
	return &cp
}

// StepCount returns the steps counted so far across the whole execution.
func (s *State) StepCount() int64 {
	return s.shared.steps.Load()
}

// PeakMemoryBytes returns the highest sampled memory seen by this execution.
func (s *State) PeakMemoryBytes() uint64 {
	return s.shared.peakMemory.Load()
}

// Elapsed returns the time since the current timeout budget started.
func (s *State) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}

// CountStep atomically increments the shared step counter and fails once
// the count passes MaxTotalSteps.
func (s *State) CountStep() error {
	n := s.shared.steps.Add(1)
	if s.Limits.MaxTotalSteps > 0 && n > s.Limits.MaxTotalSteps {
		return perrors.StepCountExceeded(s.Limits.MaxTotalSteps, n).
			WithDetail("chain", s.PipelineIDs())
	}
	return nil
}

// CheckResources compares elapsed time and the latest memory sample
// against the limits. Both checks are soft: memory is only as fresh as the
// last sample.
func (s *State) CheckResources() error {
	if s.Limits.Timeout > 0 {
		if elapsed := s.Elapsed(); elapsed > s.Limits.Timeout {
			return perrors.TimeoutExceeded(s.Limits.Timeout.Seconds(), elapsed.Seconds()).
				WithDetail("chain", s.PipelineIDs())
		}
	}

	if s.sampler == nil {
		return nil
	}
	current := s.sampler.Current()
	for {
		peak := s.shared.peakMemory.Load()
		if current <= peak || s.shared.peakMemory.CompareAndSwap(peak, current) {
			break
		}
	}
	if s.Limits.MemoryLimitMB > 0 {
		peakMB := int64(s.shared.peakMemory.Load() / bytesPerMB)
		if peakMB > s.Limits.MemoryLimitMB {
			return perrors.MemoryLimitExceeded(s.Limits.MemoryLimitMB, peakMB).
				WithDetail("chain", s.PipelineIDs())
		}
	}
	return nil
}

// Guard admits pipeline invocations.
type Guard struct {
	ceiling Limits
	sampler *Sampler
	now     func() time.Time
}

// NewGuard creates a guard. Every limit it sees is clamped to ceiling.
// sampler may be nil, which disables the memory check.
func NewGuard(ceiling Limits, sampler *Sampler) *Guard {
	return &Guard{ceiling: ceiling, sampler: sampler, now: time.Now}
}

// Ceiling returns the program-wide absolute limits.
func (g *Guard) Ceiling() Limits {
	return g.ceiling
}

// Sampler returns the memory sampler, or nil.
func (g *Guard) Sampler() *Sampler {
	return g.sampler
}

// Enter admits an invocation of frame below parent. A nil parent starts
// a new root execution with fresh counters.
//
// The cycle check runs before the depth check so that a self-referencing
// pipeline always reports the cycle. A child timeout that would end after
// the parent's deadline is replaced by the parent's budget.
func (g *Guard) Enter(parent *State, frame Frame, limits Limits) (*State, error) {
	limits = limits.Clamp(g.ceiling)
	if frame.Identity == "" {
		frame.Identity = frame.PipelineID
	}

	if parent == nil {
		return &State{
			Frame:     frame,
			StartTime: g.now(),
			Limits:    limits,
			shared:    &counters{},
			sampler:   g.sampler,
		}, nil
	}

	chain := parent.Path()
	if slices.ContainsFunc(chain, func(f Frame) bool { return f.Identity == frame.Identity }) {
		cycle := append(chain, frame)
		return nil, perrors.CircularDependency(pipelineIDs(cycle)).
			WithDetail("identities", identities(cycle))
	}

	depth := parent.Depth + 1
	if limits.MaxDepth > 0 && depth > limits.MaxDepth {
		return nil, perrors.DepthExceeded(limits.MaxDepth, depth, pipelineIDs(append(chain, frame)))
	}

	start := parent.StartTime
	if limits.Timeout != parent.Limits.Timeout {
		start = g.now()
		// a child budget never outlives the parent's deadline
		if parent.Limits.Timeout > 0 {
			remaining := parent.StartTime.Add(parent.Limits.Timeout).Sub(start)
			if limits.Timeout <= 0 || limits.Timeout > remaining {
				start = parent.StartTime
				limits.Timeout = parent.Limits.Timeout
			}
		}
	}

	return &State{
		Depth:         depth,
		AncestorChain: chain,
		Frame:         frame,
		StartTime:     start,
		Limits:        limits,
		shared:        parent.shared,
		sampler:       parent.sampler,
	}, nil
}
