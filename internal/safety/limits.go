// Package safety bounds a root execution and everything it nests:
// depth, cycles, cumulative steps, elapsed time and sampled memory.
package safety

import (
	"time"

	"github.com/meow-stack/pipenest/internal/config"
	"github.com/meow-stack/pipenest/internal/types"
)

// Limits defines the resource limits for one pipeline invocation.
// A zero field means "unbounded".
type Limits struct {
	MaxDepth      int           // Maximum nesting depth below the root
	MaxTotalSteps int64         // Maximum steps executed across the whole tree
	MemoryLimitMB int64         // Sampled heap high-water mark
	Timeout       time.Duration // Elapsed time budget
}

// DefaultLimits returns reasonable default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:      10,
		MaxTotalSteps: 1000,
		MemoryLimitMB: 1024,
		Timeout:       10 * time.Minute,
	}
}

// FromConfig converts a config section into Limits.
func FromConfig(c config.LimitsConfig) Limits {
	return Limits{
		MaxDepth:      c.MaxDepth,
		MaxTotalSteps: int64(c.MaxTotalSteps),
		MemoryLimitMB: int64(c.MemoryLimitMB),
		Timeout:       time.Duration(c.TimeoutSeconds) * time.Second,
	}
}

// Override applies a nested step's overrides and clamps the result to
// ceiling. Overrides may tighten or loosen a limit; a zero override
// keeps the inherited value.
func (l Limits) Override(o types.SafetyOverride, ceiling Limits) Limits {
	out := l
	if o.MaxDepth > 0 {
		out.MaxDepth = o.MaxDepth
	}
	if o.MaxTotalSteps > 0 {
		out.MaxTotalSteps = int64(o.MaxTotalSteps)
	}
	if o.MemoryLimitMB > 0 {
		out.MemoryLimitMB = int64(o.MemoryLimitMB)
	}
	if o.TimeoutSeconds > 0 {
		out.Timeout = time.Duration(o.TimeoutSeconds) * time.Second
	}
	return out.Clamp(ceiling)
}

// Clamp lowers every limit that exceeds the matching ceiling.
// Unbounded limits are lowered to a bounded ceiling too.
func (l Limits) Clamp(ceiling Limits) Limits {
	if ceiling.MaxDepth > 0 && (l.MaxDepth == 0 || l.MaxDepth > ceiling.MaxDepth) {
		l.MaxDepth = ceiling.MaxDepth
	}
	if ceiling.MaxTotalSteps > 0 && (l.MaxTotalSteps == 0 || l.MaxTotalSteps > ceiling.MaxTotalSteps) {
		l.MaxTotalSteps = ceiling.MaxTotalSteps
	}
	if ceiling.MemoryLimitMB > 0 && (l.MemoryLimitMB == 0 || l.MemoryLimitMB > ceiling.MemoryLimitMB) {
		l.MemoryLimitMB = ceiling.MemoryLimitMB
	}
	if ceiling.Timeout > 0 && (l.Timeout == 0 || l.Timeout > ceiling.Timeout) {
		l.Timeout = ceiling.Timeout
	}
	return l
}
