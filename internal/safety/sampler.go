package safety

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// MemoryReader returns the current memory usage in bytes.
type MemoryReader func() uint64

// HeapAlloc reads the Go heap size from the runtime.
func HeapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Sampler periodically reads memory usage and keeps the latest value and
// the high-water mark. Readers never block on the runtime.
type Sampler struct {
	interval time.Duration
	read     MemoryReader

	current atomic.Uint64
	peak    atomic.Uint64
	samples atomic.Int64
}

// NewSampler creates a sampler. A nil reader uses HeapAlloc.
func NewSampler(interval time.Duration, read MemoryReader) *Sampler {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if read == nil {
		read = HeapAlloc
	}
	return &Sampler{interval: interval, read: read}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	s.Sample()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Start runs the sampler in a goroutine and returns a stop function.
func (s *Sampler) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Sample takes one reading now.
func (s *Sampler) Sample() {
	v := s.read()
	s.current.Store(v)
	s.samples.Add(1)
	for {
		peak := s.peak.Load()
		if v <= peak || s.peak.CompareAndSwap(peak, v) {
			return
		}
	}
}

// Current returns the latest reading in bytes.
func (s *Sampler) Current() uint64 {
	return s.current.Load()
}

// Peak returns the highest reading in bytes.
func (s *Sampler) Peak() uint64 {
	return s.peak.Load()
}

// Samples returns how many readings have been taken.
func (s *Sampler) Samples() int64 {
	return s.samples.Load()
}
