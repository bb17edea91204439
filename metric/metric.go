// Package metric measures render performance of the engines.
package metric

import (
	"expvar"
	"sync"
	"time"

	"github.com/dudk/rack/signal"
)

const enginesLabel = "rack.engines"

// Window is the number of recent measurements the stats are computed
// over.
const Window = 100

var (
	// Blocks counts processed blocks across all engines.
	Blocks = expvar.NewInt(enginesLabel + ".Blocks")
	// Samples counts processed samples across all engines.
	Samples = expvar.NewInt(enginesLabel + ".Samples")
)

// Stats is a point-in-time view of render performance.
type Stats struct {
	// Average render time over the window.
	Average time.Duration
	// Peak render time over the window.
	Peak time.Duration
	// Load is average render time relative to block duration, in percent.
	Load float64
}

// Timer keeps a rolling window of render timings.
type Timer struct {
	mu     sync.Mutex
	window [Window]time.Duration
	pos    int
	count  int
}

// NewTimer returns a timer with an empty window.
func NewTimer() *Timer {
	return &Timer{}
}

// Measure captures the start of a render call and returns a closure
// that records its duration.
func (t *Timer) Measure(blockSize int) func() {
	calledAt := time.Now()
	return func() {
		t.Add(time.Since(calledAt))
		Blocks.Add(1)
		Samples.Add(int64(blockSize))
	}
}

// Add records a single measurement.
func (t *Timer) Add(d time.Duration) {
	t.mu.Lock()
	t.window[t.pos] = d
	t.pos = (t.pos + 1) % Window
	if t.count < Window {
		t.count++
	}
	t.mu.Unlock()
}

// Stats computes average and peak over the window and the render load
// relative to block duration at the passed sample rate.
func (t *Timer) Stats(sampleRate, bufferSize int) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return Stats{}
	}
	var sum, peak time.Duration
	for i := 0; i < t.count; i++ {
		d := t.window[i]
		sum += d
		if d > peak {
			peak = d
		}
	}
	s := Stats{
		Average: sum / time.Duration(t.count),
		Peak:    peak,
	}
	if block := signal.DurationOf(sampleRate, int64(bufferSize)); block > 0 {
		s.Load = float64(s.Average) / float64(block) * 100
	}
	return s
}
