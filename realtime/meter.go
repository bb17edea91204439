package realtime

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/dudk/rack"
	"github.com/dudk/rack/signal"
)

// meterRelease is the smoothing time constant.
const meterRelease = 300 * time.Millisecond

// meter tracks a peak level with exponential smoothing. The level is
// stored as float bits so readers never touch the render lock.
type meter struct {
	alpha float64
	bits  atomic.Uint64
}

// meterAlpha derives the smoothing coefficient from the block duration.
func meterAlpha(config rack.Config) float64 {
	block := signal.DurationOf(config.SampleRate, int64(config.BufferSize))
	return 1 - math.Exp(-float64(block)/float64(meterRelease))
}

// update feeds a block peak and returns the new level. A peak above the
// current level is taken immediately, decay is smoothed.
func (m *meter) update(peak float64) float64 {
	level := math.Float64frombits(m.bits.Load())
	if peak >= level {
		level = peak
	} else {
		level += m.alpha * (peak - level)
	}
	m.bits.Store(math.Float64bits(level))
	return level
}

// value returns the current level.
func (m *meter) value() float64 {
	return math.Float64frombits(m.bits.Load())
}
