package realtime

import "github.com/dudk/rack/signal"

// delayLine is a per-channel circular buffer which delays the signal by
// a constant number of samples. Reads happen before writes, so a line
// of length n outputs exactly n samples of silence before the input
// reappears.
type delayLine struct {
	length  int
	buffers [][]float64
	pos     []int
}

// newDelayLine returns nil for zero length, a nil line is a no-op.
func newDelayLine(numChannels, length int) *delayLine {
	if length <= 0 {
		return nil
	}
	d := delayLine{
		length:  length,
		buffers: make([][]float64, numChannels),
		pos:     make([]int, numChannels),
	}
	for ch := range d.buffers {
		d.buffers[ch] = make([]float64, length)
	}
	return &d
}

// process delays the buffer in place.
func (d *delayLine) process(b signal.Float64) {
	for ch := range b {
		if ch >= len(d.buffers) {
			break
		}
		buf := d.buffers[ch]
		pos := d.pos[ch]
		samples := b[ch]
		for i, s := range samples {
			samples[i] = buf[pos]
			buf[pos] = s
			pos++
			if pos == d.length {
				pos = 0
			}
		}
		d.pos[ch] = pos
	}
}
