package realtime

import (
	"sync"

	"github.com/dudk/rack"
	"github.com/dudk/rack/signal"
	"github.com/dudk/rack/wav"
)

// recorder captures the raw input signal into a wav file. It has its
// own lock, distinct from the engine configuration lock, so starting or
// stopping a recording never contends with mode changes.
type recorder struct {
	mu   sync.Mutex
	sink *wav.Sink
	fn   func(signal.Float64) error
	err  error
}

// start creates the destination file. Returns ErrInvalidState if a
// recording is already active.
func (r *recorder) start(path string, sampleRate, numChannels, bufferSize int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink != nil {
		return rack.ErrInvalidState
	}
	sink, err := wav.NewSink(path, signal.BitDepth16)
	if err != nil {
		return err
	}
	fn, err := sink.Sink("record", sampleRate, numChannels, bufferSize)
	if err != nil {
		return err
	}
	r.sink = sink
	r.fn = fn
	r.err = nil
	return nil
}

// write appends a block when recording is active. A write failure stops
// the capture and is reported by stop.
func (r *recorder) write(b signal.Float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fn == nil {
		return
	}
	if err := r.fn(b); err != nil {
		r.err = err
		r.fn = nil
	}
}

// stop finalizes the file. Returns ErrInvalidState if no recording is
// active.
func (r *recorder) stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == nil {
		return rack.ErrInvalidState
	}
	flushErr := r.sink.Flush("record")
	r.sink = nil
	r.fn = nil
	if r.err != nil {
		return r.err
	}
	return flushErr
}

// active reports whether a recording is in progress.
func (r *recorder) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink != nil
}

// StartRecording begins capturing raw input into a wav file at path.
func (e *Engine) StartRecording(path string) error {
	return e.rec.start(path, e.config.SampleRate, e.config.NumChannels, e.config.BufferSize)
}

// StopRecording finalizes the capture file.
func (e *Engine) StopRecording() error {
	return e.rec.stop()
}

// Recording reports whether a capture is in progress.
func (e *Engine) Recording() bool {
	return e.rec.active()
}
