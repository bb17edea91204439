// Package realtime couples a processing topology to a live audio device
// callback: routing modes, delay compensation, recording and metering.
package realtime

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"

	"github.com/dudk/rack"
	"github.com/dudk/rack/metric"
	"github.com/dudk/rack/signal"
)

// Mode selects what the engine routes to the device output.
type Mode int

const (
	// DirectMonitoring copies raw input to output, scaled by the
	// monitoring gain.
	DirectMonitoring Mode = iota
	// ProcessedMonitoring copies the processed signal to output, or
	// silence if monitoring is disabled.
	ProcessedMonitoring
	// SplitMonitoring routes raw input to channel 0 and the processed
	// signal to channel 1.
	SplitMonitoring
)

// LevelFunc receives smoothed input and output levels once per block.
// It is invoked from the render thread, the body must be cheap and
// non-blocking.
type LevelFunc func(input, output float64)

// Engine bridges a live device callback to a processing topology.
type Engine struct {
	ctx       *rack.Context
	logger    *logrus.Logger
	processor rack.Processor
	config    rack.Config

	// configuration lock. Hold time is proportional to data copied,
	// never to plugin work.
	mu          sync.Mutex
	mode        Mode
	monitorGain float64
	monitoring  bool
	delay       *delayLine

	rec recorder

	// lifecycle serializes Start and Stop; running flips true only
	// once the stream is live, so Stop never sees a half-built engine
	lifecycle sync.Mutex
	running   atomic.Bool
	stream    *portaudio.Stream

	inLevel  meter
	outLevel meter

	levelMu      sync.Mutex
	levelNext    int
	levelFns     map[int]LevelFunc
	levelScratch []LevelFunc

	timer *metric.Timer

	// render-thread scratch, allocated once
	raw       signal.Float64
	processed signal.Float64
	out       signal.Float64
}

// Option provides a way to set functional parameters to engine.
type Option func(*Engine)

// WithMode sets the initial routing mode.
func WithMode(mode Mode) Option {
	return func(e *Engine) {
		e.mode = mode
	}
}

// WithMonitorGain sets the monitoring gain.
func WithMonitorGain(gain float64) Option {
	return func(e *Engine) {
		e.monitorGain = gain
	}
}

// WithDelayCompensation sets the compensation length in samples.
func WithDelayCompensation(samples int) Option {
	return func(e *Engine) {
		e.delay = newDelayLine(e.config.NumChannels, samples)
	}
}

// New creates an engine above the passed processor. The engine retains
// the context until Close.
func New(ctx *rack.Context, processor rack.Processor, options ...Option) *Engine {
	config := ctx.Config()
	e := &Engine{
		ctx:         ctx.Retain(),
		logger:      ctx.Logger(),
		processor:   processor,
		config:      config,
		monitorGain: 1,
		monitoring:  true,
		mode:        ProcessedMonitoring,
		levelFns:    make(map[int]LevelFunc),
		timer:       metric.NewTimer(),
		raw:         signal.Empty(config.NumChannels, config.BufferSize),
		processed:   signal.Empty(config.NumChannels, config.BufferSize),
		out:         signal.Empty(config.NumChannels, config.BufferSize),
	}
	alpha := meterAlpha(config)
	e.inLevel.alpha = alpha
	e.outLevel.alpha = alpha
	for _, option := range options {
		option(e)
	}
	return e
}

// Start prepares the processor, opens the default device and starts the
// stream. A device failure is fatal to this instance until it is
// reinitialized.
func (e *Engine) Start() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.running.Load() {
		return rack.ErrInvalidState
	}
	if err := e.processor.Prepare(); err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		_ = e.processor.Release()
		return fmt.Errorf("%w: %v", rack.ErrDevice, err)
	}
	stream, err := portaudio.OpenDefaultStream(
		e.config.NumChannels,
		e.config.NumChannels,
		float64(e.config.SampleRate),
		e.config.BufferSize,
		e.callback,
	)
	if err != nil {
		_ = portaudio.Terminate()
		_ = e.processor.Release()
		return fmt.Errorf("%w: %v", rack.ErrDevice, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		_ = e.processor.Release()
		return fmt.Errorf("%w: %v", rack.ErrDevice, err)
	}
	e.stream = stream
	e.running.Store(true)
	e.logger.Debugf("%v started", e.ctx)
	return nil
}

// Stop stops the stream and releases the processor.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if !e.running.Load() {
		return rack.ErrInvalidState
	}
	e.running.Store(false)
	var errs rack.ExecErrors
	if err := e.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := e.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	if err := e.processor.Release(); err != nil {
		errs = append(errs, err)
	}
	e.stream = nil
	return errs.Ret()
}

// Close stops recording if active and releases the engine's context
// reference.
func (e *Engine) Close() error {
	if err := e.Stop(); err != nil && err != rack.ErrInvalidState {
		return err
	}
	_ = e.StopRecording()
	e.ctx.Release()
	return nil
}

// Running reports whether the device stream is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// callback adapts the portaudio buffers to the render core.
func (e *Engine) callback(in, out [][]float32) {
	for ch := range e.raw {
		if ch >= len(in) {
			break
		}
		src := in[ch]
		dst := e.raw[ch]
		for i := range dst {
			if i < len(src) {
				dst[i] = float64(src[i])
			}
		}
	}
	e.renderBlock(e.raw, e.out)
	for ch := range out {
		if ch >= len(e.out) {
			break
		}
		src := e.out[ch]
		dst := out[ch]
		for i := range dst {
			if i < len(src) {
				dst[i] = float32(src[i])
			}
		}
	}
}

// renderBlock is the device-independent render core: process, delay
// compensation, routing, scrubbing, metering, recording.
func (e *Engine) renderBlock(in, out signal.Float64) {
	done := e.timer.Measure(in.Size())
	defer done()

	e.processed.CopyFrom(in)
	processed := e.processor.ProcessBlock(e.processed, nil)

	e.mu.Lock()
	if e.delay != nil {
		e.delay.process(processed)
	}
	switch e.mode {
	case DirectMonitoring:
		out.CopyFrom(in)
		out.Gain(e.monitorGain)
	case ProcessedMonitoring:
		if e.monitoring {
			out.CopyFrom(processed)
			out.Gain(e.monitorGain)
		} else {
			out.Clear()
		}
	case SplitMonitoring:
		if len(out) > 0 && len(in) > 0 {
			copy(out[0], in[0])
		}
		if len(out) > 1 && len(processed) > 0 {
			copy(out[1], processed[0])
		}
	}
	e.mu.Unlock()

	// the output path never propagates invalid samples
	out.Scrub(signal.Limit)

	inLevel := e.inLevel.update(in.Peak())
	outLevel := e.outLevel.update(out.Peak())
	e.notifyLevels(inLevel, outLevel)

	e.rec.write(in)
}

// SetMode switches the routing mode for the next block.
func (e *Engine) SetMode(mode Mode) {
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
}

// Mode returns the current routing mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetMonitorGain scales the monitored signal.
func (e *Engine) SetMonitorGain(gain float64) {
	e.mu.Lock()
	e.monitorGain = gain
	e.mu.Unlock()
}

// SetMonitoring enables or disables monitoring output in processed
// mode.
func (e *Engine) SetMonitoring(enabled bool) {
	e.mu.Lock()
	e.monitoring = enabled
	e.mu.Unlock()
}

// SetDelayCompensation resizes the compensation delay line. Zero
// disables compensation.
func (e *Engine) SetDelayCompensation(samples int) {
	e.mu.Lock()
	e.delay = newDelayLine(e.config.NumChannels, samples)
	e.mu.Unlock()
}

// AddedLatency returns the constant latency added by compensation.
func (e *Engine) AddedLatency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.delay == nil {
		return 0
	}
	return e.delay.length
}

// OnLevel registers a level-update callback.
func (e *Engine) OnLevel(fn LevelFunc) *rack.Subscription {
	e.levelMu.Lock()
	defer e.levelMu.Unlock()
	id := e.levelNext
	e.levelNext++
	e.levelFns[id] = fn
	return rack.NewSubscription(func() {
		e.levelMu.Lock()
		delete(e.levelFns, id)
		e.levelMu.Unlock()
	})
}

// notifyLevels is called from the render thread only, so the scratch
// slice is reused without extra synchronization.
func (e *Engine) notifyLevels(in, out float64) {
	e.levelMu.Lock()
	e.levelScratch = e.levelScratch[:0]
	for _, fn := range e.levelFns {
		e.levelScratch = append(e.levelScratch, fn)
	}
	fns := e.levelScratch
	e.levelMu.Unlock()
	for _, fn := range fns {
		fn(in, out)
	}
}

// InputLevel returns the smoothed input level.
func (e *Engine) InputLevel() float64 {
	return e.inLevel.value()
}

// OutputLevel returns the smoothed output level.
func (e *Engine) OutputLevel() float64 {
	return e.outLevel.value()
}

// Stats returns rolling render performance over the recent window.
func (e *Engine) Stats() metric.Stats {
	return e.timer.Stats(e.config.SampleRate, e.config.BufferSize)
}
