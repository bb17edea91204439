// Package offline renders file-to-file tasks through per-task
// processing chains with a bounded worker pool.
package offline

import (
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dudk/rack"
	"github.com/dudk/rack/aiff"
	"github.com/dudk/rack/mp3"
	"github.com/dudk/rack/signal"
	"github.com/dudk/rack/wav"
)

// mp3 encoding defaults used when a task renders to .mp3.
const (
	mp3BitRate = 320
	mp3Quality = 2
)

// pump reads blocks from a source file.
type pump interface {
	Pump(sourceID string, bufferSize int) (func() (signal.Float64, error), int, int, error)
	Samples() int64
	Flush(string) error
}

// sink writes blocks to a destination file.
type sink interface {
	Sink(sourceID string, sampleRate, numChannels, bufferSize int) (func(signal.Float64) error, error)
	Flush(string) error
}

// StateFunc is invoked on every task status transition.
type StateFunc func(t *Task, status Status)

// ProgressFunc is invoked when a task progress advances.
type ProgressFunc func(t *Task, progress float64)

// Engine renders queued tasks with a pool of workers.
type Engine struct {
	ctx     *rack.Context
	logger  *logrus.Logger
	config  rack.Config
	workers int

	mu      sync.Mutex
	tasks   []*Task
	queue   chan *Task
	running bool
	wg      sync.WaitGroup

	pauseMu sync.Mutex
	pauseC  *sync.Cond
	paused  bool

	cbMu        sync.Mutex
	stateNext   int
	stateFns    map[int]StateFunc
	progNext    int
	progressFns map[int]ProgressFunc
}

// Option provides a way to set functional parameters to engine.
type Option func(*Engine)

// WithWorkers sets the pool size. Values below one are ignored.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New creates an offline engine. The engine retains the context until
// Close.
func New(ctx *rack.Context, options ...Option) *Engine {
	e := &Engine{
		ctx:         ctx.Retain(),
		logger:      ctx.Logger(),
		config:      ctx.Config(),
		workers:     2,
		stateFns:    make(map[int]StateFunc),
		progressFns: make(map[int]ProgressFunc),
	}
	e.pauseC = sync.NewCond(&e.pauseMu)
	for _, option := range options {
		option(e)
	}
	return e
}

// AddTask queues an input-to-output job. Tasks added while the pool is
// running are picked up by idle workers. The task is registered only
// after it is enqueued, so a rejected add leaves no trace.
func (e *Engine) AddTask(input, output string, options ...TaskOption) (*Task, error) {
	t := newTask(e.config, input, output, options...)
	e.mu.Lock()
	// enqueue under the lock: stop paths nil the field under the same
	// lock before closing the channel, so the send can never hit a
	// closed channel
	if e.queue != nil {
		select {
		case e.queue <- t:
		default:
			e.mu.Unlock()
			return nil, rack.ErrInvalidState
		}
	}
	e.tasks = append(e.tasks, t)
	e.mu.Unlock()
	e.logger.Debugf("task %s queued: %s -> %s", t.ID(), input, output)
	return t, nil
}

// Tasks returns all known tasks in submission order.
func (e *Engine) Tasks() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	tasks := make([]*Task, len(e.tasks))
	copy(tasks, e.tasks)
	return tasks
}

// Task returns the task with the passed id.
func (e *Engine) Task(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		if t.ID() == id {
			return t, true
		}
	}
	return nil, false
}

// StartProcessing starts the worker pool and feeds it every pending
// task.
func (e *Engine) StartProcessing() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return rack.ErrInvalidState
	}
	e.running = true
	e.queue = make(chan *Task, len(e.tasks)+e.workers*2+16)
	for _, t := range e.tasks {
		if t.Status() == Pending {
			e.queue <- t
		}
	}
	queue := e.queue
	e.mu.Unlock()

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for t := range queue {
				e.process(t)
			}
		}()
	}
	return nil
}

// StopProcessing cancels every non-terminal task, queued and in-flight
// alike, and waits for the workers to drain. In-flight tasks stop at
// their next block boundary.
func (e *Engine) StopProcessing() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return rack.ErrInvalidState
	}
	e.running = false
	queue := e.queue
	e.queue = nil
	for _, t := range e.tasks {
		if !t.Status().Terminal() {
			t.cancelled.Store(true)
		}
	}
	e.mu.Unlock()

	e.Resume()
	close(queue)
	e.wg.Wait()

	// transition outside the lock: state callbacks are free to call
	// back into the engine
	e.mu.Lock()
	pending := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if t.Status() == Pending {
			pending = append(pending, t)
		}
	}
	e.mu.Unlock()
	for _, t := range pending {
		e.transition(t, Cancelled)
	}
	return nil
}

// Wait stops accepting tasks, lets the workers drain the queue and
// stops the pool. A paused pool must be resumed for Wait to return.
func (e *Engine) Wait() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return rack.ErrInvalidState
	}
	e.running = false
	queue := e.queue
	e.queue = nil
	e.mu.Unlock()

	close(queue)
	e.wg.Wait()
	return nil
}

// Pause suspends all workers at their next block boundary.
func (e *Engine) Pause() {
	e.pauseMu.Lock()
	e.paused = true
	e.pauseMu.Unlock()
}

// Resume releases paused workers.
func (e *Engine) Resume() {
	e.pauseMu.Lock()
	e.paused = false
	e.pauseC.Broadcast()
	e.pauseMu.Unlock()
}

// Paused reports whether the pool is paused.
func (e *Engine) Paused() bool {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	return e.paused
}

// checkpoint blocks while the pool is paused.
func (e *Engine) checkpoint() {
	e.pauseMu.Lock()
	for e.paused {
		e.pauseC.Wait()
	}
	e.pauseMu.Unlock()
}

// CancelTask requests cancellation of a single task. A task which did
// not start is cancelled immediately, a running one stops at its next
// block boundary.
func (e *Engine) CancelTask(id string) error {
	t, ok := e.Task(id)
	if !ok {
		return rack.ErrInvalidState
	}
	t.cancelled.Store(true)
	if t.Status() == Pending {
		e.transition(t, Cancelled)
	}
	return nil
}

// Progress returns the unweighted mean progress over all tasks.
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tasks) == 0 {
		return 0
	}
	var sum float64
	for _, t := range e.tasks {
		sum += t.Progress()
	}
	return sum / float64(len(e.tasks))
}

// OnState registers a status transition callback.
func (e *Engine) OnState(fn StateFunc) *rack.Subscription {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	id := e.stateNext
	e.stateNext++
	e.stateFns[id] = fn
	return rack.NewSubscription(func() {
		e.cbMu.Lock()
		delete(e.stateFns, id)
		e.cbMu.Unlock()
	})
}

// OnProgress registers a progress callback.
func (e *Engine) OnProgress(fn ProgressFunc) *rack.Subscription {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	id := e.progNext
	e.progNext++
	e.progressFns[id] = fn
	return rack.NewSubscription(func() {
		e.cbMu.Lock()
		delete(e.progressFns, id)
		e.cbMu.Unlock()
	})
}

func (e *Engine) transition(t *Task, s Status) {
	// a terminal status is never overwritten
	for {
		cur := t.status.Load()
		if Status(cur).Terminal() {
			return
		}
		if t.status.CompareAndSwap(cur, int32(s)) {
			break
		}
	}
	e.cbMu.Lock()
	fns := make([]StateFunc, 0, len(e.stateFns))
	for _, fn := range e.stateFns {
		fns = append(fns, fn)
	}
	e.cbMu.Unlock()
	for _, fn := range fns {
		fn(t, s)
	}
}

func (e *Engine) advance(t *Task, p float64) {
	t.setProgress(p)
	e.cbMu.Lock()
	fns := make([]ProgressFunc, 0, len(e.progressFns))
	for _, fn := range e.progressFns {
		fns = append(fns, fn)
	}
	e.cbMu.Unlock()
	for _, fn := range fns {
		fn(t, p)
	}
}

// Close releases the engine's context reference. The pool must be
// stopped.
func (e *Engine) Close() error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		if err := e.StopProcessing(); err != nil {
			return err
		}
	}
	e.ctx.Release()
	return nil
}

// process renders one task from input to output.
func (e *Engine) process(t *Task) {
	if t.cancelled.Load() {
		e.transition(t, Cancelled)
		return
	}
	e.transition(t, Processing)

	p := pumpFor(t.Input())
	fn, sampleRate, numChannels, err := p.Pump(t.ID(), e.config.BufferSize)
	if err != nil {
		t.setErr(err)
		e.transition(t, Failed)
		return
	}
	defer func() {
		_ = p.Flush(t.ID())
	}()

	s := sinkFor(t.Output())
	writeFn, err := s.Sink(t.ID(), sampleRate, numChannels, e.config.BufferSize)
	if err != nil {
		t.setErr(err)
		e.transition(t, Failed)
		return
	}
	defer func() {
		_ = s.Flush(t.ID())
	}()

	if err := t.chain.Prepare(); err != nil {
		t.setErr(err)
		e.transition(t, Failed)
		return
	}
	// the chain releases even when the task fails mid-file
	defer func() {
		_ = t.chain.Release()
	}()

	total := p.Samples()
	var read int64
	for {
		if t.cancelled.Load() {
			e.transition(t, Cancelled)
			return
		}
		e.checkpoint()

		b, err := fn()
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			t.setErr(err)
			e.transition(t, Failed)
			return
		}
		if err == io.EOF {
			break
		}
		last := err == io.ErrUnexpectedEOF

		b = t.chain.ProcessBlock(b, nil)
		if t.gain != 1 {
			b.Gain(t.gain)
		}
		if err := writeFn(b); err != nil {
			t.setErr(err)
			e.transition(t, Failed)
			return
		}
		read += int64(b.Size())
		if total > 0 {
			e.advance(t, float64(read)/float64(total))
		}
		if last {
			break
		}
	}
	e.advance(t, 1)
	e.transition(t, Completed)
	e.logger.Debugf("task %s completed", t.ID())
}

// pumpFor selects a decoder by the file extension, wav is the fallback.
func pumpFor(path string) pump {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return mp3.NewPump(path)
	case ".aiff", ".aif":
		return aiff.NewPump(path)
	default:
		return wav.NewPump(path)
	}
}

// sinkFor selects an encoder by the file extension, wav is the
// fallback.
func sinkFor(path string) sink {
	if strings.ToLower(filepath.Ext(path)) == ".mp3" {
		return mp3.NewSink(path, mp3BitRate, mp3Quality)
	}
	s, err := wav.NewSink(path, signal.BitDepth16)
	if err != nil {
		// BitDepth16 is always supported
		panic(err)
	}
	return s
}
