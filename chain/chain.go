// Package chain implements an ordered-list processing engine for
// strictly series routing. It trades peak concurrency for reasoning
// simplicity: every edit and every render call is serialized under one
// exclusive lock.
package chain

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dudk/rack"
	"github.com/dudk/rack/log"
	"github.com/dudk/rack/metric"
	"github.com/dudk/rack/signal"
)

// node wraps a unit with its routing flags.
type node struct {
	unit     rack.Unit
	enabled  bool
	bypassed bool
}

// Chain executes units one after another.
type Chain struct {
	mu       sync.Mutex
	name     string
	logger   *logrus.Logger
	config   rack.Config
	nodes    []*node
	prepared bool
	timer    *metric.Timer
	errors   rack.Errors
}

// Option provides a way to set functional parameters to chain.
type Option func(*Chain)

// WithName sets name to chain.
func WithName(name string) Option {
	return func(c *Chain) {
		c.name = name
	}
}

// WithLogger sets logger to chain.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Chain) {
		c.logger = l
	}
}

// New creates a new empty chain.
func New(config rack.Config, options ...Option) *Chain {
	c := &Chain{
		name:   "chain",
		logger: log.GetLogger(),
		config: config,
		timer:  metric.NewTimer(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Add appends a unit and returns its position.
func (c *Chain) Add(unit rack.Unit) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := &node{unit: unit, enabled: true}
	if c.prepared {
		if err := unit.Prepare(c.config.SampleRate, c.config.BufferSize); err != nil {
			n.enabled = false
			c.errors.Notify(unit.Name(), err)
		}
	}
	c.nodes = append(c.nodes, n)
	return len(c.nodes) - 1
}

// Insert places a unit at position i, shifting the rest down.
func (c *Chain) Insert(i int, unit rack.Unit) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i > len(c.nodes) {
		return false
	}
	n := &node{unit: unit, enabled: true}
	if c.prepared {
		if err := unit.Prepare(c.config.SampleRate, c.config.BufferSize); err != nil {
			n.enabled = false
			c.errors.Notify(unit.Name(), err)
		}
	}
	c.nodes = append(c.nodes, nil)
	copy(c.nodes[i+1:], c.nodes[i:])
	c.nodes[i] = n
	return true
}

// Remove deletes the unit at position i and releases it if the chain is
// prepared.
func (c *Chain) Remove(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.nodes) {
		return false
	}
	n := c.nodes[i]
	c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
	if c.prepared {
		if err := n.unit.Release(); err != nil {
			c.errors.Notify(n.unit.Name(), err)
		}
	}
	return true
}

// Move relocates the unit at position from to position to.
func (c *Chain) Move(from, to int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from < 0 || from >= len(c.nodes) || to < 0 || to >= len(c.nodes) {
		return false
	}
	n := c.nodes[from]
	c.nodes = append(c.nodes[:from], c.nodes[from+1:]...)
	c.nodes = append(c.nodes, nil)
	copy(c.nodes[to+1:], c.nodes[to:])
	c.nodes[to] = n
	return true
}

// Len returns the number of units in the chain.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// SetEnabled includes or excludes the unit at i from the render pass.
func (c *Chain) SetEnabled(i int, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.nodes) {
		return false
	}
	c.nodes[i].enabled = enabled
	return true
}

// SetBypassed keeps the unit in the chain but passes its input through
// unmodified.
func (c *Chain) SetBypassed(i int, bypassed bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.nodes) {
		return false
	}
	c.nodes[i].bypassed = bypassed
	return true
}

// Enabled reports whether the unit at i takes part in the render pass.
func (c *Chain) Enabled(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.nodes) {
		return false
	}
	return c.nodes[i].enabled
}

// Prepare supplies execution parameters to every unit.
func (c *Chain) Prepare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prepared {
		return rack.ErrInvalidState
	}
	errs := rack.ExecErrors{}
	for _, n := range c.nodes {
		if err := n.unit.Prepare(c.config.SampleRate, c.config.BufferSize); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errs.Ret(); err != nil {
		return err
	}
	c.prepared = true
	return nil
}

// Release frees resources of every unit.
func (c *Chain) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := rack.ExecErrors{}
	for _, n := range c.nodes {
		if err := n.unit.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	c.prepared = false
	return errs.Ret()
}

// ProcessBlock executes enabled units in order. A fault during one
// unit's render disables that unit, reports the error and substitutes
// silence, the remaining units still execute in the same call.
func (c *Chain) ProcessBlock(b signal.Float64, events rack.Events) signal.Float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := c.timer.Measure(b.Size())
	defer done()
	for _, n := range c.nodes {
		if !n.enabled || n.bypassed {
			continue
		}
		out, err := processUnit(n.unit, b, events)
		if err != nil {
			n.enabled = false
			c.errors.Notify(n.unit.Name(), err)
			b.Clear()
			continue
		}
		b = out
	}
	return b
}

// Latency returns the cumulative latency of units taking part in the
// topology. Bypassed units preserve their positional contribution,
// disabled units don't.
func (c *Chain) Latency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int
	for _, n := range c.nodes {
		if n.enabled {
			total += n.unit.Latency()
		}
	}
	return total
}

// Stats returns rolling render performance over the recent window.
func (c *Chain) Stats() metric.Stats {
	return c.timer.Stats(c.config.SampleRate, c.config.BufferSize)
}

// OnError registers a fault callback.
func (c *Chain) OnError(fn rack.ErrorFunc) *rack.Subscription {
	return c.errors.Subscribe(fn)
}

// String returns the chain name.
func (c *Chain) String() string {
	return c.name
}

// processUnit renders one block converting panics and invalid output
// into errors. Render faults never cross this boundary.
func processUnit(unit rack.Unit, b signal.Float64, events rack.Events) (out signal.Float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("unit panic: %v", r)
		}
	}()
	out, err = unit.Process(b, events)
	if err != nil {
		return nil, err
	}
	if !out.Valid(signal.Limit) {
		return nil, fmt.Errorf("invalid samples from %s", unit.Name())
	}
	return out, nil
}
