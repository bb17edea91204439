// Package graph implements a node/connection processing topology with a
// real-time render engine and a validated, undoable manager above it.
package graph

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dudk/rack"
	"github.com/dudk/rack/log"
	"github.com/dudk/rack/metric"
	"github.com/dudk/rack/signal"
)

// NodeID identifies a node for the lifetime of its graph instance. Ids
// grow monotonically and are never reused.
type NodeID int64

type nodeKind int

const (
	unitKind nodeKind = iota
	audioInKind
	audioOutKind
)

// node is a wrapped processing unit or an I/O anchor.
type node struct {
	id       NodeID
	name     string
	kind     nodeKind
	unit     rack.Unit
	enabled  atomic.Bool
	bypassed atomic.Bool
	inputs   int
	outputs  int

	// render-pass buffers, allocated by prepare.
	buffer signal.Float64
	input  signal.Float64
}

// Connection is a directed edge between two nodes. Audio connections
// bind single channels, event connections are channel-less.
type Connection struct {
	Source        NodeID
	SourceChannel int
	Dest          NodeID
	DestChannel   int
	Event         bool
}

// Graph owns the node and connection collections and a cached
// topological render order. The render pass takes a read lock, so a
// control-plane mutation holds the write lock only for the time it
// takes to update the collections, never for plugin work.
type Graph struct {
	mu       sync.RWMutex
	name     string
	logger   *logrus.Logger
	config   rack.Config
	nextID   NodeID
	nodes    map[NodeID]*node
	seq      []NodeID
	conns    []Connection
	order    []*node
	audioIn  *node
	audioOut *node
	prepared bool
	timer    *metric.Timer
	errors   rack.Errors

	// reused between render passes to keep the render path free of
	// per-block map allocations.
	eventCache map[NodeID]rack.Events
}

// Option provides a way to set functional parameters to graph.
type Option func(*Graph)

// WithName sets name to graph.
func WithName(name string) Option {
	return func(g *Graph) {
		g.name = name
	}
}

// WithLogger sets logger to graph.
func WithLogger(l *logrus.Logger) Option {
	return func(g *Graph) {
		g.logger = l
	}
}

// New creates a graph with audio-in and audio-out anchor nodes already
// in place.
func New(config rack.Config, options ...Option) *Graph {
	g := &Graph{
		name:       "graph",
		logger:     log.GetLogger(),
		config:     config,
		nodes:      make(map[NodeID]*node),
		timer:      metric.NewTimer(),
		eventCache: make(map[NodeID]rack.Events),
	}
	for _, option := range options {
		option(g)
	}
	g.audioIn = g.newNode("audio-in", audioInKind, nil)
	g.audioOut = g.newNode("audio-out", audioOutKind, nil)
	g.rebuildOrder()
	return g
}

// newNode assigns the next counter value. Callers hold the write lock
// or own the graph exclusively.
func (g *Graph) newNode(name string, kind nodeKind, unit rack.Unit) *node {
	g.nextID++
	n := &node{
		id:      g.nextID,
		name:    name,
		kind:    kind,
		unit:    unit,
		inputs:  g.config.NumChannels,
		outputs: g.config.NumChannels,
	}
	n.enabled.Store(true)
	if kind == audioInKind {
		n.inputs = 0
	}
	if kind == audioOutKind {
		n.outputs = 0
	}
	g.nodes[n.id] = n
	g.seq = append(g.seq, n.id)
	return n
}

// AudioIn returns the id of the input anchor node.
func (g *Graph) AudioIn() NodeID {
	return g.audioIn.id
}

// AudioOut returns the id of the output anchor node.
func (g *Graph) AudioOut() NodeID {
	return g.audioOut.id
}

// AddNode wraps a unit into a new node. The node takes part in renders
// once the graph is prepared. Returns 0 for a nil unit.
func (g *Graph) AddNode(unit rack.Unit, name string) NodeID {
	if unit == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.newNode(name, unitKind, unit)
	if g.prepared {
		if err := unit.Prepare(g.config.SampleRate, g.config.BufferSize); err != nil {
			n.enabled.Store(false)
			g.errors.Notify(name, err)
		}
		g.allocate(n)
	}
	g.rebuildOrder()
	return n.id
}

// RemoveNode removes a node and cascades removal of all incident
// connections as one atomic step. Anchor nodes cannot be removed.
func (g *Graph) RemoveNode(id NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeNode(id)
}

func (g *Graph) removeNode(id NodeID) bool {
	n, ok := g.nodes[id]
	if !ok || n.kind != unitKind {
		return false
	}
	delete(g.nodes, id)
	for i := range g.seq {
		if g.seq[i] == id {
			g.seq = append(g.seq[:i], g.seq[i+1:]...)
			break
		}
	}
	kept := g.conns[:0]
	for _, c := range g.conns {
		if c.Source != id && c.Dest != id {
			kept = append(kept, c)
		}
	}
	g.conns = kept
	if g.prepared {
		if err := n.unit.Release(); err != nil {
			g.errors.Notify(n.name, err)
		}
	}
	g.rebuildOrder()
	return true
}

// Connect adds an audio edge between two channels. The edge is rejected
// if an endpoint is unknown, a channel is out of bounds, the edge
// already exists or it would introduce a cycle.
func (g *Graph) Connect(src NodeID, srcCh int, dst NodeID, dstCh int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addConnection(Connection{
		Source:        src,
		SourceChannel: srcCh,
		Dest:          dst,
		DestChannel:   dstCh,
	})
}

// ConnectEvents adds a channel-less control event edge.
func (g *Graph) ConnectEvents(src, dst NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addConnection(Connection{Source: src, Dest: dst, Event: true})
}

func (g *Graph) addConnection(c Connection) bool {
	srcNode, ok := g.nodes[c.Source]
	if !ok {
		return false
	}
	dstNode, ok := g.nodes[c.Dest]
	if !ok {
		return false
	}
	if c.Source == c.Dest {
		return false
	}
	if srcNode.kind == audioOutKind || dstNode.kind == audioInKind {
		return false
	}
	if !c.Event {
		if c.SourceChannel < 0 || c.SourceChannel >= srcNode.outputs {
			return false
		}
		if c.DestChannel < 0 || c.DestChannel >= dstNode.inputs {
			return false
		}
	}
	for _, existing := range g.conns {
		if existing == c {
			return false
		}
	}
	if g.reachable(c.Dest, c.Source) {
		return false
	}
	g.conns = append(g.conns, c)
	g.rebuildOrder()
	return true
}

// Disconnect removes a single edge.
func (g *Graph) Disconnect(c Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeConnection(c)
}

func (g *Graph) removeConnection(c Connection) bool {
	for i, existing := range g.conns {
		if existing == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			g.rebuildOrder()
			return true
		}
	}
	return false
}

// SetEnabled includes or excludes the node from the active render set.
func (g *Graph) SetEnabled(id NodeID, enabled bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok || n.kind != unitKind {
		return false
	}
	n.enabled.Store(enabled)
	return true
}

// SetBypassed keeps the node in the topology but passes its input
// through unmodified.
func (g *Graph) SetBypassed(id NodeID, bypassed bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok || n.kind != unitKind {
		return false
	}
	n.bypassed.Store(bypassed)
	return true
}

// Enabled reports whether the node takes part in the render pass.
func (g *Graph) Enabled(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return ok && n.enabled.Load()
}

// Bypassed reports whether the node passes audio through unmodified.
func (g *Graph) Bypassed(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return ok && n.bypassed.Load()
}

// Connections returns a copy of the current edges.
func (g *Graph) Connections() []Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	conns := make([]Connection, len(g.conns))
	copy(conns, g.conns)
	return conns
}

// Nodes returns ids of all nodes in insertion order, anchors included.
func (g *Graph) Nodes() []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]NodeID, len(g.seq))
	copy(ids, g.seq)
	return ids
}

// reachable reports whether to is reachable from from following edges.
func (g *Graph) reachable(from, to NodeID) bool {
	if from == to {
		return true
	}
	visited := make(map[NodeID]bool)
	var visit func(NodeID) bool
	visit = func(id NodeID) bool {
		if id == to {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, c := range g.conns {
			if c.Source == id && visit(c.Dest) {
				return true
			}
		}
		return false
	}
	return visit(from)
}

// rebuildOrder recomputes the cached topological render order. Anchors
// pin the ends: audio-in has no predecessors, audio-out no successors.
func (g *Graph) rebuildOrder() {
	indegree := make(map[NodeID]int, len(g.nodes))
	for _, c := range g.conns {
		indegree[c.Dest]++
	}
	order := make([]*node, 0, len(g.nodes))
	order = append(order, g.audioIn)
	ready := []NodeID{}
	emit := func(id NodeID) {
		for _, c := range g.conns {
			if c.Source != id {
				continue
			}
			indegree[c.Dest]--
			if indegree[c.Dest] == 0 {
				if n := g.nodes[c.Dest]; n != nil && n.kind == unitKind {
					ready = append(ready, c.Dest)
				}
			}
		}
	}
	for _, id := range g.seq {
		n := g.nodes[id]
		if n.kind == unitKind && indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	emit(g.audioIn.id)
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, g.nodes[id])
		emit(id)
	}
	order = append(order, g.audioOut)
	g.order = order
}

// Prepare supplies execution parameters to every unit and allocates the
// render buffers.
func (g *Graph) Prepare() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prepared {
		return rack.ErrInvalidState
	}
	errs := rack.ExecErrors{}
	for _, id := range g.seq {
		n := g.nodes[id]
		if n.unit != nil {
			if err := n.unit.Prepare(g.config.SampleRate, g.config.BufferSize); err != nil {
				errs = append(errs, err)
			}
		}
		g.allocate(n)
	}
	if err := errs.Ret(); err != nil {
		return err
	}
	g.prepared = true
	return nil
}

func (g *Graph) allocate(n *node) {
	n.buffer = signal.Empty(n.outputs, g.config.BufferSize)
	n.input = signal.Empty(n.inputs, g.config.BufferSize)
}

// Release frees resources of every unit.
func (g *Graph) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	errs := rack.ExecErrors{}
	for _, id := range g.seq {
		n := g.nodes[id]
		if n.unit != nil {
			if err := n.unit.Release(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	g.prepared = false
	return errs.Ret()
}

// Reconfigure replaces execution parameters. The graph must be released
// first: changing parameters during an active render path is disallowed.
func (g *Graph) Reconfigure(config rack.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prepared {
		return rack.ErrInvalidState
	}
	g.config = config
	for _, id := range g.seq {
		n := g.nodes[id]
		switch n.kind {
		case audioInKind:
			n.outputs = config.NumChannels
		case audioOutKind:
			n.inputs = config.NumChannels
		default:
			n.inputs = config.NumChannels
			n.outputs = config.NumChannels
		}
	}
	return nil
}

// Config returns the execution parameters.
func (g *Graph) Config() rack.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// ProcessBlock executes nodes in cached topological order. A fault
// during one node's render disables that node, reports an error and
// substitutes silence for its output, the remaining nodes still
// execute. The render never propagates invalid samples to the caller.
func (g *Graph) ProcessBlock(b signal.Float64, events rack.Events) signal.Float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.prepared {
		return b
	}
	done := g.timer.Measure(b.Size())
	defer done()

	routeEvents := len(events) > 0 && g.hasEventEdges()
	if routeEvents {
		clear(g.eventCache)
		g.eventCache[g.audioIn.id] = events
	}

	g.audioIn.buffer.CopyFrom(b)
	for _, n := range g.order {
		if n.kind == audioInKind {
			continue
		}
		n.input.Clear()
		for _, c := range g.conns {
			if c.Event || c.Dest != n.id {
				continue
			}
			src := g.nodes[c.Source]
			if src == nil || c.SourceChannel >= len(src.buffer) || c.DestChannel >= len(n.input) {
				continue
			}
			out := src.buffer[c.SourceChannel]
			in := n.input[c.DestChannel]
			for i := range in {
				in[i] += out[i]
			}
		}
		if n.kind == audioOutKind {
			b.CopyFrom(n.input)
			break
		}
		if !n.enabled.Load() {
			n.buffer.Clear()
			continue
		}
		if n.bypassed.Load() {
			n.buffer.CopyFrom(n.input)
			continue
		}
		var nodeEvents rack.Events
		if routeEvents {
			for _, c := range g.conns {
				if c.Event && c.Dest == n.id {
					nodeEvents = append(nodeEvents, g.eventCache[c.Source]...)
				}
			}
			g.eventCache[n.id] = nodeEvents
		}
		n.buffer.CopyFrom(n.input)
		out, err := renderNode(n, nodeEvents)
		if err != nil {
			n.enabled.Store(false)
			n.buffer.Clear()
			g.errors.Notify(n.name, err)
			continue
		}
		if &out[0] != &n.buffer[0] {
			n.buffer.CopyFrom(out)
		}
	}
	return b
}

// renderNode converts panics and invalid output into errors so no fault
// crosses the render boundary.
func renderNode(n *node, events rack.Events) (out signal.Float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("unit panic: %v", r)
		}
	}()
	out, err = n.unit.Process(n.buffer, events)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty output from %s", n.name)
	}
	if !out.Valid(signal.Limit) {
		return nil, fmt.Errorf("invalid samples from %s", n.name)
	}
	return out, nil
}

func (g *Graph) hasEventEdges() bool {
	for _, c := range g.conns {
		if c.Event {
			return true
		}
	}
	return false
}

// Stats returns rolling render performance over the recent window.
func (g *Graph) Stats() metric.Stats {
	return g.timer.Stats(g.config.SampleRate, g.config.BufferSize)
}

// OnError registers a fault callback. It may be invoked from the render
// thread, the body must be cheap and non-blocking.
func (g *Graph) OnError(fn rack.ErrorFunc) *rack.Subscription {
	return g.errors.Subscribe(fn)
}

// Latency implements rack.Processor with the critical-path estimate.
func (g *Graph) Latency() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.estimateLatency()
}

// String returns the graph name.
func (g *Graph) String() string {
	return g.name
}
