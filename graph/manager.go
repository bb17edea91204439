package graph

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dudk/rack"
	"github.com/dudk/rack/log"
)

// HistoryDepth caps the undo log. Oldest operations are dropped past it.
const HistoryDepth = 100

// depthWarning is the graph depth above which validation warns.
const depthWarning = 32

// OpKind tags an undoable operation.
type OpKind int

const (
	// OpAddNode records a node addition.
	OpAddNode OpKind = iota + 1
	// OpRemoveNode records a node removal with its cascaded connections.
	OpRemoveNode
	// OpAddConnection records an edge addition.
	OpAddConnection
	// OpRemoveConnection records an edge removal.
	OpRemoveConnection
	// OpSetProperty records an enabled/bypassed toggle.
	OpSetProperty
	// OpBatch records a group of operations committed as one unit.
	OpBatch
)

// Operation captures enough payload to invert a single mutation.
type Operation struct {
	Kind     OpKind
	Name     string
	Node     NodeID
	NodeName string
	Unit     rack.Unit
	Enabled  bool
	Bypassed bool
	Conn     Connection
	Cascade  []Connection
	Prop     string
	Prev     bool
	Next     bool
	Ops      []Operation
}

// Validation is the result of a full graph check.
type Validation struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Manager is the validated, observable, undoable mutation façade above
// a graph. All mutations made through the manager are recorded in an
// append-only capped log and can be undone and redone.
type Manager struct {
	mu        sync.Mutex
	g         *Graph
	logger    *logrus.Logger
	history   []Operation
	redo      []Operation
	batch     []Operation
	batchName string
	batching  bool
	snapshots map[string]*Snapshot
}

// NewManager creates a manager above the passed graph. The graph should
// be mutated only through its manager afterwards, direct mutations are
// invisible to the history.
func NewManager(g *Graph) *Manager {
	return &Manager{
		g:         g,
		logger:    log.GetLogger(),
		snapshots: make(map[string]*Snapshot),
	}
}

// Graph returns the managed graph.
func (m *Manager) Graph() *Graph {
	return m.g
}

// AddNode wraps a unit into a new node, recording the operation.
func (m *Manager) AddNode(unit rack.Unit, name string) NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := Operation{Kind: OpAddNode, NodeName: name, Unit: unit, Enabled: true}
	if m.batching {
		if unit == nil {
			return 0
		}
		op.Node = m.g.reserveID()
		m.batch = append(m.batch, op)
		return op.Node
	}
	id := m.g.AddNode(unit, name)
	if id == 0 {
		return 0
	}
	op.Node = id
	m.record(op)
	return id
}

// RemoveNode removes a node and its incident connections, recording
// enough payload to restore them.
func (m *Manager) RemoveNode(id NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.g.removalOp(id)
	if !ok {
		return false
	}
	if m.batching {
		m.batch = append(m.batch, op)
		return true
	}
	if !m.g.RemoveNode(id) {
		return false
	}
	m.record(op)
	return true
}

// Connect adds an audio edge, recording the operation.
func (m *Manager) Connect(src NodeID, srcCh int, dst NodeID, dstCh int) bool {
	return m.connect(Connection{
		Source:        src,
		SourceChannel: srcCh,
		Dest:          dst,
		DestChannel:   dstCh,
	})
}

// ConnectEvents adds a control event edge, recording the operation.
func (m *Manager) ConnectEvents(src, dst NodeID) bool {
	return m.connect(Connection{Source: src, Dest: dst, Event: true})
}

func (m *Manager) connect(c Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := Operation{Kind: OpAddConnection, Conn: c}
	if m.batching {
		m.batch = append(m.batch, op)
		return true
	}
	m.g.mu.Lock()
	ok := m.g.addConnection(c)
	m.g.mu.Unlock()
	if !ok {
		return false
	}
	m.record(op)
	return true
}

// Disconnect removes a single edge, recording the operation.
func (m *Manager) Disconnect(c Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := Operation{Kind: OpRemoveConnection, Conn: c}
	if m.batching {
		m.batch = append(m.batch, op)
		return true
	}
	if !m.g.Disconnect(c) {
		return false
	}
	m.record(op)
	return true
}

// SetEnabled toggles a node's membership in the active render set.
func (m *Manager) SetEnabled(id NodeID, enabled bool) bool {
	return m.setProperty(id, "enabled", enabled)
}

// SetBypassed toggles a node's pass-through state.
func (m *Manager) SetBypassed(id NodeID, bypassed bool) bool {
	return m.setProperty(id, "bypassed", bypassed)
}

func (m *Manager) setProperty(id NodeID, prop string, value bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := Operation{Kind: OpSetProperty, Node: id, Prop: prop, Next: value}
	if m.batching {
		m.batch = append(m.batch, op)
		return true
	}
	var prev, ok bool
	switch prop {
	case "enabled":
		prev = m.g.Enabled(id)
		ok = m.g.SetEnabled(id, value)
	case "bypassed":
		prev = m.g.Bypassed(id)
		ok = m.g.SetBypassed(id, value)
	}
	if !ok {
		return false
	}
	op.Prev = prev
	m.record(op)
	return true
}

// record appends an operation to the history. Any new mutation clears
// the redo stack: linear history.
func (m *Manager) record(op Operation) {
	m.history = append(m.history, op)
	if len(m.history) > HistoryDepth {
		m.history = m.history[len(m.history)-HistoryDepth:]
	}
	m.redo = m.redo[:0]
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Undo replays the inverse of the most recent operation.
func (m *Manager) Undo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return false
	}
	op := m.history[len(m.history)-1]
	m.history = m.history[:len(m.history)-1]
	m.applyInverse(op)
	m.redo = append(m.redo, op)
	return true
}

// Redo re-applies the most recently undone operation.
func (m *Manager) Redo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.redo) == 0 {
		return false
	}
	op := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	m.applyForward(op)
	m.history = append(m.history, op)
	return true
}

func (m *Manager) applyForward(op Operation) bool {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	return m.g.apply(op)
}

func (m *Manager) applyInverse(op Operation) {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	m.g.invert(op)
}

// BeginBatch starts buffering mutations. At most one batch may be
// active at a time, a conflicting call is rejected synchronously.
func (m *Manager) BeginBatch(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batching {
		return rack.ErrBatchActive
	}
	m.batching = true
	m.batchName = name
	m.batch = m.batch[:0]
	return nil
}

// EndBatch applies the buffered mutations and commits them as one
// undoable unit. If a buffered mutation fails to apply, the already
// applied prefix is rolled back and the graph is left unchanged.
func (m *Manager) EndBatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.batching {
		return rack.ErrNoBatch
	}
	m.batching = false
	ops := make([]Operation, len(m.batch))
	copy(ops, m.batch)
	m.batch = m.batch[:0]
	if len(ops) == 0 {
		return nil
	}

	m.g.mu.Lock()
	for i := range ops {
		if !m.g.apply(ops[i]) {
			for j := i - 1; j >= 0; j-- {
				m.g.invert(ops[j])
			}
			m.g.mu.Unlock()
			return fmt.Errorf("batch %q: operation %d rejected", m.batchName, i)
		}
	}
	m.g.mu.Unlock()

	m.record(Operation{Kind: OpBatch, Name: m.batchName, Ops: ops})
	return nil
}

// CancelBatch discards the buffered mutations without applying them.
func (m *Manager) CancelBatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.batching {
		return rack.ErrNoBatch
	}
	m.batching = false
	m.batch = m.batch[:0]
	return nil
}

// Validate returns a full check of the current topology.
func (m *Manager) Validate() Validation {
	m.g.mu.RLock()
	defer m.g.mu.RUnlock()
	v := Validation{}

	for _, c := range m.g.conns {
		src, srcOK := m.g.nodes[c.Source]
		dst, dstOK := m.g.nodes[c.Dest]
		if !srcOK || !dstOK {
			v.Errors = append(v.Errors, fmt.Sprintf("dangling connection %v -> %v", c.Source, c.Dest))
			continue
		}
		if c.Event {
			continue
		}
		if c.SourceChannel < 0 || c.SourceChannel >= src.outputs ||
			c.DestChannel < 0 || c.DestChannel >= dst.inputs {
			v.Errors = append(v.Errors, fmt.Sprintf("channel out of bounds on %v -> %v", c.Source, c.Dest))
		}
	}
	if loops := m.g.detectLoops(); len(loops) > 0 {
		v.Errors = append(v.Errors, fmt.Sprintf("cycle through nodes %v", loops))
	}
	for _, id := range m.g.seq {
		n := m.g.nodes[id]
		if n.kind != unitKind {
			continue
		}
		connected := false
		for _, c := range m.g.conns {
			if c.Source == id || c.Dest == id {
				connected = true
				break
			}
		}
		if !connected {
			v.Warnings = append(v.Warnings, fmt.Sprintf("node %q (%v) is disconnected", n.name, id))
		}
	}
	if d := m.g.depth(); d > depthWarning {
		v.Warnings = append(v.Warnings, fmt.Sprintf("graph depth %d exceeds %d", d, depthWarning))
	}
	v.Valid = len(v.Errors) == 0
	return v
}

// DetectLoops returns ids of nodes taking part in a cycle. An empty
// result means the graph is acyclic.
func (m *Manager) DetectLoops() []NodeID {
	m.g.mu.RLock()
	defer m.g.mu.RUnlock()
	return m.g.detectLoops()
}

// Depth returns the longest path through the graph by edge count.
func (m *Manager) Depth() int {
	m.g.mu.RLock()
	defer m.g.mu.RUnlock()
	return m.g.depth()
}

// EstimateLatency returns cumulative reported unit latency along the
// critical path. Bypassed nodes keep their contribution, disabled
// nodes don't.
func (m *Manager) EstimateLatency() int {
	m.g.mu.RLock()
	defer m.g.mu.RUnlock()
	return m.g.estimateLatency()
}

// History returns a copy of the recorded operations, oldest first.
func (m *Manager) History() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := make([]Operation, len(m.history))
	copy(h, m.history)
	return h
}
