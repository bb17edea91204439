package graph

import "github.com/dudk/rack"

// Helpers below operate on a graph whose write lock is already held by
// the caller (the manager's undo/redo and batch paths).

// reserveID hands out the next node id without creating a node. Used by
// deferred batch mutations so AddNode can return the id the node will
// get at commit.
func (g *Graph) reserveID() NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	return g.nextID
}

// removalOp captures the payload needed to invert a node removal.
func (g *Graph) removalOp(id NodeID) (Operation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok || n.kind != unitKind {
		return Operation{}, false
	}
	op := Operation{
		Kind:     OpRemoveNode,
		Node:     id,
		NodeName: n.name,
		Unit:     n.unit,
		Enabled:  n.enabled.Load(),
		Bypassed: n.bypassed.Load(),
	}
	for _, c := range g.conns {
		if c.Source == id || c.Dest == id {
			op.Cascade = append(op.Cascade, c)
		}
	}
	return op, true
}

// restoreNode recreates a node under a previously assigned id. The
// counter never moves backwards, so ids are not reused.
func (g *Graph) restoreNode(id NodeID, name string, unit rack.Unit, enabled, bypassed bool) bool {
	if _, ok := g.nodes[id]; ok || unit == nil {
		return false
	}
	n := &node{
		id:      id,
		name:    name,
		kind:    unitKind,
		unit:    unit,
		inputs:  g.config.NumChannels,
		outputs: g.config.NumChannels,
	}
	n.enabled.Store(enabled)
	n.bypassed.Store(bypassed)
	g.nodes[id] = n
	g.seq = append(g.seq, id)
	if id > g.nextID {
		g.nextID = id
	}
	if g.prepared {
		if err := unit.Prepare(g.config.SampleRate, g.config.BufferSize); err != nil {
			n.enabled.Store(false)
			g.errors.Notify(name, err)
		}
		g.allocate(n)
	}
	g.rebuildOrder()
	return true
}

// apply executes an operation forward, recapturing invertible payload
// that could not be known when the operation was buffered.
func (g *Graph) apply(op Operation) bool {
	return g.applyPtr(&op)
}

func (g *Graph) applyPtr(op *Operation) bool {
	switch op.Kind {
	case OpAddNode:
		return g.restoreNode(op.Node, op.NodeName, op.Unit, op.Enabled, op.Bypassed)
	case OpRemoveNode:
		n, ok := g.nodes[op.Node]
		if !ok || n.kind != unitKind {
			return false
		}
		op.NodeName = n.name
		op.Unit = n.unit
		op.Enabled = n.enabled.Load()
		op.Bypassed = n.bypassed.Load()
		op.Cascade = op.Cascade[:0]
		for _, c := range g.conns {
			if c.Source == op.Node || c.Dest == op.Node {
				op.Cascade = append(op.Cascade, c)
			}
		}
		return g.removeNode(op.Node)
	case OpAddConnection:
		return g.addConnection(op.Conn)
	case OpRemoveConnection:
		return g.removeConnection(op.Conn)
	case OpSetProperty:
		n, ok := g.nodes[op.Node]
		if !ok || n.kind != unitKind {
			return false
		}
		switch op.Prop {
		case "enabled":
			op.Prev = n.enabled.Load()
			n.enabled.Store(op.Next)
		case "bypassed":
			op.Prev = n.bypassed.Load()
			n.bypassed.Store(op.Next)
		default:
			return false
		}
		return true
	case OpBatch:
		for i := range op.Ops {
			if !g.applyPtr(&op.Ops[i]) {
				for j := i - 1; j >= 0; j-- {
					g.invert(op.Ops[j])
				}
				return false
			}
		}
		return true
	}
	return false
}

// invert rolls an operation back.
func (g *Graph) invert(op Operation) {
	switch op.Kind {
	case OpAddNode:
		g.removeNode(op.Node)
	case OpRemoveNode:
		if g.restoreNode(op.Node, op.NodeName, op.Unit, op.Enabled, op.Bypassed) {
			g.conns = append(g.conns, op.Cascade...)
			g.rebuildOrder()
		}
	case OpAddConnection:
		g.removeConnection(op.Conn)
	case OpRemoveConnection:
		g.addConnection(op.Conn)
	case OpSetProperty:
		n, ok := g.nodes[op.Node]
		if !ok {
			return
		}
		switch op.Prop {
		case "enabled":
			n.enabled.Store(op.Prev)
		case "bypassed":
			n.bypassed.Store(op.Prev)
		}
	case OpBatch:
		for i := len(op.Ops) - 1; i >= 0; i-- {
			g.invert(op.Ops[i])
		}
	}
}

// detectLoops runs a depth-first traversal marking a recursion stack. A
// back-edge to a node still on the stack signals a cycle.
func (g *Graph) detectLoops() []NodeID {
	visited := make(map[NodeID]bool)
	onStack := make(map[NodeID]bool)
	var loop []NodeID

	var visit func(NodeID) bool
	visit = func(id NodeID) bool {
		visited[id] = true
		onStack[id] = true
		for _, c := range g.conns {
			if c.Source != id {
				continue
			}
			if onStack[c.Dest] {
				for n, on := range onStack {
					if on {
						loop = append(loop, n)
					}
				}
				return true
			}
			if !visited[c.Dest] && visit(c.Dest) {
				return true
			}
		}
		onStack[id] = false
		return false
	}
	for _, id := range g.seq {
		if !visited[id] && visit(id) {
			return loop
		}
	}
	return nil
}

// depth computes the longest path by edge count over the cached order.
func (g *Graph) depth() int {
	best := make(map[NodeID]int, len(g.nodes))
	max := 0
	for _, n := range g.order {
		d := best[n.id]
		for _, c := range g.conns {
			if c.Dest != n.id {
				continue
			}
			if v := best[c.Source] + 1; v > d {
				d = v
			}
		}
		best[n.id] = d
		if d > max {
			max = d
		}
	}
	return max
}

// estimateLatency computes cumulative reported unit latency along the
// critical path to the output anchor.
func (g *Graph) estimateLatency() int {
	best := make(map[NodeID]int, len(g.nodes))
	for _, n := range g.order {
		at := 0
		for _, c := range g.conns {
			if c.Dest != n.id || c.Event {
				continue
			}
			if v := best[c.Source]; v > at {
				at = v
			}
		}
		if n.kind == unitKind && n.enabled.Load() {
			at += n.unit.Latency()
		}
		best[n.id] = at
	}
	return best[g.audioOut.id]
}
