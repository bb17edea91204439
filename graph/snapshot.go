package graph

import (
	"encoding/json"
	"time"

	"github.com/rs/xid"

	"github.com/dudk/rack"
)

// Snapshot is an opaque captured graph state. It keeps unit references
// and their state blobs, so restoring replaces the whole topology and
// reloads unit state in one atomic step. Snapshots persist until
// explicitly deleted.
type Snapshot struct {
	id        string
	name      string
	createdAt time.Time
	config    rack.Config
	nextID    NodeID
	nodes     []snapshotNode
	conns     []Connection
}

type snapshotNode struct {
	id       NodeID
	name     string
	unit     rack.Unit
	enabled  bool
	bypassed bool
	state    []byte
}

// ID returns the generated snapshot id.
func (s *Snapshot) ID() string {
	return s.id
}

// Name returns the caller-assigned snapshot name.
func (s *Snapshot) Name() string {
	return s.name
}

// CreatedAt returns the capture time.
func (s *Snapshot) CreatedAt() time.Time {
	return s.createdAt
}

// blobNode is the serialized form of a captured node. Unit instances
// themselves are not serialized: the blob carries unit names and state,
// re-instantiation of concrete units is a collaborator concern.
type blobNode struct {
	ID       NodeID `json:"id"`
	Name     string `json:"name"`
	UnitName string `json:"unit"`
	Enabled  bool   `json:"enabled"`
	Bypassed bool   `json:"bypassed"`
	State    []byte `json:"state,omitempty"`
}

type blob struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	CreatedAt   time.Time    `json:"created_at"`
	SampleRate  int          `json:"sample_rate"`
	BufferSize  int          `json:"buffer_size"`
	NumChannels int          `json:"num_channels"`
	Nodes       []blobNode   `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// Blob returns the snapshot as an opaque serialized state for external
// persistence.
func (s *Snapshot) Blob() ([]byte, error) {
	b := blob{
		ID:          s.id,
		Name:        s.name,
		CreatedAt:   s.createdAt,
		SampleRate:  s.config.SampleRate,
		BufferSize:  s.config.BufferSize,
		NumChannels: s.config.NumChannels,
		Connections: s.conns,
	}
	for _, n := range s.nodes {
		b.Nodes = append(b.Nodes, blobNode{
			ID:       n.id,
			Name:     n.name,
			UnitName: n.unit.Name(),
			Enabled:  n.enabled,
			Bypassed: n.bypassed,
			State:    n.state,
		})
	}
	return json.Marshal(b)
}

// CreateSnapshot serializes the full graph state: nodes, connections,
// per-unit state and I/O configuration. Returns the generated id.
func (m *Manager) CreateSnapshot(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.g.mu.RLock()
	defer m.g.mu.RUnlock()

	s := &Snapshot{
		id:        xid.New().String(),
		name:      name,
		createdAt: time.Now(),
		config:    m.g.config,
		nextID:    m.g.nextID,
		conns:     make([]Connection, len(m.g.conns)),
	}
	copy(s.conns, m.g.conns)
	for _, id := range m.g.seq {
		n := m.g.nodes[id]
		if n.kind != unitKind {
			continue
		}
		state, err := n.unit.SaveState()
		if err != nil {
			return "", err
		}
		s.nodes = append(s.nodes, snapshotNode{
			id:       n.id,
			name:     n.name,
			unit:     n.unit,
			enabled:  n.enabled.Load(),
			bypassed: n.bypassed.Load(),
			state:    state,
		})
	}
	m.snapshots[s.id] = s
	return s.id, nil
}

// RestoreSnapshot replaces the current graph state wholesale, the
// captured I/O configuration included. The undo and redo history is
// cleared: operations recorded against the replaced topology cannot be
// replayed against the restored one. A prepared graph running under a
// different configuration rejects the restore: configuration changes
// require the stop, reconfigure, prepare sequence.
func (m *Manager) RestoreSnapshot(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return rack.ErrUnknownSnapshot
	}

	g := m.g
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.prepared && g.config != s.config {
		return rack.ErrInvalidState
	}

	// drop current unit nodes
	for _, nodeID := range append([]NodeID{}, g.seq...) {
		if n := g.nodes[nodeID]; n.kind == unitKind {
			g.removeNode(nodeID)
		}
	}
	g.conns = g.conns[:0]
	g.config = s.config
	g.audioIn.outputs = s.config.NumChannels
	g.audioOut.inputs = s.config.NumChannels

	errs := rack.ExecErrors{}
	for _, sn := range s.nodes {
		g.restoreNode(sn.id, sn.name, sn.unit, sn.enabled, sn.bypassed)
		if err := sn.unit.LoadState(sn.state); err != nil {
			errs = append(errs, err)
		}
	}
	g.conns = append(g.conns, s.conns...)
	if s.nextID > g.nextID {
		g.nextID = s.nextID
	}
	g.rebuildOrder()

	m.history = m.history[:0]
	m.redo = m.redo[:0]
	return errs.Ret()
}

// DeleteSnapshot removes a stored snapshot.
func (m *Manager) DeleteSnapshot(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[id]; !ok {
		return false
	}
	delete(m.snapshots, id)
	return true
}

// Snapshots returns ids of stored snapshots.
func (m *Manager) Snapshots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.snapshots))
	for id := range m.snapshots {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a stored snapshot by id.
func (m *Manager) Snapshot(id string) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	return s, ok
}
