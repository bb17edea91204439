package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudk/rack"
	"github.com/dudk/rack/graph"
	"github.com/dudk/rack/mock"
)

func newManager() *graph.Manager {
	return graph.NewManager(graph.New(config))
}

func TestUndoRedo(t *testing.T) {
	m := newManager()
	g := m.Graph()

	id := m.AddNode(&mock.Unit{}, "unit")
	require.NotZero(t, id)
	require.True(t, m.Connect(g.AudioIn(), 0, id, 0))

	// undo restores the state immediately before the mutation
	assert.True(t, m.Undo())
	assert.Empty(t, g.Connections())
	assert.True(t, m.Undo())
	assert.Len(t, g.Nodes(), 2) // anchors only
	assert.False(t, m.Undo())

	// redo reproduces the mutated state exactly
	assert.True(t, m.Redo())
	assert.Contains(t, g.Nodes(), id)
	assert.True(t, m.Redo())
	require.Len(t, g.Connections(), 1)
	assert.Equal(t, id, g.Connections()[0].Dest)
	assert.False(t, m.Redo())
}

func TestUndoRemoveRestoresCascade(t *testing.T) {
	m := newManager()
	g := m.Graph()
	id := m.AddNode(&mock.Unit{}, "unit")
	require.True(t, m.Connect(g.AudioIn(), 0, id, 0))
	require.True(t, m.Connect(id, 0, g.AudioOut(), 0))

	require.True(t, m.RemoveNode(id))
	assert.Empty(t, g.Connections())

	assert.True(t, m.Undo())
	assert.Contains(t, g.Nodes(), id)
	assert.Len(t, g.Connections(), 2)
}

func TestUndoSetProperty(t *testing.T) {
	m := newManager()
	id := m.AddNode(&mock.Unit{}, "unit")
	require.True(t, m.SetEnabled(id, false))
	assert.False(t, m.Graph().Enabled(id))
	assert.True(t, m.Undo())
	assert.True(t, m.Graph().Enabled(id))
	assert.True(t, m.Redo())
	assert.False(t, m.Graph().Enabled(id))
}

func TestNewMutationClearsRedo(t *testing.T) {
	m := newManager()
	m.AddNode(&mock.Unit{}, "a")
	require.True(t, m.Undo())
	assert.True(t, m.CanRedo())
	m.AddNode(&mock.Unit{}, "b")
	assert.False(t, m.CanRedo())
}

func TestHistoryCap(t *testing.T) {
	m := newManager()
	g := m.Graph()
	ids := make([]graph.NodeID, 0, graph.HistoryDepth+1)
	for i := 0; i < graph.HistoryDepth+1; i++ {
		ids = append(ids, m.AddNode(&mock.Unit{}, "unit"))
	}
	for i := 0; i < graph.HistoryDepth; i++ {
		assert.True(t, m.Undo())
	}
	// the stack is exhausted and the oldest mutation is unrecoverable
	assert.False(t, m.Undo())
	nodes := g.Nodes()
	assert.Len(t, nodes, 3)
	assert.Contains(t, nodes, ids[0])
}

func TestBatchCommit(t *testing.T) {
	m := newManager()
	g := m.Graph()

	require.NoError(t, m.BeginBatch("insert unit"))
	assert.Equal(t, rack.ErrBatchActive, m.BeginBatch("another"))

	id := m.AddNode(&mock.Unit{}, "unit")
	require.NotZero(t, id)
	assert.True(t, m.Connect(g.AudioIn(), 0, id, 0))
	// buffered, not applied yet
	assert.NotContains(t, g.Nodes(), id)

	require.NoError(t, m.EndBatch())
	assert.Contains(t, g.Nodes(), id)
	assert.Len(t, g.Connections(), 1)

	// the whole batch undoes as one unit
	assert.True(t, m.Undo())
	assert.NotContains(t, g.Nodes(), id)
	assert.Empty(t, g.Connections())
	assert.False(t, m.Undo())

	assert.True(t, m.Redo())
	assert.Contains(t, g.Nodes(), id)
	assert.Len(t, g.Connections(), 1)
}

func TestBatchCancel(t *testing.T) {
	m := newManager()
	require.NoError(t, m.BeginBatch("discarded"))
	m.AddNode(&mock.Unit{}, "unit")
	require.NoError(t, m.CancelBatch())
	assert.Len(t, m.Graph().Nodes(), 2)
	assert.False(t, m.CanUndo())
	assert.Equal(t, rack.ErrNoBatch, m.CancelBatch())
	assert.Equal(t, rack.ErrNoBatch, m.EndBatch())
}

func TestBatchRollbackOnFailure(t *testing.T) {
	m := newManager()
	g := m.Graph()
	require.NoError(t, m.BeginBatch("bad"))
	id := m.AddNode(&mock.Unit{}, "unit")
	// duplicate connection will be rejected at commit
	assert.True(t, m.Connect(g.AudioIn(), 0, id, 0))
	assert.True(t, m.Connect(g.AudioIn(), 0, id, 0))
	assert.Error(t, m.EndBatch())
	// graph left unchanged
	assert.NotContains(t, g.Nodes(), id)
	assert.Empty(t, g.Connections())
	assert.False(t, m.CanUndo())
}

func TestValidate(t *testing.T) {
	m := newManager()
	g := m.Graph()
	v := m.Validate()
	assert.True(t, v.Valid)
	assert.Empty(t, v.Errors)

	// a node with no connections draws a warning
	m.AddNode(&mock.Unit{}, "lonely")
	v = m.Validate()
	assert.True(t, v.Valid)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0], "lonely")

	assert.Empty(t, m.DetectLoops())
	_ = g
}

func TestDepthAndLatency(t *testing.T) {
	m := newManager()
	g := m.Graph()
	a := m.AddNode(&mock.Unit{LatencySamples: 10}, "a")
	b := m.AddNode(&mock.Unit{LatencySamples: 20}, "b")
	require.True(t, m.Connect(g.AudioIn(), 0, a, 0))
	require.True(t, m.Connect(a, 0, b, 0))
	require.True(t, m.Connect(b, 0, g.AudioOut(), 0))

	assert.Equal(t, 3, m.Depth())
	assert.Equal(t, 30, m.EstimateLatency())

	// bypass preserves the latency contribution, disable drops it
	require.True(t, m.SetBypassed(a, true))
	assert.Equal(t, 30, m.EstimateLatency())
	require.True(t, m.SetEnabled(a, false))
	assert.Equal(t, 20, m.EstimateLatency())
}
