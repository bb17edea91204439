package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudk/rack"
	"github.com/dudk/rack/graph"
	"github.com/dudk/rack/mock"
	"github.com/dudk/rack/signal"
)

var config = rack.Config{
	SampleRate:  44100,
	BufferSize:  8,
	NumChannels: 2,
}

func ones(numChannels, size int) signal.Float64 {
	s := signal.Empty(numChannels, size)
	for i := range s {
		for j := range s[i] {
			s[i][j] = 1
		}
	}
	return s
}

// wire connects every channel of src to the same channel of dst.
func wire(t *testing.T, g *graph.Graph, src, dst graph.NodeID) {
	t.Helper()
	for ch := 0; ch < config.NumChannels; ch++ {
		require.True(t, g.Connect(src, ch, dst, ch))
	}
}

func TestAnchors(t *testing.T) {
	g := graph.New(config)
	in, out := g.AudioIn(), g.AudioOut()
	assert.NotEqual(t, in, out)

	// anchors cannot be removed or toggled
	assert.False(t, g.RemoveNode(in))
	assert.False(t, g.RemoveNode(out))
	assert.False(t, g.SetEnabled(in, false))
	assert.False(t, g.SetBypassed(out, true))

	// audio-in accepts no inputs, audio-out feeds nothing
	id := g.AddNode(&mock.Unit{}, "unit")
	assert.False(t, g.Connect(id, 0, in, 0))
	assert.False(t, g.Connect(out, 0, id, 0))
}

func TestUnityGraph(t *testing.T) {
	g := graph.New(config)
	id := g.AddNode(&mock.Unit{}, "unity")
	wire(t, g, g.AudioIn(), id)
	wire(t, g, id, g.AudioOut())
	require.NoError(t, g.Prepare())

	b := g.ProcessBlock(ones(2, 8), nil)
	for ch := range b {
		for i := range b[ch] {
			assert.Equal(t, 1.0, b[ch][i])
		}
	}
	assert.NoError(t, g.Release())
}

func TestConnectValidation(t *testing.T) {
	g := graph.New(config)
	a := g.AddNode(&mock.Unit{}, "a")
	b := g.AddNode(&mock.Unit{}, "b")

	assert.True(t, g.Connect(a, 0, b, 0))
	// duplicate edge
	assert.False(t, g.Connect(a, 0, b, 0))
	// unknown endpoint
	assert.False(t, g.Connect(a, 0, graph.NodeID(999), 0))
	// self loop
	assert.False(t, g.Connect(a, 0, a, 1))
	// channel bounds
	assert.False(t, g.Connect(a, 2, b, 0))
	assert.False(t, g.Connect(a, 0, b, -1))
}

func TestAcyclicity(t *testing.T) {
	g := graph.New(config)
	a := g.AddNode(&mock.Unit{}, "a")
	b := g.AddNode(&mock.Unit{}, "b")
	c := g.AddNode(&mock.Unit{}, "c")
	require.True(t, g.Connect(a, 0, b, 0))
	require.True(t, g.Connect(b, 0, c, 0))

	before := g.Connections()
	// closing the loop is rejected and the graph is unchanged
	assert.False(t, g.Connect(c, 0, a, 0))
	assert.False(t, g.ConnectEvents(c, a))
	assert.Equal(t, before, g.Connections())
}

func TestCascadeRemoval(t *testing.T) {
	g := graph.New(config)
	a := g.AddNode(&mock.Unit{}, "a")
	b := g.AddNode(&mock.Unit{}, "b")
	c := g.AddNode(&mock.Unit{}, "c")
	require.True(t, g.Connect(a, 0, b, 0))
	require.True(t, g.Connect(b, 0, c, 0))
	require.True(t, g.Connect(a, 1, c, 1))
	require.True(t, g.ConnectEvents(a, b))

	assert.True(t, g.RemoveNode(b))
	// exactly the incident connections are gone
	left := g.Connections()
	require.Len(t, left, 1)
	assert.Equal(t, a, left[0].Source)
	assert.Equal(t, c, left[0].Dest)

	assert.False(t, g.RemoveNode(b))
	assert.False(t, g.RemoveNode(graph.NodeID(999)))
}

func TestDisconnect(t *testing.T) {
	g := graph.New(config)
	a := g.AddNode(&mock.Unit{}, "a")
	b := g.AddNode(&mock.Unit{}, "b")
	require.True(t, g.Connect(a, 0, b, 0))
	conn := g.Connections()[0]
	assert.True(t, g.Disconnect(conn))
	assert.False(t, g.Disconnect(conn))
	assert.Empty(t, g.Connections())
}

func TestFaultIsolation(t *testing.T) {
	g := graph.New(config)
	fault := &mock.Unit{PanicOnCall: 1}
	faulty := g.AddNode(fault, "faulty")
	after := &mock.Unit{Gain: 0.5}
	ok := g.AddNode(after, "after")
	wire(t, g, g.AudioIn(), faulty)
	wire(t, g, faulty, ok)
	wire(t, g, ok, g.AudioOut())
	require.NoError(t, g.Prepare())

	var faults int
	sub := g.OnError(func(source string, err error) {
		faults++
		assert.Equal(t, "faulty", source)
	})
	defer sub.Cancel()

	b := g.ProcessBlock(ones(2, 8), nil)
	// faulty node disabled, silence propagated, rest still executed
	assert.False(t, g.Enabled(faulty))
	assert.True(t, g.Enabled(ok))
	assert.Equal(t, 1, faults)
	assert.Equal(t, 1, after.Calls())
	assert.Equal(t, 0.0, b[0][0])
}

func TestBypassAndDisable(t *testing.T) {
	g := graph.New(config)
	half := g.AddNode(&mock.Unit{Gain: 0.5}, "half")
	wire(t, g, g.AudioIn(), half)
	wire(t, g, half, g.AudioOut())
	require.NoError(t, g.Prepare())

	b := g.ProcessBlock(ones(2, 8), nil)
	assert.Equal(t, 0.5, b[0][0])

	// bypass keeps the node in the topology passing audio through
	require.True(t, g.SetBypassed(half, true))
	b = g.ProcessBlock(ones(2, 8), nil)
	assert.Equal(t, 1.0, b[0][0])

	// disable removes it from the active render set
	require.True(t, g.SetBypassed(half, false))
	require.True(t, g.SetEnabled(half, false))
	b = g.ProcessBlock(ones(2, 8), nil)
	assert.Equal(t, 0.0, b[0][0])
}

func TestSumming(t *testing.T) {
	g := graph.New(config)
	a := g.AddNode(&mock.Unit{}, "a")
	b := g.AddNode(&mock.Unit{}, "b")
	wire(t, g, g.AudioIn(), a)
	wire(t, g, g.AudioIn(), b)
	wire(t, g, a, g.AudioOut())
	wire(t, g, b, g.AudioOut())
	require.NoError(t, g.Prepare())

	out := g.ProcessBlock(ones(2, 8), nil)
	assert.Equal(t, 2.0, out[0][0])
}

func TestEvents(t *testing.T) {
	g := graph.New(config)
	unit := &mock.Unit{}
	id := g.AddNode(unit, "unit")
	wire(t, g, g.AudioIn(), id)
	wire(t, g, id, g.AudioOut())
	require.True(t, g.ConnectEvents(g.AudioIn(), id))
	// duplicate event edge
	assert.False(t, g.ConnectEvents(g.AudioIn(), id))
	require.NoError(t, g.Prepare())

	events := rack.Events{{Offset: 3, Data: []byte{0x90, 0x40}}}
	g.ProcessBlock(ones(2, 8), events)
	assert.Equal(t, 1, unit.Calls())
}

func TestReconfigure(t *testing.T) {
	g := graph.New(config)
	require.NoError(t, g.Prepare())
	// reconfiguring an active render path is disallowed
	assert.Equal(t, rack.ErrInvalidState, g.Reconfigure(rack.Config{SampleRate: 48000, BufferSize: 64, NumChannels: 2}))
	require.NoError(t, g.Release())
	assert.NoError(t, g.Reconfigure(rack.Config{SampleRate: 48000, BufferSize: 64, NumChannels: 2}))
	assert.Equal(t, 48000, g.Config().SampleRate)
}

func TestStats(t *testing.T) {
	g := graph.New(config)
	id := g.AddNode(&mock.Unit{}, "unit")
	wire(t, g, g.AudioIn(), id)
	wire(t, g, id, g.AudioOut())
	require.NoError(t, g.Prepare())
	for i := 0; i < 5; i++ {
		g.ProcessBlock(ones(2, 8), nil)
	}
	s := g.Stats()
	assert.True(t, s.Peak >= s.Average)
}

func TestNodeIDsNeverReused(t *testing.T) {
	g := graph.New(config)
	a := g.AddNode(&mock.Unit{}, "a")
	require.True(t, g.RemoveNode(a))
	b := g.AddNode(&mock.Unit{}, "b")
	assert.True(t, b > a)
}
