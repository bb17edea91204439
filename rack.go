package rack

import (
	"time"

	"github.com/dudk/rack/signal"
)

// Unit is a processing capability hosted by the engines. Implementations
// are treated opaquely: the engines only prepare, process and release
// them and query latency and state for snapshots.
//
// Process may return the same buffer it received or a new one. It must
// not be called concurrently for the same unit.
type Unit interface {
	// Prepare supplies execution parameters before the first Process call.
	Prepare(sampleRate, bufferSize int) error
	// Process renders a single block.
	Process(b signal.Float64, events Events) (signal.Float64, error)
	// Release frees resources claimed by Prepare.
	Release() error
	// Name identifies the unit for diagnostics.
	Name() string
	// Latency reports the unit's processing latency in samples.
	Latency() int
	// SaveState captures unit state as an opaque blob. Units without
	// state return nil.
	SaveState() ([]byte, error)
	// LoadState restores previously captured state.
	LoadState(state []byte) error
}

// Event is a control event delivered to units during a render pass.
type Event struct {
	// Offset is the sample position of the event within the block.
	Offset int
	// Data is the raw event payload.
	Data []byte
}

// Events is a block's worth of control events, ordered by offset.
type Events []Event

// Processor executes one block of samples through a topology. Both
// graph.Graph and chain.Chain satisfy it, so the realtime and offline
// engines can drive either.
type Processor interface {
	Prepare() error
	ProcessBlock(b signal.Float64, events Events) signal.Float64
	Release() error
	Latency() int
}

// Config holds execution parameters of an engine. It is immutable while
// the engine renders: changing it requires stop, reconfigure, prepare,
// restart.
type Config struct {
	SampleRate  int
	BufferSize  int
	NumChannels int
}

// BlockDuration returns the duration of one block at the configured
// sample rate.
func (c Config) BlockDuration() time.Duration {
	return signal.DurationOf(c.SampleRate, int64(c.BufferSize))
}
