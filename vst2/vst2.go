// Package vst2 adapts vst2 plugins to processing units.
package vst2

import (
	"math"
	"time"
	"unsafe"

	"github.com/pipelined/vst2"

	"github.com/dudk/rack"
	"github.com/dudk/rack/signal"
)

// Unit wraps a loaded vst2 plugin.
type Unit struct {
	name   string
	plugin *vst2.Plugin

	sampleRate    int
	bufferSize    int
	numChannels   int
	tempo         float32
	timeSignature vst2.TimeSignature

	currentPosition int64
	state           []byte
}

// NewUnit creates a unit above a loaded plugin.
func NewUnit(name string, plugin *vst2.Plugin, numChannels int) *Unit {
	return &Unit{
		name:        name,
		plugin:      plugin,
		numChannels: numChannels,
		tempo:       120,
		timeSignature: vst2.TimeSignature{
			NotesPerBar: 4,
		},
	}
}

// Prepare implements rack.Unit. It resumes the plugin with the session
// settings.
func (u *Unit) Prepare(sampleRate, bufferSize int) error {
	u.sampleRate = sampleRate
	u.bufferSize = bufferSize
	u.currentPosition = 0
	u.plugin.SetCallback(u.callback())
	u.plugin.SetBufferSize(bufferSize)
	u.plugin.SetSampleRate(sampleRate)
	u.plugin.SetSpeakerArrangement(u.numChannels)
	u.plugin.Resume()
	return nil
}

// Process implements rack.Unit.
func (u *Unit) Process(b signal.Float64, events rack.Events) (signal.Float64, error) {
	out := signal.Float64(u.plugin.Process(b))
	u.currentPosition += int64(b.Size())
	return out, nil
}

// Release implements rack.Unit. It suspends the plugin.
func (u *Unit) Release() error {
	u.plugin.Suspend()
	return nil
}

// Name implements rack.Unit.
func (u *Unit) Name() string {
	return u.name
}

// Latency implements rack.Unit. Plugin-reported latency is not exposed
// by the loader, compensation is configured at the engine.
func (u *Unit) Latency() int {
	return 0
}

// SaveState implements rack.Unit. The blob is opaque to the host.
func (u *Unit) SaveState() ([]byte, error) {
	if u.state == nil {
		return nil, nil
	}
	state := make([]byte, len(u.state))
	copy(state, u.state)
	return state, nil
}

// LoadState implements rack.Unit.
func (u *Unit) LoadState(state []byte) error {
	u.state = make([]byte, len(state))
	copy(u.state, state)
	return nil
}

// callback answers host queries with the session settings.
func (u *Unit) callback() vst2.HostCallbackFunc {
	return func(plugin *vst2.Plugin, opcode vst2.MasterOpcode, index int64, value int64, ptr unsafe.Pointer, opt float64) int {
		switch opcode {
		case vst2.AudioMasterIdle:
			plugin.Dispatch(vst2.EffEditIdle, 0, 0, nil, 0)
		case vst2.AudioMasterGetSampleRate:
			return u.sampleRate
		case vst2.AudioMasterGetBlockSize:
			return u.bufferSize
		case vst2.AudioMasterGetTime:
			nanoseconds := time.Now().UnixNano()
			samplePos := u.currentPosition
			samplesPerBeat := (60.0 / float64(u.tempo)) * float64(u.sampleRate)
			ppqPos := float64(samplePos)/samplesPerBeat + 1.0
			barPos := math.Floor(ppqPos / float64(u.timeSignature.NotesPerBar))
			return int(plugin.SetTimeInfo(u.sampleRate, samplePos, float32(u.tempo), u.timeSignature, nanoseconds, ppqPos, barPos))
		}
		return 0
	}
}
