// Package mock provides processing units to test the engines.
package mock

import (
	"errors"
	"math"
	"sync"

	"github.com/dudk/rack"
	"github.com/dudk/rack/signal"
)

// ErrFailed is returned by units configured to fail.
var ErrFailed = errors.New("unit failed")

// Unit is a configurable processing unit.
type Unit struct {
	// UnitName is returned by Name. Empty name defaults to "mock".
	UnitName string
	// Gain is the multiplier applied to every sample. Zero value means
	// unity.
	Gain float64
	// LatencySamples is reported by Latency.
	LatencySamples int
	// ErrorOnPrepare is returned by Prepare when set.
	ErrorOnPrepare error
	// ErrorOnCall makes Process return ErrFailed on the n-th call,
	// 1-based. Zero disables.
	ErrorOnCall int
	// PanicOnCall makes Process panic on the n-th call, 1-based.
	PanicOnCall int
	// InvalidOnCall makes Process emit a NaN sample on the n-th call,
	// 1-based.
	InvalidOnCall int
	// Delay blocks every Process call until Proceed is closed.
	Proceed chan struct{}

	mu         sync.Mutex
	state      []byte
	prepared   bool
	released   bool
	calls      int
	sampleRate int
	bufferSize int
}

// Prepare implements rack.Unit.
func (u *Unit) Prepare(sampleRate, bufferSize int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ErrorOnPrepare != nil {
		return u.ErrorOnPrepare
	}
	u.prepared = true
	u.released = false
	u.sampleRate = sampleRate
	u.bufferSize = bufferSize
	return nil
}

// Process implements rack.Unit.
func (u *Unit) Process(b signal.Float64, events rack.Events) (signal.Float64, error) {
	u.mu.Lock()
	u.calls++
	call := u.calls
	u.mu.Unlock()
	if u.Proceed != nil {
		<-u.Proceed
	}
	if u.PanicOnCall != 0 && call == u.PanicOnCall {
		panic(ErrFailed)
	}
	if u.ErrorOnCall != 0 && call == u.ErrorOnCall {
		return nil, ErrFailed
	}
	if g := u.Gain; g != 0 && g != 1 {
		b.Gain(g)
	}
	if u.InvalidOnCall != 0 && call == u.InvalidOnCall && b.Size() > 0 {
		b[0][0] = math.NaN()
	}
	return b, nil
}

// Release implements rack.Unit.
func (u *Unit) Release() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prepared = false
	u.released = true
	return nil
}

// Name implements rack.Unit.
func (u *Unit) Name() string {
	if u.UnitName == "" {
		return "mock"
	}
	return u.UnitName
}

// Latency implements rack.Unit.
func (u *Unit) Latency() int {
	return u.LatencySamples
}

// SaveState implements rack.Unit.
func (u *Unit) SaveState() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == nil {
		return nil, nil
	}
	state := make([]byte, len(u.state))
	copy(state, u.state)
	return state, nil
}

// LoadState implements rack.Unit.
func (u *Unit) LoadState(state []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = make([]byte, len(state))
	copy(u.state, state)
	return nil
}

// SetState sets the blob returned by SaveState.
func (u *Unit) SetState(state []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = state
}

// State returns the last loaded state.
func (u *Unit) State() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Prepared reports whether the unit is currently prepared.
func (u *Unit) Prepared() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.prepared
}

// Released reports whether the unit has been released.
func (u *Unit) Released() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.released
}

// Calls returns the number of Process calls.
func (u *Unit) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// SampleRate returns the sample rate supplied to Prepare.
func (u *Unit) SampleRate() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sampleRate
}
