package rack

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidState is returned if an engine method cannot be executed
	// at this moment.
	ErrInvalidState = errors.New("invalid state")
	// ErrBatchActive is returned if a batch is started while another
	// batch is still open.
	ErrBatchActive = errors.New("batch already active")
	// ErrNoBatch is returned if a batch is committed or cancelled while
	// no batch is open.
	ErrNoBatch = errors.New("no active batch")
	// ErrUnknownSnapshot is returned if a snapshot id is not found.
	ErrUnknownSnapshot = errors.New("unknown snapshot")
	// ErrDevice is returned if the audio device could not be opened or
	// started. It is fatal to the realtime engine instance until it is
	// reinitialized.
	ErrDevice = errors.New("device failure")
)

// ExecErrors wraps errors that might occur when multiple units are
// prepared or released in one walk.
type ExecErrors []error

func (e ExecErrors) Error() string {
	s := []string{}
	for _, se := range e {
		s = append(s, se.Error())
	}
	return strings.Join(s, ",")
}

// Ret returns untyped nil if the error list is empty.
func (e ExecErrors) Ret() error {
	if len(e) > 0 {
		return e
	}
	return nil
}
