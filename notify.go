package rack

import "sync"

// Subscription is an explicit handle to a registered callback. Callbacks
// stay registered until their subscription is cancelled, there are no
// implicit lifetimes.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// NewSubscription wraps an unregister function into a handle.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel unregisters the callback. Consequent calls do nothing.
func (s *Subscription) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

// ErrorFunc is invoked when an engine detects a fault. It may be called
// from the render path, so the body must be cheap and non-blocking.
type ErrorFunc func(source string, err error)

// Errors is a registry of error callbacks shared by the engines.
type Errors struct {
	mu   sync.Mutex
	next int
	fns  map[int]ErrorFunc
}

// Subscribe registers an error callback and returns its handle.
func (e *Errors) Subscribe(fn ErrorFunc) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fns == nil {
		e.fns = make(map[int]ErrorFunc)
	}
	id := e.next
	e.next++
	e.fns[id] = fn
	return &Subscription{cancel: func() {
		e.mu.Lock()
		delete(e.fns, id)
		e.mu.Unlock()
	}}
}

// Notify invokes all registered callbacks synchronously on the calling
// goroutine.
func (e *Errors) Notify(source string, err error) {
	e.mu.Lock()
	fns := make([]ErrorFunc, 0, len(e.fns))
	for _, fn := range e.fns {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(source, err)
	}
}
