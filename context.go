package rack

import (
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/dudk/rack/log"
)

// Context is the shared engine context passed to every engine at
// construction. It is reference-counted: each engine retains it on
// construction and releases it on close, the last release shuts the
// context down.
type Context struct {
	uid    string
	config Config
	logger *logrus.Logger
	refs   int32
	done   chan struct{}
}

// ContextOption provides a way to set functional parameters to context.
type ContextOption func(*Context)

// WithLogger sets logger to context. If this option is not provided,
// the package default logger is used.
func WithLogger(l *logrus.Logger) ContextOption {
	return func(c *Context) {
		c.logger = l
	}
}

// NewContext creates a new context with a single reference held by the
// caller.
func NewContext(config Config, options ...ContextOption) *Context {
	c := &Context{
		uid:    xid.New().String(),
		config: config,
		logger: log.GetLogger(),
		refs:   1,
		done:   make(chan struct{}),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Retain adds a reference and returns the same context.
func (c *Context) Retain() *Context {
	atomic.AddInt32(&c.refs, 1)
	return c
}

// Release drops a reference. When the last reference is gone the
// context is shut down and Done is closed.
func (c *Context) Release() {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		close(c.done)
	}
}

// Done is closed when the context has been shut down.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Config returns the shared execution parameters.
func (c *Context) Config() Config {
	return c.config
}

// Logger returns the shared logger.
func (c *Context) Logger() *logrus.Logger {
	return c.logger
}

// String returns the context id.
func (c *Context) String() string {
	return c.uid
}
