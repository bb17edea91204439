package offline

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dudk/rack"
	"github.com/dudk/rack/chain"
)

// Status describes the lifecycle stage of a task. Transitions are
// monotonic: Pending, then Processing, then one of the terminal
// statuses.
type Status int32

const (
	// Pending task waits in the queue.
	Pending Status = iota
	// Processing task is owned by a worker.
	Processing
	// Completed task rendered its whole input.
	Completed
	// Failed task stopped on an error.
	Failed
	// Cancelled task was cancelled before completing.
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Task is a single input-to-output render job with its own processing
// chain.
type Task struct {
	id     string
	input  string
	output string
	gain   float64
	chain  *chain.Chain

	status    atomic.Int32
	progress  atomic.Uint64
	cancelled atomic.Bool

	errMu sync.Mutex
	err   error
}

// TaskOption provides a way to set functional parameters to a task.
type TaskOption func(*Task)

// WithGain applies a static gain after the chain.
func WithGain(gain float64) TaskOption {
	return func(t *Task) {
		t.gain = gain
	}
}

// WithUnits appends units to the task chain.
func WithUnits(units ...rack.Unit) TaskOption {
	return func(t *Task) {
		for _, u := range units {
			t.chain.Add(u)
		}
	}
}

func newTask(config rack.Config, input, output string, options ...TaskOption) *Task {
	t := &Task{
		id:     uuid.NewString(),
		input:  input,
		output: output,
		gain:   1,
		chain:  chain.New(config),
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// ID returns the task identifier.
func (t *Task) ID() string {
	return t.id
}

// Input returns the source path.
func (t *Task) Input() string {
	return t.input
}

// Output returns the destination path.
func (t *Task) Output() string {
	return t.output
}

// Chain returns the task processing chain. Mutating it while the task
// is Processing is not supported.
func (t *Task) Chain() *chain.Chain {
	return t.chain
}

// Status returns the current lifecycle stage.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

// Progress returns completion in the [0, 1] range.
func (t *Task) Progress() float64 {
	return math.Float64frombits(t.progress.Load())
}

// Err returns the failure cause for a Failed task.
func (t *Task) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *Task) setProgress(p float64) {
	t.progress.Store(math.Float64bits(p))
}

func (t *Task) setErr(err error) {
	t.errMu.Lock()
	t.err = err
	t.errMu.Unlock()
}
