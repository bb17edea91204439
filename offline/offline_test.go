package offline_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dudk/rack"
	"github.com/dudk/rack/mock"
	"github.com/dudk/rack/offline"
	"github.com/dudk/rack/signal"
	"github.com/dudk/rack/wav"
)

var testConfig = rack.Config{
	SampleRate:  44100,
	BufferSize:  512,
	NumChannels: 2,
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeWav renders the passed number of half-scale blocks into a new
// wav file and returns its path.
func writeWav(t *testing.T, dir, name string, blocks int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	sink, err := wav.NewSink(path, signal.BitDepth16)
	require.NoError(t, err)
	fn, err := sink.Sink("test", testConfig.SampleRate, testConfig.NumChannels, testConfig.BufferSize)
	require.NoError(t, err)
	b := signal.Empty(testConfig.NumChannels, testConfig.BufferSize)
	for ch := range b {
		for i := range b[ch] {
			b[ch][i] = 0.5
		}
	}
	for i := 0; i < blocks; i++ {
		require.NoError(t, fn(b))
	}
	require.NoError(t, sink.Flush("test"))
	return path
}

func readWav(t *testing.T, path string) (signal.Float64, int64) {
	t.Helper()
	pump := wav.NewPump(path)
	fn, _, _, err := pump.Pump("test", testConfig.BufferSize)
	require.NoError(t, err)
	b, err := fn()
	require.NoError(t, err)
	samples := pump.Samples()
	require.NoError(t, pump.Flush("test"))
	return b, samples
}

func TestProcessing(t *testing.T) {
	dir := t.TempDir()
	in := writeWav(t, dir, "in.wav", 4)
	out := filepath.Join(dir, "out.wav")

	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx, offline.WithWorkers(1))
	defer e.Close()

	var states []offline.Status
	e.OnState(func(task *offline.Task, status offline.Status) {
		states = append(states, status)
	})
	var lastProgress float64
	e.OnProgress(func(task *offline.Task, progress float64) {
		lastProgress = progress
	})

	task, err := e.AddTask(in, out, offline.WithUnits(&mock.Unit{Gain: 0.5}))
	require.NoError(t, err)
	assert.Equal(t, offline.Pending, task.Status())
	assert.Equal(t, in, task.Input())
	assert.Equal(t, out, task.Output())

	require.NoError(t, e.StartProcessing())
	require.NoError(t, e.Wait())

	assert.Equal(t, offline.Completed, task.Status())
	assert.Equal(t, 1.0, task.Progress())
	assert.Equal(t, 1.0, lastProgress)
	assert.Equal(t, []offline.Status{offline.Processing, offline.Completed}, states)

	b, samples := readWav(t, out)
	assert.Equal(t, int64(4*testConfig.BufferSize), samples)
	assert.InDelta(t, 0.25, b[0][0], 1e-3)
}

func TestTaskGain(t *testing.T) {
	dir := t.TempDir()
	in := writeWav(t, dir, "in.wav", 1)
	out := filepath.Join(dir, "out.wav")

	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx)
	defer e.Close()

	_, err := e.AddTask(in, out, offline.WithGain(0.5))
	require.NoError(t, err)
	require.NoError(t, e.StartProcessing())
	require.NoError(t, e.Wait())

	b, _ := readWav(t, out)
	assert.InDelta(t, 0.25, b[0][0], 1e-3)
}

func TestFailedTask(t *testing.T) {
	dir := t.TempDir()
	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx)
	defer e.Close()

	task, err := e.AddTask(filepath.Join(dir, "missing.wav"), filepath.Join(dir, "out.wav"))
	require.NoError(t, err)
	require.NoError(t, e.StartProcessing())
	require.NoError(t, e.Wait())

	assert.Equal(t, offline.Failed, task.Status())
	assert.Error(t, task.Err())
}

func TestCancelRunningTask(t *testing.T) {
	dir := t.TempDir()
	in := writeWav(t, dir, "in.wav", 8)
	out := filepath.Join(dir, "out.wav")

	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx, offline.WithWorkers(1))
	defer e.Close()

	unit := &mock.Unit{Proceed: make(chan struct{})}
	task, err := e.AddTask(in, out, offline.WithUnits(unit))
	require.NoError(t, err)

	require.NoError(t, e.StartProcessing())
	// wait until the worker is inside the first block, so exactly one
	// block lands in the output before the cancel takes effect
	require.Eventually(t, func() bool {
		return unit.Calls() > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, e.CancelTask(task.ID()))
	close(unit.Proceed)
	require.NoError(t, e.Wait())

	assert.Equal(t, offline.Cancelled, task.Status())
	assert.Less(t, task.Progress(), 1.0)
	assert.True(t, unit.Released())
	// the partial output is finalized and reads back as a valid file
	_, samples := readWav(t, out)
	assert.Equal(t, int64(testConfig.BufferSize), samples)
}

func TestCancelPendingTask(t *testing.T) {
	dir := t.TempDir()
	in := writeWav(t, dir, "in.wav", 1)

	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx)
	defer e.Close()

	task, err := e.AddTask(in, filepath.Join(dir, "out.wav"))
	require.NoError(t, err)
	require.NoError(t, e.CancelTask(task.ID()))
	assert.Equal(t, offline.Cancelled, task.Status())

	require.NoError(t, e.StartProcessing())
	require.NoError(t, e.Wait())
	assert.Equal(t, offline.Cancelled, task.Status())
}

func TestStopProcessing(t *testing.T) {
	dir := t.TempDir()
	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx, offline.WithWorkers(1))
	defer e.Close()

	unit := &mock.Unit{Proceed: make(chan struct{})}
	first, err := e.AddTask(writeWav(t, dir, "a.wav", 4), filepath.Join(dir, "a_out.wav"), offline.WithUnits(unit))
	require.NoError(t, err)
	second, err := e.AddTask(writeWav(t, dir, "b.wav", 1), filepath.Join(dir, "b_out.wav"))
	require.NoError(t, err)

	require.NoError(t, e.StartProcessing())
	require.Eventually(t, func() bool {
		return first.Status() == offline.Processing
	}, time.Second, time.Millisecond)

	require.NoError(t, e.CancelTask(first.ID()))
	close(unit.Proceed)
	require.NoError(t, e.StopProcessing())

	// nothing is left in flight after a stop
	for _, task := range e.Tasks() {
		assert.NotEqual(t, offline.Processing, task.Status())
		assert.True(t, task.Status().Terminal())
	}
	assert.Equal(t, offline.Cancelled, first.Status())
	assert.Equal(t, offline.Cancelled, second.Status())
	assert.Equal(t, rack.ErrInvalidState, e.StopProcessing())
}

func TestStopCancelsRunningTask(t *testing.T) {
	dir := t.TempDir()
	in := writeWav(t, dir, "in.wav", 8)
	out := filepath.Join(dir, "out.wav")

	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx, offline.WithWorkers(1))
	defer e.Close()

	unit := &mock.Unit{Proceed: make(chan struct{})}
	task, err := e.AddTask(in, out, offline.WithUnits(unit))
	require.NoError(t, err)

	require.NoError(t, e.StartProcessing())
	require.Eventually(t, func() bool {
		return task.Status() == offline.Processing
	}, time.Second, time.Millisecond)

	// park the worker at the next block boundary so the stop lands
	// while the task is in flight
	e.Pause()
	close(unit.Proceed)
	require.NoError(t, e.StopProcessing())

	assert.Equal(t, offline.Cancelled, task.Status())
	assert.Less(t, task.Progress(), 1.0)
	assert.True(t, unit.Released())
}

func TestStateCallbackReentrancy(t *testing.T) {
	dir := t.TempDir()
	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx, offline.WithWorkers(1))
	defer e.Close()

	unit := &mock.Unit{Proceed: make(chan struct{})}
	first, err := e.AddTask(writeWav(t, dir, "a.wav", 2), filepath.Join(dir, "a_out.wav"), offline.WithUnits(unit))
	require.NoError(t, err)
	second, err := e.AddTask(writeWav(t, dir, "b.wav", 1), filepath.Join(dir, "b_out.wav"))
	require.NoError(t, err)

	// state callbacks are free to call back into the engine
	e.OnState(func(task *offline.Task, status offline.Status) {
		_ = e.Tasks()
		_ = e.Progress()
		_, _ = e.Task(task.ID())
	})

	require.NoError(t, e.StartProcessing())
	require.Eventually(t, func() bool {
		return first.Status() == offline.Processing
	}, time.Second, time.Millisecond)

	close(unit.Proceed)
	require.NoError(t, e.StopProcessing())
	assert.Equal(t, offline.Cancelled, second.Status())
}

func TestAddTaskQueueFull(t *testing.T) {
	dir := t.TempDir()
	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx, offline.WithWorkers(1))
	defer e.Close()

	unit := &mock.Unit{Proceed: make(chan struct{})}
	first, err := e.AddTask(writeWav(t, dir, "in.wav", 2), filepath.Join(dir, "out.wav"), offline.WithUnits(unit))
	require.NoError(t, err)

	require.NoError(t, e.StartProcessing())
	require.Eventually(t, func() bool {
		return first.Status() == offline.Processing
	}, time.Second, time.Millisecond)

	// the worker is parked on the first task, fill the queue behind it
	var addErr error
	for i := 0; i < 1000; i++ {
		if _, addErr = e.AddTask("a.wav", "b.wav"); addErr != nil {
			break
		}
	}
	require.Equal(t, rack.ErrInvalidState, addErr)
	registered := len(e.Tasks())

	// a rejected add must not leave a task behind
	_, err = e.AddTask("a.wav", "b.wav")
	assert.Equal(t, rack.ErrInvalidState, err)
	assert.Len(t, e.Tasks(), registered)

	close(unit.Proceed)
	require.NoError(t, e.StopProcessing())
}

func TestAddTaskAfterStop(t *testing.T) {
	dir := t.TempDir()
	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx)
	defer e.Close()

	require.NoError(t, e.StartProcessing())
	require.NoError(t, e.StopProcessing())

	// a stopped engine still accepts tasks, they wait for the next run
	task, err := e.AddTask(writeWav(t, dir, "in.wav", 1), filepath.Join(dir, "out.wav"))
	require.NoError(t, err)
	assert.Equal(t, offline.Pending, task.Status())

	require.NoError(t, e.StartProcessing())
	require.NoError(t, e.Wait())
	assert.Equal(t, offline.Completed, task.Status())
}

func TestPauseResume(t *testing.T) {
	dir := t.TempDir()
	in := writeWav(t, dir, "in.wav", 2)
	out := filepath.Join(dir, "out.wav")

	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx, offline.WithWorkers(1))
	defer e.Close()

	task, err := e.AddTask(in, out)
	require.NoError(t, err)

	e.Pause()
	assert.True(t, e.Paused())
	require.NoError(t, e.StartProcessing())
	require.Eventually(t, func() bool {
		return task.Status() == offline.Processing
	}, time.Second, time.Millisecond)
	// paused workers stop at the block boundary before the first read
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0.0, task.Progress())

	e.Resume()
	assert.False(t, e.Paused())
	require.NoError(t, e.Wait())
	assert.Equal(t, offline.Completed, task.Status())
}

func TestAggregateProgress(t *testing.T) {
	dir := t.TempDir()
	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx, offline.WithWorkers(2))
	defer e.Close()

	assert.Equal(t, 0.0, e.Progress())

	_, err := e.AddTask(writeWav(t, dir, "a.wav", 2), filepath.Join(dir, "a_out.wav"))
	require.NoError(t, err)
	_, err = e.AddTask(writeWav(t, dir, "b.wav", 2), filepath.Join(dir, "b_out.wav"))
	require.NoError(t, err)

	require.NoError(t, e.StartProcessing())
	assert.Equal(t, rack.ErrInvalidState, e.StartProcessing())
	require.NoError(t, e.Wait())
	assert.Equal(t, 1.0, e.Progress())
}

func TestTaskLookup(t *testing.T) {
	dir := t.TempDir()
	ctx := rack.NewContext(testConfig)
	defer ctx.Release()
	e := offline.New(ctx)
	defer e.Close()

	task, err := e.AddTask(filepath.Join(dir, "in.wav"), filepath.Join(dir, "out.wav"))
	require.NoError(t, err)

	got, ok := e.Task(task.ID())
	assert.True(t, ok)
	assert.Same(t, task, got)

	_, ok = e.Task("unknown")
	assert.False(t, ok)
	assert.Equal(t, rack.ErrInvalidState, e.CancelTask("unknown"))
}
