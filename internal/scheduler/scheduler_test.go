package scheduler

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/stage"
)

type fakeSource struct {
	mu       sync.Mutex
	requests []Receiver
}

func (s *fakeSource) RequestFrame(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
}

func (s *fakeSource) FrameSize() image.Point { return image.Pt(4, 4) }

func (s *fakeSource) last() Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

// seqStage records the sequence numbers it processes. When gate is set,
// Process blocks until a value is sent on it.
type seqStage struct {
	name     string
	gate     chan struct{}
	panicMsg string

	mu       sync.Mutex
	seen     []uint64
	shutdown atomic.Int32
}

func (s *seqStage) Name() string          { return s.name }
func (s *seqStage) Init(image.Point) error { return nil }
func (s *seqStage) Start()                 {}
func (s *seqStage) Stop()                  {}
func (s *seqStage) Shutdown()              { s.shutdown.Add(1) }
func (s *seqStage) Debug() map[string]any  { return map[string]any{"seen": len(s.Seen())} }

func (s *seqStage) Process(f *frame.Buffer) error {
	s.mu.Lock()
	s.seen = append(s.seen, f.Seq())
	s.mu.Unlock()
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.gate != nil {
		<-s.gate
	}
	return nil
}

func (s *seqStage) Seen() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seen...)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFrame(t *testing.T, seq uint64, releases *atomic.Int32) *frame.Buffer {
	t.Helper()
	f, err := frame.New(make([]byte, 16), 4, 4, frame.FormatGray, time.Now(),
		frame.WithSeq(seq),
		frame.WithReleaseHook(func([]byte) { releases.Add(1) }),
	)
	require.NoError(t, err)
	return f
}

func waitIdle(t *testing.T, w *Worker) {
	t.Helper()
	require.Eventually(t, func() bool { return !w.Busy() }, time.Second, time.Millisecond)
}

func newTestScheduler(t *testing.T, src Source, configs []WorkerConfig, opts ...Option) (*Scheduler, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(len(configs))
	s, err := New(src, configs, append([]Option{WithMetrics(m), WithStopTimeout(200 * time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, m
}

func TestBusyWorkerNeverSeesSkippedFrame(t *testing.T) {
	src := &fakeSource{}
	inline := &seqStage{name: "inline"}
	slow := &seqStage{name: "slow", gate: make(chan struct{})}
	s, m := newTestScheduler(t, src, []WorkerConfig{
		{Stages: []stage.Stage{inline}},
		{Stages: []stage.Stage{slow}},
	})
	require.NoError(t, s.StartLoop())

	var releases atomic.Int32
	f1, f2, f3 := newFrame(t, 1, &releases), newFrame(t, 2, &releases), newFrame(t, 3, &releases)

	s.OnFrameDelivered(f1)
	// Worker 1 is still on f1 when f2 arrives.
	s.OnFrameDelivered(f2)
	assert.True(t, f2.Released(), "a frame seen only by worker 0 is released inline")

	slow.gate <- struct{}{}
	waitIdle(t, s.Workers()[1])

	s.OnFrameDelivered(f3)
	slow.gate <- struct{}{}
	waitIdle(t, s.Workers()[1])

	assert.Equal(t, []uint64{1, 2, 3}, inline.Seen())
	assert.Equal(t, []uint64{1, 3}, slow.Seen())
	assert.Equal(t, uint64(1), m.Worker(1).Skipped.Load())
	assert.Equal(t, uint64(2), m.Worker(1).Processed.Load())
	assert.Equal(t, int32(3), releases.Load())
	assert.Equal(t, uint64(3), m.FramesReleased.Load())
}

func TestFrameReleasedAfterLastWorker(t *testing.T) {
	src := &fakeSource{}
	slow := &seqStage{name: "slow", gate: make(chan struct{})}
	s, _ := newTestScheduler(t, src, []WorkerConfig{
		{Stages: []stage.Stage{&seqStage{name: "inline"}}},
		{Stages: []stage.Stage{slow}},
	})
	require.NoError(t, s.StartLoop())

	var releases atomic.Int32
	f := newFrame(t, 7, &releases)
	s.OnFrameDelivered(f)

	assert.Same(t, s, src.last(), "next frame is requested before downstream workers finish")
	assert.False(t, f.Released())
	assert.Equal(t, 1, f.Outstanding())

	slow.gate <- struct{}{}
	require.Eventually(t, f.Released, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), releases.Load())
}

func TestStagePanicStillReleasesFrame(t *testing.T) {
	src := &fakeSource{}
	s, m := newTestScheduler(t, src, []WorkerConfig{
		{Stages: []stage.Stage{&seqStage{name: "inline", panicMsg: "inline boom"}}},
		{Stages: []stage.Stage{&seqStage{name: "async", panicMsg: "async boom"}}},
	})
	require.NoError(t, s.StartLoop())

	var releases atomic.Int32
	f := newFrame(t, 1, &releases)
	require.NotPanics(t, func() { s.OnFrameDelivered(f) })

	require.Eventually(t, f.Released, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), m.StagePanics.Load())
	waitIdle(t, s.Workers()[1])
	assert.Equal(t, int32(1), releases.Load())
}

func TestWorkerPacing(t *testing.T) {
	src := &fakeSource{}
	clock := &fixedClock{now: time.Unix(1000, 0)}
	paced := &seqStage{name: "paced"}
	s, m := newTestScheduler(t, src, []WorkerConfig{
		{Stages: []stage.Stage{&seqStage{name: "inline"}}},
		{Stages: []stage.Stage{paced}, MinDelay: 100 * time.Millisecond},
	}, WithClock(clock.Now))
	require.NoError(t, s.StartLoop())

	var releases atomic.Int32
	s.OnFrameDelivered(newFrame(t, 1, &releases))
	waitIdle(t, s.Workers()[1])

	clock.Advance(99 * time.Millisecond)
	s.OnFrameDelivered(newFrame(t, 2, &releases))

	clock.Advance(1 * time.Millisecond)
	s.OnFrameDelivered(newFrame(t, 3, &releases))
	waitIdle(t, s.Workers()[1])

	assert.Equal(t, []uint64{1, 3}, paced.Seen())
	assert.Equal(t, uint64(1), m.Worker(1).Skipped.Load())
}

func TestStopLoopCancelsRequestAndReturnsLateFrames(t *testing.T) {
	src := &fakeSource{}
	inline := &seqStage{name: "inline"}
	s, _ := newTestScheduler(t, src, []WorkerConfig{{Stages: []stage.Stage{inline}}})
	require.NoError(t, s.StartLoop())
	require.True(t, s.Looping())

	s.StopLoop()
	assert.False(t, s.Looping())
	assert.Nil(t, src.last())

	var releases atomic.Int32
	late := newFrame(t, 5, &releases)
	s.OnFrameDelivered(late)
	assert.True(t, late.Released())
	assert.Empty(t, inline.Seen())

	require.NoError(t, s.StartLoop())
	assert.Same(t, s, src.last())
}

func TestShutdownRunsStageShutdownOnce(t *testing.T) {
	src := &fakeSource{}
	inline := &seqStage{name: "inline"}
	async := &seqStage{name: "async"}
	s, _ := newTestScheduler(t, src, []WorkerConfig{
		{Stages: []stage.Stage{inline}},
		{Stages: []stage.Stage{async}},
	})
	require.NoError(t, s.StartLoop())

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
	assert.Equal(t, int32(1), inline.shutdown.Load())
	assert.Equal(t, int32(1), async.shutdown.Load())
	assert.True(t, errors.Is(s.StartLoop(), ErrShutdown))
}

func TestShutdownAbandonsStuckWorkerWithinBound(t *testing.T) {
	src := &fakeSource{}
	stuck := &seqStage{name: "stuck", gate: make(chan struct{})}
	s, _ := newTestScheduler(t, src, []WorkerConfig{
		{Stages: []stage.Stage{&seqStage{name: "inline"}}},
		{Stages: []stage.Stage{stuck}},
	}, WithStopTimeout(100*time.Millisecond))
	require.NoError(t, s.StartLoop())

	var releases atomic.Int32
	f := newFrame(t, 1, &releases)
	s.OnFrameDelivered(f)
	require.Eventually(t, func() bool { return len(stuck.Seen()) == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	err := s.Shutdown()
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker 1")
	assert.Less(t, elapsed, 600*time.Millisecond, "stop and join are each bounded by the timeout")
	assert.Zero(t, stuck.shutdown.Load(), "stage shutdown waits for the worker goroutine")
	assert.False(t, f.Released())

	close(stuck.gate)
	require.Eventually(t, func() bool { return stuck.shutdown.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, f.Released, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), releases.Load())
}

func TestStopLoopDoesNotWaitForeverOnBusyWorker(t *testing.T) {
	src := &fakeSource{}
	stuck := &seqStage{name: "stuck", gate: make(chan struct{})}
	s, _ := newTestScheduler(t, src, []WorkerConfig{
		{Stages: []stage.Stage{&seqStage{name: "inline"}}},
		{Stages: []stage.Stage{stuck}},
	}, WithStopTimeout(100*time.Millisecond))
	require.NoError(t, s.StartLoop())

	var releases atomic.Int32
	f := newFrame(t, 1, &releases)
	s.OnFrameDelivered(f)
	require.Eventually(t, func() bool { return len(stuck.Seen()) == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	s.StopLoop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, s.Looping())

	close(stuck.gate)
	require.Eventually(t, f.Released, time.Second, time.Millisecond)
}

func TestDebugListsWorkersAndStages(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSource{}, []WorkerConfig{
		{Stages: []stage.Stage{&seqStage{name: "inline"}}},
		{Stages: []stage.Stage{&seqStage{name: "async"}}, MinDelay: time.Second},
	})

	info := s.Debug()
	workers, ok := info["workers"].([]any)
	require.True(t, ok)
	require.Len(t, workers, 2)

	w1 := workers[1].(map[string]any)
	assert.Equal(t, int64(1000), w1["delay_ms"])
	stages := w1["stages"].([]any)
	assert.Equal(t, "async", stages[0].(map[string]any)["name"])
}
