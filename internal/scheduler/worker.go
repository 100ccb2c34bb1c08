package scheduler

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/stage"
)

// WorkerConfig describes one priority level of the pipeline.
type WorkerConfig struct {
	Stages []stage.Stage
	// MinDelay is the minimum time between two frames handed to this worker.
	// Ignored for worker 0, which sees every frame.
	MinDelay time.Duration
}

// Worker runs an ordered list of stages on a dedicated goroutine. Worker 0 is
// inline: it has no goroutine and runs on the capture delivery goroutine.
type Worker struct {
	index  int
	inline bool
	hosts  []*stage.Host
	delay  time.Duration
	nice   int

	busy     atomic.Bool
	lastRun  atomic.Int64 // UnixNano of the last accepted frame
	mailbox  chan *frame.Buffer
	quit     chan struct{}
	done     chan struct{}
	quitting atomic.Bool

	metrics  *metrics.Metrics
	counters *metrics.WorkerCounters
	log      string
}

func newWorker(index int, cfg WorkerConfig, nice int, m *metrics.Metrics) *Worker {
	w := &Worker{
		index:    index,
		inline:   index == 0,
		delay:    cfg.MinDelay,
		nice:     nice,
		mailbox:  make(chan *frame.Buffer, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		metrics:  m,
		counters: m.Worker(index),
		log:      fmt.Sprintf("Worker%d", index),
	}
	for _, s := range cfg.Stages {
		w.hosts = append(w.hosts, stage.NewHost(s))
	}
	if w.inline {
		close(w.done)
	}
	return w
}

// Index returns the worker's priority level, 0 being the highest.
func (w *Worker) Index() int { return w.index }

// Busy reports whether a frame is in flight on this worker.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Ready reports whether the worker would accept a frame at now.
func (w *Worker) Ready(now time.Time) bool {
	if w.busy.Load() || w.quitting.Load() {
		return false
	}
	last := w.lastRun.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) >= w.delay
}

// acquire claims the worker for one frame if it is ready.
func (w *Worker) acquire(now time.Time) bool {
	if !w.Ready(now) {
		return false
	}
	if !w.busy.CompareAndSwap(false, true) {
		return false
	}
	w.lastRun.Store(now.UnixNano())
	w.counters.LastRunMs.Store(uint64(now.UnixMilli()))
	return true
}

// deliver hands an acquired frame to the worker goroutine.
func (w *Worker) deliver(f *frame.Buffer) {
	select {
	case w.mailbox <- f:
	default:
		// acquire guarantees an empty mailbox; this is unreachable unless
		// the scheduler is broken, so give the frame back instead of leaking it.
		logger.Error(w.log, "mailbox full, dropping frame %d", f.Seq())
		w.finish(f)
	}
}

// runInline processes f on the calling goroutine. Only worker 0 uses it.
func (w *Worker) runInline(f *frame.Buffer, now time.Time) {
	w.busy.Store(true)
	w.lastRun.Store(now.UnixNano())
	w.counters.LastRunMs.Store(uint64(now.UnixMilli()))
	w.process(f)
}

func (w *Worker) start() {
	if w.inline {
		return
	}
	go w.loop()
}

func (w *Worker) loop() {
	defer close(w.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := setThreadNice(w.nice); err != nil {
		logger.Debug(w.log, "could not set thread niceness %d: %v", w.nice, err)
	}

	for {
		// Shutdown has priority over a pending frame.
		select {
		case <-w.quit:
			w.drain()
			w.shutdownStages()
			return
		default:
		}

		select {
		case <-w.quit:
			w.drain()
			w.shutdownStages()
			return
		case f := <-w.mailbox:
			w.process(f)
		}
	}
}

// drain gives back a frame delivered after the quit signal.
func (w *Worker) drain() {
	for {
		select {
		case f := <-w.mailbox:
			w.finish(f)
		default:
			return
		}
	}
}

// process runs every stage on f, in order. The frame is always finished,
// whatever the stages do.
func (w *Worker) process(f *frame.Buffer) {
	defer w.finish(f)

	for _, h := range w.hosts {
		if w.quitting.Load() {
			logger.Debug(w.log, "quit requested, abandoning frame %d before %s", f.Seq(), h.Name())
			return
		}
		if err := h.Process(f); err != nil {
			w.report(err)
		}
	}
	w.counters.Processed.Add(1)
}

func (w *Worker) report(err error) {
	var perr *stage.ProcessingError
	if errors.As(err, &perr) {
		if perr.Panic {
			w.metrics.StagePanics.Add(1)
			logger.Error(w.log, "%v\n%s", perr, perr.Stack)
			return
		}
		w.metrics.StageErrors.Add(1)
		logger.Warn(w.log, "%v", perr)
		return
	}
	w.metrics.StageErrors.Add(1)
	logger.Error(w.log, "stage lifecycle error: %v", err)
}

func (w *Worker) finish(f *frame.Buffer) {
	release(w.log, f, w.metrics)
	w.busy.Store(false)
}

// waitIdle waits until the in-flight frame, if any, is finished.
func (w *Worker) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for w.busy.Load() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
	return true
}

// shutdown signals the worker goroutine and waits for it to exit.
func (w *Worker) shutdown(timeout time.Duration) error {
	if w.quitting.Swap(true) {
		return nil
	}
	if w.inline {
		w.shutdownStages()
		return nil
	}
	close(w.quit)

	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker %d did not exit within %v", w.index, timeout)
	}
}

func (w *Worker) shutdownStages() {
	for _, h := range w.hosts {
		h.Shutdown()
	}
}

// Debug returns a JSON-compatible view of the worker.
func (w *Worker) Debug() map[string]any {
	stages := make([]any, 0, len(w.hosts))
	for _, h := range w.hosts {
		stages = append(stages, h.Debug())
	}
	return map[string]any{
		"index":     w.index,
		"inline":    w.inline,
		"busy":      w.busy.Load(),
		"delay_ms":  w.delay.Milliseconds(),
		"processed": w.counters.Processed.Load(),
		"skipped":   w.counters.Skipped.Load(),
		"stages":    stages,
	}
}
