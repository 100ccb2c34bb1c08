// Package scheduler fans a single capture stream out to prioritized stage
// workers. Worker 0 runs inline on the capture delivery goroutine and sees
// every frame; the other workers run on their own goroutines and skip the
// frames that arrive while they are busy or pacing.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/stage"
)

const (
	// DefaultStopTimeout bounds how long StopLoop and Shutdown wait per worker.
	DefaultStopTimeout = 2 * time.Second

	skipLogInterval = 5 * time.Second
)

// ErrShutdown is returned when the loop is started after Shutdown.
var ErrShutdown = errors.New("scheduler is shut down")

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records dispatch counters in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces time.Now for readiness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithStopTimeout sets the per-worker wait of StopLoop and Shutdown.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.stopTimeout = d }
}

// Scheduler owns the stage workers and drives the capture loop.
type Scheduler struct {
	source  Source
	workers []*Worker

	metrics     *metrics.Metrics
	now         func() time.Time
	stopTimeout time.Duration
	skipLog     *logger.Throttle

	looping  atomic.Bool
	shutdown atomic.Bool

	// dispatchMu is held for the whole of OnFrameDelivered so StopLoop can
	// wait for a delivery in progress.
	dispatchMu sync.Mutex
	// loopMu serializes StartLoop, StopLoop and Shutdown.
	loopMu sync.Mutex
}

// New creates a scheduler with one worker per config entry. The first entry
// is worker 0.
func New(source Source, configs []WorkerConfig, opts ...Option) (*Scheduler, error) {
	if source == nil {
		return nil, errors.New("scheduler: nil source")
	}
	if len(configs) == 0 {
		return nil, errors.New("scheduler: at least one worker is required")
	}

	s := &Scheduler{
		source:      source,
		now:         time.Now,
		stopTimeout: DefaultStopTimeout,
		skipLog:     logger.Every("Scheduler", skipLogInterval),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(len(configs))
	}

	for i, cfg := range configs {
		if i == 0 {
			cfg.MinDelay = 0
		}
		// Niceness grows with the index so worker 1 is the most favored
		// of the asynchronous workers.
		s.workers = append(s.workers, newWorker(i, cfg, i-1, s.metrics))
	}
	for _, w := range s.workers {
		w.start()
	}

	logger.Info("Scheduler", "Created with %d workers", len(s.workers))
	return s, nil
}

// Workers returns the workers in priority order.
func (s *Scheduler) Workers() []*Worker { return s.workers }

// Looping reports whether the capture loop is running.
func (s *Scheduler) Looping() bool { return s.looping.Load() }

// OnFrameDelivered implements Receiver. The source never calls it
// concurrently with itself.
func (s *Scheduler) OnFrameDelivered(f *frame.Buffer) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.metrics.FramesDelivered.Add(1)
	s.metrics.UpdateFrameLatency(f.Timestamp())

	if !s.looping.Load() {
		// Late delivery after StopLoop: give the buffer straight back.
		if err := f.StartStage(); err != nil {
			logger.Error("Scheduler", "late frame %d: %v", f.Seq(), err)
			return
		}
		release("Scheduler", f, s.metrics)
		return
	}

	now := s.now()
	ready := make([]*Worker, 0, len(s.workers)-1)
	for _, w := range s.workers[1:] {
		if w.acquire(now) {
			ready = append(ready, w)
			continue
		}
		w.counters.Skipped.Add(1)
		s.skipLog.Debug("worker %d skipped frame %d (busy=%v)", w.index, f.Seq(), w.Busy())
	}

	// Register every consumer before any of them can finish.
	for i := 0; i < 1+len(ready); i++ {
		if err := f.StartStage(); err != nil {
			logger.Error("Scheduler", "frame %d: %v", f.Seq(), err)
			for _, w := range ready {
				w.busy.Store(false)
			}
			return
		}
	}

	s.workers[0].runInline(f, now)

	if s.looping.Load() {
		s.source.RequestFrame(s)
	}

	for _, w := range ready {
		w.deliver(f)
	}
}

// StartLoop initializes and starts every stage, then requests the first frame.
func (s *Scheduler) StartLoop() error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.shutdown.Load() {
		return ErrShutdown
	}
	if s.looping.Load() {
		return nil
	}

	size := s.source.FrameSize()
	for _, w := range s.workers {
		for _, h := range w.hosts {
			if h.State() == stage.Uninitialized {
				if err := h.Init(size); err != nil {
					return fmt.Errorf("worker %d: %w", w.index, err)
				}
			}
			if err := h.Start(); err != nil {
				return fmt.Errorf("worker %d: %w", w.index, err)
			}
		}
	}

	s.metrics.LoopRestarts.Add(1)
	s.looping.Store(true)
	s.source.RequestFrame(s)
	logger.Info("Scheduler", "Capture loop started (%dx%d)", size.X, size.Y)
	return nil
}

// StopLoop cancels the outstanding capture request, waits a bounded time
// for in-flight frames and stops every stage. Workers are not interrupted.
func (s *Scheduler) StopLoop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	s.stopLoopLocked()
}

func (s *Scheduler) stopLoopLocked() {
	if !s.looping.Swap(false) {
		return
	}
	s.source.RequestFrame(nil)

	// Wait for a delivery already in progress to finish its dispatch.
	s.dispatchMu.Lock()
	s.dispatchMu.Unlock() //nolint:staticcheck

	for _, w := range s.workers[1:] {
		if !w.waitIdle(s.stopTimeout) {
			logger.Warn("Scheduler", "worker %d still busy after %v, stopping stages anyway", w.index, s.stopTimeout)
		}
	}

	for _, w := range s.workers {
		for _, h := range w.hosts {
			if err := h.Stop(); err != nil {
				logger.Warn("Scheduler", "worker %d: %v", w.index, err)
			}
		}
	}
	logger.Info("Scheduler", "Capture loop stopped")
}

// Shutdown stops the loop and tears down every worker. Each worker's stages
// are shut down on that worker's goroutine. The wait per worker is bounded;
// a worker that does not exit in time is logged and abandoned.
func (s *Scheduler) Shutdown() error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.shutdown.Swap(true) {
		return nil
	}
	s.stopLoopLocked()

	var g errgroup.Group
	for _, w := range s.workers {
		w := w
		g.Go(func() error { return w.shutdown(s.stopTimeout) })
	}
	if err := g.Wait(); err != nil {
		logger.Warn("Scheduler", "Shutdown incomplete: %v", err)
		return err
	}
	logger.Info("Scheduler", "Shutdown complete")
	return nil
}

// Debug returns a JSON-compatible view of every worker and stage.
func (s *Scheduler) Debug() map[string]any {
	workers := make([]any, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w.Debug())
	}
	return map[string]any{
		"looping":          s.looping.Load(),
		"frames_delivered": s.metrics.FramesDelivered.Load(),
		"frames_released":  s.metrics.FramesReleased.Load(),
		"workers":          workers,
	}
}

// release finishes one stage on f and counts the release if it was the last.
func release(module string, f *frame.Buffer, m *metrics.Metrics) {
	released, err := f.Done()
	if err != nil {
		logger.Error(module, "frame %d: %v", f.Seq(), err)
		return
	}
	if released {
		m.FramesReleased.Add(1)
	}
}
