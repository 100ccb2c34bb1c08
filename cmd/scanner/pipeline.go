package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/debugserver"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/focus"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/motion"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/recognition"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/scheduler"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/stage"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/tracker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/vision"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/pkg/types"
)

// frameSource is a scheduler source driven by its own loop.
type frameSource interface {
	scheduler.Source
	Run(ctx context.Context) error
}

// debugger is implemented by sources that expose counters.
type debugger interface {
	Debug() map[string]any
}

// Pipeline wires capture, the three stage workers and the recognition queue.
//
//	worker 0 (inline): motion
//	worker 1:          focus
//	worker 2:          tracker, recognition drain
type Pipeline struct {
	cfg     config.Config
	metrics *metrics.Metrics
	source  frameSource

	motion  *motion.Estimator
	focus   *focus.Controller
	tracker *tracker.Tracker
	queue   *recognition.Queue
	sched   *scheduler.Scheduler

	results *debugserver.ResultBroadcaster
	debug   *debugserver.Server
}

// NewPipeline builds the pipeline. Nothing runs until Run. The pipeline
// owns det and rec once it is built.
func NewPipeline(cfg config.Config, src frameSource, det tracker.Detector, rec recognition.Recognizer, focuser focus.Focuser) (*Pipeline, error) {
	m := metrics.New(3)
	p := &Pipeline{
		cfg:     cfg,
		metrics: m,
		source:  src,
		results: debugserver.NewResultBroadcaster(cfg.Debug.History),
	}

	p.motion = motion.New(cfg.Motion, vision.NewLKFlow(cfg.Motion))
	p.focus = focus.New(cfg.Focus, vision.NewLaplacianClassifier(), focuser, p.motion, m)
	p.tracker = tracker.New(cfg.Tracker, det, p.motion, m)
	p.queue = recognition.NewQueue(rec, p.onResult, m)

	sched, err := scheduler.New(src, []scheduler.WorkerConfig{
		{Stages: []stage.Stage{p.motion}},
		{Stages: []stage.Stage{p.focus}, MinDelay: cfg.Pipeline.FocusInterval},
		{Stages: []stage.Stage{p.tracker, recognition.NewDrainStage(p.tracker, p.queue)}, MinDelay: cfg.Pipeline.TrackerInterval},
	}, scheduler.WithMetrics(m), scheduler.WithStopTimeout(cfg.Pipeline.StopTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	p.sched = sched

	if cfg.Debug.Addr != "" {
		p.debug = debugserver.NewServer(cfg.Debug, p.Status, m.Handler(), p.results)
	}
	return p, nil
}

// Results returns the broadcaster every recognition result is published to.
func (p *Pipeline) Results() *debugserver.ResultBroadcaster {
	return p.results
}

func (p *Pipeline) onResult(r *tracker.Region, res types.Result) {
	if res.OK() {
		logger.Info("Scanner", "Region %s: %q (%v)", r.ID(), res.Text, res.Duration)
	} else {
		logger.Debug("Scanner", "Region %s: %v", r.ID(), res.Err)
	}
	p.results.Publish(debugserver.NewResultEvent(r, res, time.Now()))
}

// Status returns the pipeline state served at /api/status.
func (p *Pipeline) Status() map[string]any {
	status := map[string]any{
		"scheduler": p.sched.Debug(),
		"queue": map[string]any{
			"length":    p.queue.Len(),
			"in_flight": p.queue.InFlight() != nil,
		},
		"results_dropped": p.results.Dropped(),
	}
	if d, ok := p.source.(debugger); ok {
		status["source"] = d.Debug()
	}
	return status
}

// Run starts every component and blocks until ctx is done, then tears the
// pipeline down in reverse order.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.source.Run(gctx) })
	if p.debug != nil {
		g.Go(func() error { return p.debug.Run(gctx) })
	}

	if err := p.start(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	logger.Info("Scanner", "Pipeline running")

	<-gctx.Done()
	p.stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pipeline) start() error {
	if err := p.queue.Start(); err != nil {
		return err
	}
	if err := p.sched.StartLoop(); err != nil {
		p.stop()
		return err
	}
	return nil
}

func (p *Pipeline) stop() {
	logger.Info("Scanner", "Stopping pipeline...")
	if err := p.sched.Shutdown(); err != nil {
		logger.Warn("Scanner", "Scheduler shutdown: %v", err)
	}
	p.queue.Close()
	logger.Info("Scanner", "Pipeline stopped (%d frames, %d recognition jobs)",
		p.metrics.FramesDelivered.Load(), p.metrics.RecognitionJobs.Load())
}
