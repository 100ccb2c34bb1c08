package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Frame scheduling counters
	FramesDelivered atomic.Uint64
	FramesReleased  atomic.Uint64
	LoopRestarts    atomic.Uint64

	// Stage counters
	StagePanics atomic.Uint64
	StageErrors atomic.Uint64

	// Tracker state
	TrackedRegions  atomic.Uint64
	RegionsEnqueued atomic.Uint64
	RegionsExpired  atomic.Uint64

	// Recognition
	RecognitionJobs     atomic.Uint64
	RecognitionFailures atomic.Uint64
	QueueDepth          atomic.Uint64

	// Focus
	FocusRequests atomic.Uint64
	FocusFailures atomic.Uint64

	// Latency tracking
	FrameLatencyMs       atomic.Uint64 // Capture-to-delivery latency of the last frame
	RecognitionLatencyMs atomic.Uint64 // Duration of the last recognition job

	workers  []*WorkerCounters
	registry *prometheus.Registry
}

// WorkerCounters tracks dispatch outcomes for one stage worker.
type WorkerCounters struct {
	Processed atomic.Uint64
	Skipped   atomic.Uint64
	LastRunMs atomic.Uint64
}

// New creates a new Metrics instance with Prometheus collectors for
// numWorkers stage workers.
func New(numWorkers int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	for i := 0; i < numWorkers; i++ {
		m.workers = append(m.workers, &WorkerCounters{})
	}

	m.registerPrometheusMetrics()

	return m
}

// Worker returns the counters for worker i. Out of range indexes get a
// detached counter set so callers never need a nil check.
func (m *Metrics) Worker(i int) *WorkerCounters {
	if m == nil || i < 0 || i >= len(m.workers) {
		return &WorkerCounters{}
	}
	return m.workers[i]
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("scanner_frames_delivered_total", "Total frames delivered by the capture source", &m.FramesDelivered)
	m.gauge("scanner_frames_released_total", "Total frame buffers released after their last stage", &m.FramesReleased)
	m.gauge("scanner_loop_restarts_total", "Total capture loop starts", &m.LoopRestarts)

	m.gauge("scanner_stage_panics_total", "Total stage panics recovered at the worker boundary", &m.StagePanics)
	m.gauge("scanner_stage_errors_total", "Total stage processing errors", &m.StageErrors)

	m.gauge("scanner_tracked_regions", "Regions currently tracked", &m.TrackedRegions)
	m.gauge("scanner_regions_enqueued_total", "Total regions submitted for recognition", &m.RegionsEnqueued)
	m.gauge("scanner_regions_expired_total", "Total regions dropped after prolonged absence", &m.RegionsExpired)

	m.gauge("scanner_recognition_jobs_total", "Total recognition jobs completed", &m.RecognitionJobs)
	m.gauge("scanner_recognition_failures_total", "Total recognition jobs without a result", &m.RecognitionFailures)
	m.gauge("scanner_recognition_queue_depth", "Regions waiting for recognition", &m.QueueDepth)

	m.gauge("scanner_focus_requests_total", "Total autofocus requests issued", &m.FocusRequests)
	m.gauge("scanner_focus_failures_total", "Total autofocus requests reported as failed", &m.FocusFailures)

	m.gauge("scanner_frame_latency_ms", "Capture-to-delivery latency of the last frame in milliseconds", &m.FrameLatencyMs)
	m.gauge("scanner_recognition_latency_ms", "Duration of the last recognition job in milliseconds", &m.RecognitionLatencyMs)

	processed := prometheus.NewDesc("scanner_worker_frames_processed_total", "Frames processed per stage worker", []string{"worker"}, nil)
	skipped := prometheus.NewDesc("scanner_worker_frames_skipped_total", "Frames skipped because the worker was busy or pacing", []string{"worker"}, nil)
	m.registry.MustRegister(&workerCollector{m: m, processed: processed, skipped: skipped})
}

// workerCollector exposes per-worker counters with a worker label.
type workerCollector struct {
	m         *Metrics
	processed *prometheus.Desc
	skipped   *prometheus.Desc
}

func (c *workerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.processed
	ch <- c.skipped
}

func (c *workerCollector) Collect(ch chan<- prometheus.Metric) {
	for i, w := range c.m.workers {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(w.Processed.Load()), label)
		ch <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, float64(w.Skipped.Load()), label)
	}
}

// UpdateFrameLatency records capture-to-delivery latency
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	if m == nil || captureTime.IsZero() {
		return
	}
	m.FrameLatencyMs.Store(uint64(time.Since(captureTime).Milliseconds()))
}

// UpdateRecognitionLatency records the duration of the last recognition job
func (m *Metrics) UpdateRecognitionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.RecognitionLatencyMs.Store(uint64(d.Milliseconds()))
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
