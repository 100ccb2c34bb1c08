// Package recognition serializes text recognition of tracked regions. The
// recognizer engine is single threaded, so one executor goroutine runs one
// job at a time, in submission order.
package recognition

import (
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/tracker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/pkg/types"
)

var (
	// ErrNoResult marks a job that produced no text. Engine errors wrap it too.
	ErrNoResult = errors.New("no recognition result")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("recognition queue closed")
)

// Recognizer is a single-threaded OCR engine.
type Recognizer interface {
	SetImage(img image.Image) error
	Text() (string, error)
	WordConfidences() ([]int, error)
}

// Listener receives every completed job, on the executor goroutine.
type Listener func(r *tracker.Region, res types.Result)

// Queue is a FIFO of regions awaiting recognition.
type Queue struct {
	engine   Recognizer
	listener Listener
	metrics  *metrics.Metrics

	mu       sync.Mutex
	pending  []*tracker.Region
	inFlight *tracker.Region
	discard  bool
	started  bool
	closed   bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewQueue creates a stopped queue. Regions can be enqueued before Start.
// The queue owns engine: if it implements io.Closer it is closed once the
// executor has exited.
func NewQueue(engine Recognizer, listener Listener, m *metrics.Metrics) *Queue {
	if m == nil {
		m = metrics.New(0)
	}
	return &Queue{
		engine:   engine,
		listener: listener,
		metrics:  m,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the executor once the engine is initialized.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	q.started = true
	go q.run()
	q.signal()
	return nil
}

// Enqueue appends r. The job starts right away when the executor is idle.
func (q *Queue) Enqueue(r *tracker.Region) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		logger.Debug("Recognition", "Queue closed, ignoring region %s", r.ID())
		return
	}
	q.pending = append(q.pending, r)
	q.metrics.QueueDepth.Store(uint64(q.lenLocked()))
	q.signal()
}

// Dequeue removes r if it has not started. A job already running for r is
// not interrupted; its result is dropped instead.
func (q *Queue) Dequeue(r *tracker.Region) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == r {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.metrics.QueueDepth.Store(uint64(q.lenLocked()))
			return
		}
	}
	if q.inFlight == r {
		q.discard = true
	}
}

// Len returns the number of regions waiting or running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	n := len(q.pending)
	if q.inFlight != nil {
		n++
	}
	return n
}

// InFlight returns the region being recognized, or nil.
func (q *Queue) InFlight() *tracker.Region {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Close stops the executor after the running job, if any, drops the
// pending regions and closes the engine.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	if !started {
		q.closeEngine()
		return
	}
	close(q.quit)
	<-q.done
	if dropped > 0 {
		logger.Info("Recognition", "Closed with %d regions pending", dropped)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) closeEngine() {
	if c, ok := q.engine.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("Recognition", "close engine: %v", err)
		}
	}
}

func (q *Queue) run() {
	defer close(q.done)
	defer q.closeEngine()
	for {
		select {
		case <-q.quit:
			return
		case <-q.wake:
		}
		for q.step() {
		}
	}
}

// step runs the head job and reports whether there may be more.
func (q *Queue) step() bool {
	q.mu.Lock()
	if q.closed || len(q.pending) == 0 {
		q.mu.Unlock()
		return false
	}
	r := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inFlight, q.discard = r, false
	q.mu.Unlock()

	res := q.recognize(r)

	q.mu.Lock()
	discarded := q.discard
	q.inFlight, q.discard = nil, false
	q.metrics.QueueDepth.Store(uint64(q.lenLocked()))
	q.mu.Unlock()

	q.metrics.RecognitionJobs.Add(1)
	q.metrics.UpdateRecognitionLatency(res.Duration)
	if !res.OK() {
		q.metrics.RecognitionFailures.Add(1)
	}
	if discarded {
		logger.Debug("Recognition", "Region %s left during recognition, result dropped", r.ID())
		return true
	}
	if res.Err == nil {
		r.SetText(res.Text)
	}
	if q.listener != nil {
		q.listener(r, res)
	}
	return true
}

func (q *Queue) recognize(r *tracker.Region) types.Result {
	start := time.Now()
	text, conf, err := q.read(r.Patch())
	return types.Result{Text: text, Confidences: conf, Duration: time.Since(start), Err: err}
}

func (q *Queue) read(patch image.Image) (string, []int, error) {
	if patch == nil {
		return "", nil, fmt.Errorf("%w: region has no patch", ErrNoResult)
	}
	if err := q.engine.SetImage(patch); err != nil {
		return "", nil, fmt.Errorf("%w: set image: %w", ErrNoResult, err)
	}
	text, err := q.engine.Text()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrNoResult, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, ErrNoResult
	}
	conf, err := q.engine.WordConfidences()
	if err != nil {
		logger.Debug("Recognition", "Word confidences unavailable: %v", err)
	}
	return text, conf, nil
}
