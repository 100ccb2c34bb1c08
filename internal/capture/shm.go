package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/scheduler"
)

// Pixel formats written by the camera daemon.
const (
	FormatJPEG = 0
	FormatNV12 = 1
	FormatRGB  = 2
	FormatH264 = 3
)

var (
	// ErrNoFrame means the ring buffer has not been written yet.
	ErrNoFrame = errors.New("no frame in shared memory")
	// ErrTimeout is returned by WaitNewFrame when no frame arrived in time.
	ErrTimeout = errors.New("timeout waiting for frame")
)

// FrameHeader describes one slot of the ring buffer.
type FrameHeader struct {
	Number    uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    int
	Size      int
	slot      uint32
}

// RingReader is the shared-memory ring buffer of the camera daemon.
type RingReader interface {
	// WaitNewFrame blocks until the writer posts a frame or timeout elapses.
	WaitNewFrame(timeout time.Duration) error
	// Latest returns the header of the most recently written slot.
	Latest() (FrameHeader, error)
	// CopyData copies the pixel data of the slot described by h into dst.
	CopyData(h FrameHeader, dst []byte) error
	Close() error
}

// SHMConfig configures an SHMSource.
type SHMConfig struct {
	Name        string        `yaml:"name"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// DefaultSHMConfig matches the camera daemon's default stream.
func DefaultSHMConfig() SHMConfig {
	return SHMConfig{
		Name:        "/pet_camera_stream",
		Width:       640,
		Height:      480,
		WaitTimeout: 500 * time.Millisecond,
	}
}

// SHMSource delivers NV12 frames from the camera daemon, one per request.
// Frame buffers are recycled once the pipeline releases them.
type SHMSource struct {
	reader  RingReader
	timeout time.Duration

	req       *request
	size      atomic.Pointer[image.Point]
	lastFrame uint64
	pool      sync.Pool

	delivered atomic.Uint64
	skipped   atomic.Uint64
	recycled  atomic.Uint64

	waitLog *logger.Throttle
}

// NewSHMSource wraps an open ring reader.
func NewSHMSource(reader RingReader, cfg SHMConfig) *SHMSource {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultSHMConfig().WaitTimeout
	}
	s := &SHMSource{
		reader:  reader,
		timeout: cfg.WaitTimeout,
		req:     newRequest(),
		waitLog: logger.Every("Capture", 10*time.Second),
	}
	size := image.Pt(cfg.Width, cfg.Height)
	s.size.Store(&size)
	return s
}

// RequestFrame implements scheduler.Source.
func (s *SHMSource) RequestFrame(r scheduler.Receiver) {
	s.req.set(r)
}

// FrameSize implements scheduler.Source. It follows the last frame read.
func (s *SHMSource) FrameSize() image.Point {
	return *s.size.Load()
}

// Run delivers frames until ctx is done. Deliveries happen on the calling
// goroutine, one at a time.
func (s *SHMSource) Run(ctx context.Context) error {
	logger.Info("Capture", "Shared memory source running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.req.wake:
		}
		for s.req.pending() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.deliverNext()
		}
	}
}

// deliverNext waits for one new NV12 frame and hands it to the receiver.
func (s *SHMSource) deliverNext() {
	if err := s.reader.WaitNewFrame(s.timeout); err != nil {
		if errors.Is(err, ErrTimeout) {
			s.waitLog.Warn("No frame from camera daemon within %v", s.timeout)
		} else {
			logger.Error("Capture", "Wait for frame: %v", err)
			time.Sleep(s.timeout)
		}
		return
	}

	h, err := s.reader.Latest()
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			logger.Error("Capture", "Read header: %v", err)
		}
		return
	}
	if h.Format != FormatNV12 || h.Number == s.lastFrame {
		s.skipped.Add(1)
		return
	}
	if want := frame.FormatNV12.Size(h.Width, h.Height); h.Size < want {
		logger.Error("Capture", "Frame %d: %d bytes for %dx%d NV12", h.Number, h.Size, h.Width, h.Height)
		s.skipped.Add(1)
		return
	}
	h.Size = frame.FormatNV12.Size(h.Width, h.Height)

	buf := s.buffer(h.Size)
	if err := s.reader.CopyData(h, buf); err != nil {
		logger.Error("Capture", "Copy frame %d: %v", h.Number, err)
		s.recycle(buf)
		return
	}
	s.lastFrame = h.Number

	f, err := frame.New(buf, h.Width, h.Height, frame.FormatNV12, h.Timestamp,
		frame.WithSeq(h.Number), frame.WithReleaseHook(s.recycle))
	if err != nil {
		logger.Error("Capture", "Frame %d: %v", h.Number, err)
		s.recycle(buf)
		return
	}
	if size := f.Size(); size != s.FrameSize() {
		s.size.Store(&size)
		logger.Info("Capture", "Frame size is now %dx%d", size.X, size.Y)
	}

	r := s.req.take()
	if r == nil {
		// Cancelled while reading.
		s.recycle(buf)
		return
	}
	s.delivered.Add(1)
	r.OnFrameDelivered(f)
}

func (s *SHMSource) buffer(n int) []byte {
	if b, ok := s.pool.Get().([]byte); ok && cap(b) >= n {
		return b[:n]
	}
	return make([]byte, n)
}

func (s *SHMSource) recycle(b []byte) {
	if b == nil {
		return
	}
	s.recycled.Add(1)
	s.pool.Put(b[:cap(b)]) //nolint:staticcheck // slices are pooled by value
}

// Close closes the ring reader.
func (s *SHMSource) Close() error {
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("close shared memory: %w", err)
	}
	return nil
}

// Debug returns delivery counters.
func (s *SHMSource) Debug() map[string]any {
	size := s.FrameSize()
	return map[string]any{
		"delivered": s.delivered.Load(),
		"skipped":   s.skipped.Load(),
		"recycled":  s.recycled.Load(),
		"width":     size.X,
		"height":    size.Y,
	}
}
