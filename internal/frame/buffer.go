package frame

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// PixelFormat identifies the raw layout of a captured frame.
type PixelFormat int

const (
	FormatGray PixelFormat = iota // 8-bit luma only
	FormatNV12                    // Y plane + interleaved UV
	FormatNV21                    // Y plane + interleaved VU (Android camera default)
)

func (f PixelFormat) String() string {
	switch f {
	case FormatGray:
		return "GRAY"
	case FormatNV12:
		return "NV12"
	case FormatNV21:
		return "NV21"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// Size returns the number of bytes a frame of the given dimensions occupies.
func (f PixelFormat) Size(width, height int) int {
	if f == FormatGray {
		return width * height
	}
	return width*height + 2*((width+1)/2)*((height+1)/2)
}

var (
	// ErrBufferLifecycle is the parent of every misuse of the start/finish protocol.
	ErrBufferLifecycle = errors.New("frame buffer lifecycle violation")
	// ErrUseAfterRelease is returned when raw data is accessed after the last stage finished.
	ErrUseAfterRelease = fmt.Errorf("%w: use after release", ErrBufferLifecycle)
	// ErrDoubleRelease is returned when FinishStage is called more often than StartStage.
	ErrDoubleRelease = fmt.Errorf("%w: double release", ErrBufferLifecycle)
)

var strict atomic.Bool

// SetStrict makes lifecycle violations panic instead of returning errors.
// Debug builds and tests enable it; a violation means the scheduler is broken.
func SetStrict(on bool) {
	strict.Store(on)
}

func violation(err error) error {
	if strict.Load() {
		panic(err)
	}
	return err
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithReleaseHook registers fn to receive the raw slice once the buffer is
// released, so capture sources can recycle it.
func WithReleaseHook(fn func([]byte)) Option {
	return func(b *Buffer) { b.onRelease = fn }
}

// WithSeq sets the capture sequence number.
func WithSeq(seq uint64) Option {
	return func(b *Buffer) { b.seq = seq }
}

// Buffer is one captured camera frame shared by every stage that processes it.
// Pixel data is immutable; the only mutable state is the outstanding stage
// count and the lazily decoded image.
type Buffer struct {
	width     int
	height    int
	format    PixelFormat
	timestamp time.Time
	seq       uint64

	outstanding atomic.Int32

	mu        sync.Mutex // Guards data, decoded and released
	data      []byte
	decoded   image.Image
	released  bool
	onRelease func([]byte)
}

// New wraps raw pixel data. The buffer takes ownership of data.
func New(data []byte, width, height int, format PixelFormat, ts time.Time, opts ...Option) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if need := format.Size(width, height); len(data) < need {
		return nil, fmt.Errorf("frame data too short for %dx%d %s: have %d, need %d", width, height, format, len(data), need)
	}

	b := &Buffer{
		width:     width,
		height:    height,
		format:    format,
		timestamp: ts,
		data:      data,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Width returns the frame width in pixels
func (b *Buffer) Width() int { return b.width }

// Height returns the frame height in pixels
func (b *Buffer) Height() int { return b.height }

// Size returns the frame dimensions
func (b *Buffer) Size() image.Point { return image.Point{X: b.width, Y: b.height} }

// Format returns the pixel format
func (b *Buffer) Format() PixelFormat { return b.format }

// Timestamp returns the capture time
func (b *Buffer) Timestamp() time.Time { return b.timestamp }

// Seq returns the capture sequence number
func (b *Buffer) Seq() uint64 { return b.seq }

// Outstanding returns the number of stages that started but did not finish.
func (b *Buffer) Outstanding() int { return int(b.outstanding.Load()) }

// Released reports whether the raw data has been released.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// StartStage registers one more stage that will process the frame.
func (b *Buffer) StartStage() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return violation(ErrUseAfterRelease)
	}
	b.outstanding.Add(1)
	return nil
}

// FinishStage marks one stage as done. The last one releases the raw data.
func (b *Buffer) FinishStage() error {
	_, err := b.Done()
	return err
}

// Done is FinishStage that also reports whether this call released the
// raw data. Exactly one successful call per buffer returns true.
func (b *Buffer) Done() (released bool, err error) {
	b.mu.Lock()
	if b.released || b.outstanding.Load() <= 0 {
		b.mu.Unlock()
		return false, violation(ErrDoubleRelease)
	}
	if b.outstanding.Add(-1) > 0 {
		b.mu.Unlock()
		return false, nil
	}

	data, hook := b.data, b.onRelease
	b.data = nil
	b.decoded = nil
	b.released = true
	b.mu.Unlock()

	if hook != nil {
		hook(data)
	}
	return true, nil
}

// Data returns the raw pixel bytes. Callers must not modify them.
func (b *Buffer) Data() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, violation(ErrUseAfterRelease)
	}
	return b.data, nil
}

// Luma returns the Y plane, which is the whole buffer for FormatGray.
func (b *Buffer) Luma() ([]byte, error) {
	data, err := b.Data()
	if err != nil {
		return nil, err
	}
	return data[:b.width*b.height], nil
}

// Image returns the decoded frame, materializing it on first use.
func (b *Buffer) Image() (image.Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, violation(ErrUseAfterRelease)
	}
	if b.decoded == nil {
		b.decoded = decode(b.data, b.width, b.height, b.format)
	}
	return b.decoded, nil
}
