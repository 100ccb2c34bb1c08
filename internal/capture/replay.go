package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync/atomic"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/scheduler"
)

// ReplaySource loops over still images as if they came from a camera, for
// running the pipeline on boards without the camera daemon.
type ReplaySource struct {
	frames   []*image.Gray
	interval time.Duration
	req      *request

	seq  atomic.Uint64
	next int
}

// NewReplaySource loads the images at paths (PNG, JPEG, BMP, TIFF or WebP)
// and replays them at fps. All images are scaled to the size of the first.
func NewReplaySource(paths []string, fps float64) (*ReplaySource, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("replay: no images")
	}
	if fps <= 0 {
		fps = 30
	}

	var frames []*image.Gray
	for _, p := range paths {
		img, err := LoadImage(p)
		if err != nil {
			return nil, err
		}
		bounds := img.Bounds()
		if len(frames) > 0 {
			bounds = frames[0].Bounds()
		}
		frames = append(frames, toGray(img, bounds.Size()))
	}

	logger.Info("Capture", "Replaying %d images at %.1f fps", len(frames), fps)
	return &ReplaySource{
		frames:   frames,
		interval: time.Duration(float64(time.Second) / fps),
		req:      newRequest(),
	}, nil
}

// LoadImage decodes a PNG, JPEG, BMP, TIFF or WebP file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("replay: decode %s: %w", path, err)
	}
	return img, nil
}

// toGray converts img to an 8-bit luma plane of the given size.
func toGray(img image.Image, size image.Point) *image.Gray {
	dst := image.NewGray(image.Rectangle{Max: size})
	if img.Bounds().Size() == size {
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// RequestFrame implements scheduler.Source.
func (s *ReplaySource) RequestFrame(r scheduler.Receiver) {
	s.req.set(r)
}

// FrameSize implements scheduler.Source.
func (s *ReplaySource) FrameSize() image.Point {
	return s.frames[0].Bounds().Size()
}

// Run delivers one image per request, no faster than the replay rate.
func (s *ReplaySource) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.req.wake:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		s.deliver()
	}
}

func (s *ReplaySource) deliver() {
	src := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)

	data := make([]byte, len(src.Pix))
	copy(data, src.Pix)
	size := src.Bounds().Size()
	f, err := frame.New(data, size.X, size.Y, frame.FormatGray, time.Now(), frame.WithSeq(s.seq.Add(1)))
	if err != nil {
		logger.Error("Capture", "Replay frame: %v", err)
		return
	}

	if r := s.req.take(); r != nil {
		r.OnFrameDelivered(f)
	}
}
