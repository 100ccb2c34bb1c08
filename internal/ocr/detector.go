package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/otiai10/gosseract/v2"
	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/pkg/types"
)

// DetectorConfig configures the text line detector.
type DetectorConfig struct {
	Language string `yaml:"language"`
	// MaxWidth downscales wider frames before layout analysis. 0 disables.
	MaxWidth int `yaml:"max_width"`
	// MinConfidence drops lines Tesseract is less sure of, 0-100.
	MinConfidence float64 `yaml:"min_confidence"`
}

// Detector finds text lines in whole frames with Tesseract's sparse text
// layout analysis.
type Detector struct {
	cfg    DetectorConfig
	client *gosseract.Client
	enc    png.Encoder
	buf    bytes.Buffer
}

// NewDetector creates a Tesseract client in sparse text mode.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	client, err := newClient(cfg.Language, gosseract.PSM_SPARSE_TEXT)
	if err != nil {
		return nil, err
	}
	return &Detector{
		cfg:    cfg,
		client: client,
		enc:    png.Encoder{CompressionLevel: png.BestSpeed},
	}, nil
}

// Detect implements tracker.Detector.
func (d *Detector) Detect(f *frame.Buffer) (types.DetectionSet, error) {
	img, err := f.Image()
	if err != nil {
		return types.DetectionSet{}, err
	}
	img, scale := downscale(img, d.cfg.MaxWidth)

	b, err := encodePNG(&d.enc, &d.buf, img)
	if err != nil {
		return types.DetectionSet{}, err
	}
	if err := d.client.SetImageFromBytes(b); err != nil {
		return types.DetectionSet{}, fmt.Errorf("set image: %w", err)
	}
	boxes, err := d.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return types.DetectionSet{}, fmt.Errorf("text lines: %w", err)
	}
	return types.DetectionSet{Regions: lineDetections(boxes, scale, d.cfg.MinConfidence)}, nil
}

// Close releases the Tesseract client.
func (d *Detector) Close() error {
	return d.client.Close()
}

// downscale shrinks img to maxWidth, keeping the aspect ratio. It returns the
// factor that maps the result back to source coordinates.
func downscale(img image.Image, maxWidth int) (image.Image, float64) {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img, 1
	}
	scale := float64(b.Dx()) / float64(maxWidth)
	h := max(1, int(math.Round(float64(b.Dy())/scale)))
	dst := image.NewGray(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, scale
}

// lineDetections converts text line boxes to frame coordinates.
func lineDetections(boxes []gosseract.BoundingBox, scale, minConfidence float64) []types.Detection {
	out := make([]types.Detection, 0, len(boxes))
	for _, b := range boxes {
		if b.Confidence < minConfidence {
			continue
		}
		r := scaleRect(b.Box, scale)
		if !types.Valid(r) {
			continue
		}
		out = append(out, types.Detection{Rect: r, Quality: b.Confidence / 100})
	}
	return out
}

func scaleRect(r image.Rectangle, scale float64) image.Rectangle {
	if scale == 1 {
		return r
	}
	s := func(v int) int { return int(math.Round(float64(v) * scale)) }
	return image.Rect(s(r.Min.X), s(r.Min.Y), s(r.Max.X), s(r.Max.Y))
}
