package types

import (
	"image"
	"time"
)

// Detection is one candidate text region reported by a detector for a frame.
type Detection struct {
	Rect    image.Rectangle // Frame coordinates
	Quality float64         // Detector confidence, higher is better
}

// DetectionSet is the detector output for a single frame.
type DetectionSet struct {
	Regions []Detection
	Skew    float64 // Page skew angle in degrees, shared by all regions
}

// Valid reports whether the rectangle has positive width and height.
// Aspect and overlap math is undefined otherwise.
func Valid(r image.Rectangle) bool {
	return r.Dx() > 0 && r.Dy() > 0
}

// Aspect returns width/height. The caller guarantees Valid(r).
func Aspect(r image.Rectangle) float64 {
	return float64(r.Dx()) / float64(r.Dy())
}

// Area returns the rectangle area, zero for empty rectangles.
func Area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

// Center returns the integer center point of r.
func Center(r image.Rectangle) image.Point {
	return image.Point{X: (r.Min.X + r.Max.X) / 2, Y: (r.Min.Y + r.Max.Y) / 2}
}

// Result is the outcome of one recognition job.
type Result struct {
	Text        string        `json:"text"`
	Confidences []int         `json:"confidences"` // Per-word confidence, 0-100
	Duration    time.Duration `json:"duration_ns"`
	Err         error         `json:"-"`
}

// OK reports whether the job produced usable text.
func (r Result) OK() bool {
	return r.Err == nil && r.Text != ""
}
