// Package vision holds the OpenCV-backed image analysis of the pipeline:
// sparse optical flow for the motion stage and the Laplacian blur measure
// for the focus controller. It is the only package that links gocv.
package vision

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/motion"
)

// LKFlow tracks Shi-Tomasi corners between consecutive frames with
// pyramidal Lucas-Kanade optical flow. It is not safe for concurrent use;
// the motion stage calls it from a single worker.
type LKFlow struct {
	maxFeatures int
	quality     float64
	minDistance float64

	prev    gocv.Mat
	hasPrev bool
}

// NewLKFlow creates a flow tracker with the feature settings of cfg.
func NewLKFlow(cfg motion.Config) *LKFlow {
	def := motion.DefaultConfig()
	if cfg.MaxFeatures <= 0 {
		cfg.MaxFeatures = def.MaxFeatures
	}
	if cfg.FeatureQuality <= 0 {
		cfg.FeatureQuality = def.FeatureQuality
	}
	if cfg.FeatureDistance <= 0 {
		cfg.FeatureDistance = def.FeatureDistance
	}
	return &LKFlow{
		maxFeatures: cfg.MaxFeatures,
		quality:     cfg.FeatureQuality,
		minDistance: cfg.FeatureDistance,
	}
}

// Track implements motion.FlowTracker. Corners are picked on the previous
// frame and followed into this one.
func (f *LKFlow) Track(luma []byte, width, height int) ([]motion.Displacement, error) {
	cur, err := grayMat(luma, width, height)
	if err != nil {
		return nil, err
	}
	if !f.hasPrev || f.prev.Cols() != width || f.prev.Rows() != height {
		f.keep(cur)
		return nil, nil
	}
	defer f.keep(cur)

	corners := gocv.NewMat()
	defer corners.Close()
	gocv.GoodFeaturesToTrack(f.prev, &corners, f.maxFeatures, f.quality, f.minDistance)
	if corners.Empty() {
		return nil, nil
	}

	next := gocv.NewMat()
	defer next.Close()
	status := gocv.NewMat()
	defer status.Close()
	errs := gocv.NewMat()
	defer errs.Close()
	gocv.CalcOpticalFlowPyrLK(f.prev, cur, corners, next, &status, &errs)

	out := make([]motion.Displacement, 0, status.Rows())
	for i := 0; i < status.Rows(); i++ {
		if status.GetUCharAt(i, 0) != 1 {
			continue
		}
		p := corners.GetVecfAt(i, 0)
		q := next.GetVecfAt(i, 0)
		out = append(out, motion.Displacement{
			X:  float64(p[0]),
			Y:  float64(p[1]),
			DX: float64(q[0] - p[0]),
			DY: float64(q[1] - p[1]),
		})
	}
	return out, nil
}

// Reset drops the reference frame.
func (f *LKFlow) Reset() {
	if f.hasPrev {
		f.prev.Close()
		f.hasPrev = false
	}
}

// Close releases the reference frame.
func (f *LKFlow) Close() error {
	f.Reset()
	return nil
}

func (f *LKFlow) keep(cur gocv.Mat) {
	f.Reset()
	f.prev, f.hasPrev = cur, true
}

// grayMat copies a luma plane into a single channel Mat owned by OpenCV.
func grayMat(luma []byte, width, height int) (gocv.Mat, error) {
	if width <= 0 || height <= 0 || len(luma) < width*height {
		return gocv.Mat{}, fmt.Errorf("vision: luma plane too small for %dx%d", width, height)
	}
	view, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC1, luma[:width*height])
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("vision: %w", err)
	}
	defer view.Close()
	return view.Clone(), nil
}
