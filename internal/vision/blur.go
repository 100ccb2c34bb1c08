package vision

import (
	"gocv.io/x/gocv"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/focus"
)

// DefaultBlurThreshold is the Laplacian variance below which a frame counts
// as blurred. Tuned for 640x480 NV12 from the RDK X5 camera.
const DefaultBlurThreshold = 60.0

// LaplacianClassifier is the default focus.BlurClassifier: blur is a low
// variance of the Laplacian, scene identity is an average hash.
type LaplacianClassifier struct {
	Threshold float64
}

// NewLaplacianClassifier returns a classifier with the default threshold.
func NewLaplacianClassifier() *LaplacianClassifier {
	return &LaplacianClassifier{Threshold: DefaultBlurThreshold}
}

func (c *LaplacianClassifier) IsBlurred(luma []byte, width, height int) bool {
	return LaplacianVariance(luma, width, height) < c.Threshold
}

func (c *LaplacianClassifier) Signature(luma []byte, width, height int) focus.Signature {
	return focus.AverageHash(luma, width, height)
}

func (c *LaplacianClassifier) Diff(a, b focus.Signature) float64 {
	return focus.HashDiff(a, b)
}

// LaplacianVariance returns the variance of the 3x3 Laplacian of a luma
// plane. Planes smaller than 3x3 return 0.
func LaplacianVariance(luma []byte, width, height int) float64 {
	if width < 3 || height < 3 {
		return 0
	}
	src, err := grayMat(luma, width, height)
	if err != nil {
		return 0
	}
	defer src.Close()

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(src, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)

	sd := stddev.GetDoubleAt(0, 0)
	return sd * sd
}
