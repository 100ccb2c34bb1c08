package ocr

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/otiai10/gosseract/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordConfidencesSkipsLayoutBoxes(t *testing.T) {
	boxes := []gosseract.BoundingBox{
		{Word: "EXIT", Confidence: 91.6},
		{Word: "", Confidence: 95},
		{Word: "12", Confidence: -1},
		{Word: "B", Confidence: 100.4},
	}
	assert.Equal(t, []int{92, 0, 100}, wordConfidences(boxes))
}

func TestLineDetectionsScalesAndFilters(t *testing.T) {
	boxes := []gosseract.BoundingBox{
		{Box: image.Rect(10, 10, 60, 30), Confidence: 80},
		{Box: image.Rect(5, 5, 9, 9), Confidence: 10},
		{Box: image.Rect(20, 20, 20, 40), Confidence: 90},
	}
	got := lineDetections(boxes, 2, 30)
	require.Len(t, got, 1)
	assert.Equal(t, image.Rect(20, 20, 120, 60), got[0].Rect)
	assert.InDelta(t, 0.8, got[0].Quality, 1e-9)
}

func TestDownscale(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 1280, 720))

	small, scale := downscale(img, 640)
	assert.Equal(t, image.Pt(640, 360), small.Bounds().Size())
	assert.InDelta(t, 2.0, scale, 1e-9)

	same, scale := downscale(img, 0)
	assert.Same(t, img, same.(*image.Gray))
	assert.Equal(t, 1.0, scale)
}

func TestEncodePNGReusesBuffer(t *testing.T) {
	var enc png.Encoder
	var buf bytes.Buffer
	img := image.NewGray(image.Rect(0, 0, 4, 3))
	img.Pix[5] = 200

	b, err := encodePNG(&enc, &buf, img)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
	assert.Equal(t, img.GrayAt(1, 1), decoded.(*image.Gray).GrayAt(1, 1))

	b2, err := encodePNG(&enc, &buf, img)
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}
