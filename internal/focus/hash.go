package focus

import (
	"image"
	"math/bits"

	"golang.org/x/image/draw"
)

// Signature is a 16x16 average hash of a luma plane, one bit per cell.
type Signature [4]uint64

const (
	hashSide = 16
	hashBits = hashSide * hashSide
)

// AverageHash downscales a luma plane to 16x16 and sets one bit per cell
// brighter than the mean.
func AverageHash(luma []byte, width, height int) Signature {
	var sig Signature
	if width <= 0 || height <= 0 || len(luma) < width*height {
		return sig
	}
	src := &image.Gray{Pix: luma, Stride: width, Rect: image.Rect(0, 0, width, height)}
	dst := image.NewGray(image.Rect(0, 0, hashSide, hashSide))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	total := 0
	for _, p := range dst.Pix {
		total += int(p)
	}
	mean := total / hashBits
	for i, p := range dst.Pix {
		if int(p) > mean {
			sig[i/64] |= 1 << uint(i%64)
		}
	}
	return sig
}

// HashDiff returns the Hamming distance between two signatures in percent.
func HashDiff(a, b Signature) float64 {
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return float64(d) * 100 / hashBits
}
