package tracker

import (
	"image"
	"math"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/pkg/types"
)

// MaxAspectError is the largest relative aspect ratio difference between a
// region and a candidate that can still match.
const MaxAspectError = 0.10

// Similarity scores candidate c against region rectangle r as
//
//	overlap/(aspectError+1) + (1-aspectError)
//
// where overlap is the intersection area over the larger area. ok is false
// when the aspect error exceeds MaxAspectError or the overlap is below
// minOverlap (0 disables that gate). Both rectangles must be Valid.
func Similarity(r, c image.Rectangle, minOverlap float64) (score float64, ok bool) {
	ar, ac := types.Aspect(r), types.Aspect(c)
	aspectErr := math.Abs(ar-ac) / math.Max(ar, ac)
	if aspectErr > MaxAspectError {
		return 0, false
	}
	larger := max(types.Area(r), types.Area(c))
	overlap := float64(types.Area(r.Intersect(c))) / float64(larger)
	if minOverlap > 0 && overlap < minOverlap {
		return 0, false
	}
	return overlap/(aspectErr+1) + (1 - aspectErr), true
}

// Match assigns candidates to regions. Regions are visited in order and
// each takes the best-scoring unclaimed candidate; ties keep the first one
// found. The result holds the candidate index per region, or -1.
func Match(regions, candidates []image.Rectangle, minOverlap float64) []int {
	claimed := make([]bool, len(candidates))
	out := make([]int, len(regions))
	for i, r := range regions {
		best, bestScore := -1, math.Inf(-1)
		if types.Valid(r) {
			for j, c := range candidates {
				if claimed[j] || !types.Valid(c) {
					continue
				}
				score, ok := Similarity(r, c, minOverlap)
				if ok && score > bestScore {
					best, bestScore = j, score
				}
			}
		}
		if best >= 0 {
			claimed[best] = true
		}
		out[i] = best
	}
	return out
}
