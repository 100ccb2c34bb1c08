package tracker

import (
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Region is a text area followed across frames. The tracker is its only
// writer apart from SetText, which the recognition queue calls; every
// accessor is safe for concurrent use.
type Region struct {
	id uuid.UUID

	mu sync.Mutex
	// rect is the current estimate; seenRect is where the region was when
	// last matched, and rect is seenRect moved by the motion since then.
	rect     image.Rectangle
	seenRect image.Rectangle
	angle    float64
	quality  float64
	patch    image.Image
	text     string
	hasText  bool

	firstPresentAt time.Time
	submitted      bool
	lastSeenAt     time.Time
	missing        bool
	missingSince   time.Time
}

func newRegion(rect image.Rectangle, quality, angle float64, now time.Time) *Region {
	return &Region{
		id:             uuid.New(),
		rect:           rect,
		seenRect:       rect,
		angle:          angle,
		quality:        quality,
		firstPresentAt: now,
		lastSeenAt:     now,
	}
}

// NewRegion creates a region that no tracker owns, for recognizing a still
// image. It counts as already submitted.
func NewRegion(rect image.Rectangle, patch image.Image, now time.Time) *Region {
	r := newRegion(rect, 1, 0, now)
	r.patch = patch
	r.submitted = true
	return r
}

// ID returns the region's stable handle.
func (r *Region) ID() uuid.UUID { return r.id }

func (r *Region) Rect() image.Rectangle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rect
}

func (r *Region) Angle() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.angle
}

func (r *Region) Quality() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quality
}

// Patch returns the best snapshot of the region captured so far.
func (r *Region) Patch() image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.patch
}

// Text returns the recognized text, if any.
func (r *Region) Text() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text, r.hasText
}

// SetText stores the recognition result.
func (r *Region) SetText(text string) {
	r.mu.Lock()
	r.text, r.hasText = text, true
	r.mu.Unlock()
}

// Submitted reports whether the region was handed to recognition.
func (r *Region) Submitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitted
}

// Missing reports whether the region went unmatched on the last frame.
func (r *Region) Missing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missing
}

func (r *Region) LastSeenAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeenAt
}

// View is an immutable copy of a region's state.
type View struct {
	ID        string          `json:"id"`
	Rect      image.Rectangle `json:"rect"`
	Angle     float64         `json:"angle"`
	Quality   float64         `json:"quality"`
	Text      string          `json:"text,omitempty"`
	Submitted bool            `json:"submitted"`
	Missing   bool            `json:"missing"`
}

func (r *Region) view() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return View{
		ID:        r.id.String(),
		Rect:      r.rect,
		Angle:     r.angle,
		Quality:   r.quality,
		Text:      r.text,
		Submitted: r.submitted,
		Missing:   r.missing,
	}
}
