// Package tracker follows detected text regions across frames and decides
// when each one has been stable long enough to recognize.
//
// Every frame, tracked regions are moved by the motion since they were last
// seen, matched against the detector output, debounced on presence and
// absence, and new regions are created from unclaimed detections. Regions
// to recognize and regions that disappeared accumulate in two lists that
// the recognition side drains once per frame.
package tracker

import (
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/pkg/types"
)

const (
	MinPresence = 500 * time.Millisecond
	MaxAbsence  = 1500 * time.Millisecond
)

// Detector finds candidate text regions in a frame.
type Detector interface {
	Detect(f *frame.Buffer) (types.DetectionSet, error)
}

// MotionOracle reports how far the scene around center moved between two
// capture times: frames after since and no later than until.
type MotionOracle interface {
	AccumulatedDelta(since, until time.Time, center image.Point, radius int) (dx, dy float64)
}

// Config holds the tracker's debounce and matching parameters.
type Config struct {
	MinPresence time.Duration `yaml:"min_presence"`
	MaxAbsence  time.Duration `yaml:"max_absence"`
	// MinOverlap rejects matches whose overlap ratio is below it. 0 disables.
	MinOverlap float64 `yaml:"min_overlap"`
	// MinPatchHeight upscales smaller patches before recognition. 0 disables.
	MinPatchHeight int `yaml:"min_patch_height"`
}

// DefaultConfig returns the standard debounce timings with the overlap gate off.
func DefaultConfig() Config {
	return Config{
		MinPresence:    MinPresence,
		MaxAbsence:     MaxAbsence,
		MinPatchHeight: 32,
	}
}

// Snapshot is the tracker state published after each frame.
type Snapshot struct {
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Regions []View    `json:"regions"`
}

// Tracker is the object tracking stage.
type Tracker struct {
	cfg      Config
	detector Detector
	motion   MotionOracle
	metrics  *metrics.Metrics
	emptyLog *logger.Throttle

	mu        sync.Mutex
	regions   []*Region
	toEnqueue []*Region
	toDequeue []*Region
	frames    int

	snapshot atomic.Pointer[Snapshot]
}

// New creates a tracker. motion may be nil, in which case regions do not
// move between matches. The tracker owns detector: if it implements
// io.Closer it is closed by Shutdown.
func New(cfg Config, detector Detector, motion MotionOracle, m *metrics.Metrics) *Tracker {
	if m == nil {
		m = metrics.New(0)
	}
	t := &Tracker{
		cfg:      cfg,
		detector: detector,
		motion:   motion,
		metrics:  m,
		emptyLog: logger.Every("Tracker", 10*time.Second),
	}
	t.snapshot.Store(&Snapshot{})
	return t
}

func (t *Tracker) Name() string { return "tracker" }

// Init forgets every region; coordinates from another frame size are
// meaningless. Regions already submitted are queued for removal.
func (t *Tracker) Init(image.Point) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.regions {
		if r.Submitted() {
			t.toDequeue = append(t.toDequeue, r)
		}
	}
	t.regions = nil
	t.toEnqueue = nil
	t.metrics.TrackedRegions.Store(0)
	t.snapshot.Store(&Snapshot{})
	return nil
}

func (t *Tracker) Start() {}

func (t *Tracker) Stop() {}

// Shutdown closes the detector. It runs on the worker goroutine, so no
// Detect call can be in progress.
func (t *Tracker) Shutdown() {
	if c, ok := t.detector.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("Tracker", "close detector: %v", err)
		}
	}
}

// Process runs one tracking step on f. The frame timestamp is the clock for
// every debounce decision.
func (t *Tracker) Process(f *frame.Buffer) error {
	set, err := t.detector.Detect(f)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	now := f.Timestamp()

	candidates := make([]types.Detection, 0, len(set.Regions))
	for _, d := range set.Regions {
		if types.Valid(d.Rect) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		t.emptyLog.Debug("No text candidates in frame %d", f.Seq())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames++

	t.update(now)

	rects := make([]image.Rectangle, len(t.regions))
	for i, r := range t.regions {
		rects[i] = r.Rect()
	}
	candRects := make([]image.Rectangle, len(candidates))
	for i, c := range candidates {
		candRects[i] = c.Rect
	}
	matches := Match(rects, candRects, t.cfg.MinOverlap)

	claimed := make([]bool, len(candidates))
	kept := t.regions[:0]
	for i, r := range t.regions {
		if j := matches[i]; j >= 0 {
			claimed[j] = true
			t.onMatch(r, candidates[j], set.Skew, now, f)
			kept = append(kept, r)
			continue
		}
		if t.onMiss(r, now) {
			kept = append(kept, r)
		}
	}
	// Clear the tail so removed regions can be collected.
	for i := len(kept); i < len(t.regions); i++ {
		t.regions[i] = nil
	}
	t.regions = kept

	for j, c := range candidates {
		if claimed[j] {
			continue
		}
		r := newRegion(c.Rect, c.Quality, set.Skew, now)
		r.patch = capturePatch(f, c.Rect, t.cfg.MinPatchHeight)
		t.regions = append(t.regions, r)
	}

	t.metrics.TrackedRegions.Store(uint64(len(t.regions)))
	t.publish(f.Seq(), now)
	return nil
}

// update moves every region by the motion between its last match and the
// frame captured at now.
func (t *Tracker) update(now time.Time) {
	if t.motion == nil {
		return
	}
	for _, r := range t.regions {
		r.mu.Lock()
		seen, since := r.seenRect, r.lastSeenAt
		r.mu.Unlock()

		radius := (seen.Dx() + seen.Dy()) / 4
		dx, dy := t.motion.AccumulatedDelta(since, now, types.Center(seen), radius)
		moved := seen.Add(image.Pt(int(math.Round(dx)), int(math.Round(dy))))

		r.mu.Lock()
		r.rect = moved
		r.mu.Unlock()
	}
}

func (t *Tracker) onMatch(r *Region, c types.Detection, skew float64, now time.Time, f *frame.Buffer) {
	r.mu.Lock()
	r.missing, r.missingSince = false, time.Time{}
	r.rect, r.seenRect = c.Rect, c.Rect
	r.angle = skew
	r.lastSeenAt = now
	improved := c.Quality > r.quality
	if improved {
		r.quality = c.Quality
	}
	submit := !r.submitted && now.Sub(r.firstPresentAt) >= t.cfg.MinPresence
	if submit {
		r.submitted = true
	}
	r.mu.Unlock()

	if improved {
		if patch := capturePatch(f, c.Rect, t.cfg.MinPatchHeight); patch != nil {
			r.mu.Lock()
			r.patch = patch
			r.mu.Unlock()
		}
	}
	if submit {
		t.toEnqueue = append(t.toEnqueue, r)
		t.metrics.RegionsEnqueued.Add(1)
	}
}

// onMiss reports whether the region stays tracked.
func (t *Tracker) onMiss(r *Region, now time.Time) bool {
	r.mu.Lock()
	if !r.missing {
		r.missing, r.missingSince = true, now
		r.mu.Unlock()
		return true
	}
	expired := now.Sub(r.missingSince) >= t.cfg.MaxAbsence
	r.mu.Unlock()

	if !expired {
		return true
	}
	t.toDequeue = append(t.toDequeue, r)
	t.metrics.RegionsExpired.Add(1)
	return false
}

// Drain returns the regions to recognize and the regions that disappeared
// since the last call, and clears both lists.
func (t *Tracker) Drain() (enqueue, dequeue []*Region) {
	t.mu.Lock()
	defer t.mu.Unlock()
	enqueue, dequeue = t.toEnqueue, t.toDequeue
	t.toEnqueue, t.toDequeue = nil, nil
	return enqueue, dequeue
}

// Regions returns the tracked regions in insertion order.
func (t *Tracker) Regions() []*Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Region(nil), t.regions...)
}

// Snapshot returns the state published after the last processed frame.
// The returned value is shared and must not be modified.
func (t *Tracker) Snapshot() *Snapshot {
	return t.snapshot.Load()
}

func (t *Tracker) publish(seq uint64, at time.Time) {
	views := make([]View, len(t.regions))
	for i, r := range t.regions {
		views[i] = r.view()
	}
	t.snapshot.Store(&Snapshot{Seq: seq, At: at, Regions: views})
}

// Debug reads the published snapshot, never the live working set.
func (t *Tracker) Debug() map[string]any {
	s := t.snapshot.Load()
	regions := make([]any, 0, len(s.Regions))
	for _, v := range s.Regions {
		regions = append(regions, map[string]any{
			"id":        v.ID,
			"rect":      []any{v.Rect.Min.X, v.Rect.Min.Y, v.Rect.Dx(), v.Rect.Dy()},
			"quality":   v.Quality,
			"text":      v.Text,
			"submitted": v.Submitted,
			"missing":   v.Missing,
		})
	}
	return map[string]any{
		"seq":     s.Seq,
		"regions": regions,
	}
}

// capturePatch copies rect out of the decoded frame as grayscale, scaling
// it up to minHeight rows when it is shorter.
func capturePatch(f *frame.Buffer, rect image.Rectangle, minHeight int) image.Image {
	img, err := f.Image()
	if err != nil {
		logger.Warn("Tracker", "frame %d: %v", f.Seq(), err)
		return nil
	}
	r := rect.Intersect(img.Bounds())
	if r.Empty() {
		return nil
	}
	if minHeight <= 0 || r.Dy() >= minHeight {
		dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
		draw.Copy(dst, image.Point{}, img, r, draw.Src, nil)
		return dst
	}
	scale := float64(minHeight) / float64(r.Dy())
	dst := image.NewGray(image.Rect(0, 0, int(math.Round(float64(r.Dx())*scale)), minHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, r, draw.Src, nil)
	return dst
}
