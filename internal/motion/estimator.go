// Package motion estimates camera motion from consecutive luma planes. It
// serves two consumers: the tracker, which asks how far the scene around a
// region moved between two frames, and the focus controller, which holds off
// while the device moves.
//
// Feature tracking itself is delegated to a FlowTracker; the estimator keeps
// a time-bounded history of per-frame displacements and answers queries
// against it.
package motion

import (
	"image"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
)

// Config tunes the estimator and its feature tracker.
type Config struct {
	// MaxShift drops feature displacements longer than this, in pixels.
	MaxShift int `yaml:"max_shift"`
	// History bounds how far back AccumulatedDelta can look.
	History time.Duration `yaml:"history"`
	// MovingThreshold is the per-frame shift, in pixels, that counts as device motion.
	MovingThreshold float64 `yaml:"moving_threshold"`
	// MovingHold keeps Moving true for this long after the last motion.
	MovingHold time.Duration `yaml:"moving_hold"`

	// MaxFeatures caps the corners tracked per frame.
	MaxFeatures int `yaml:"max_features"`
	// FeatureQuality is the minimal corner quality relative to the best one.
	FeatureQuality float64 `yaml:"feature_quality"`
	// FeatureDistance is the minimal distance between two corners, in pixels.
	FeatureDistance float64 `yaml:"feature_distance"`
	// MinLocalFeatures is how many features must lie inside a query radius
	// before the local median replaces the global one.
	MinLocalFeatures int `yaml:"min_local_features"`
}

// DefaultConfig returns settings for 30 fps VGA capture.
func DefaultConfig() Config {
	return Config{
		MaxShift:         24,
		History:          3 * time.Second,
		MovingThreshold:  6,
		MovingHold:       250 * time.Millisecond,
		MaxFeatures:      200,
		FeatureQuality:   0.01,
		FeatureDistance:  8,
		MinLocalFeatures: 3,
	}
}

// Displacement is the movement of one feature between two consecutive
// frames. X and Y locate the feature in the earlier frame.
type Displacement struct {
	X, Y   float64
	DX, DY float64
}

// FlowTracker measures feature displacements between consecutive luma
// planes. It keeps the previous plane itself; the first call after Reset
// has no reference and returns nothing.
type FlowTracker interface {
	Track(luma []byte, width, height int) ([]Displacement, error)
	Reset()
	Close() error
}

type sample struct {
	at     time.Time
	dx, dy float64
	moves  []Displacement
}

// Estimator is the motion stage.
type Estimator struct {
	cfg  Config
	flow FlowTracker
	now  func() time.Time

	mu         sync.Mutex
	samples    []sample
	lastMotion time.Time
	frames     int
	tracked    int
}

// New creates an estimator on top of flow.
func New(cfg Config, flow FlowTracker) *Estimator {
	def := DefaultConfig()
	if cfg.MaxShift <= 0 {
		cfg.MaxShift = def.MaxShift
	}
	if cfg.MinLocalFeatures <= 0 {
		cfg.MinLocalFeatures = def.MinLocalFeatures
	}
	return &Estimator{cfg: cfg, flow: flow, now: time.Now}
}

// SetClock replaces time.Now. Tests only.
func (e *Estimator) SetClock(now func() time.Time) { e.now = now }

func (e *Estimator) Name() string { return "motion" }

// Init drops the history, since shifts across a size change are meaningless.
func (e *Estimator) Init(image.Point) error {
	e.flow.Reset()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = e.samples[:0]
	e.lastMotion = time.Time{}
	return nil
}

func (e *Estimator) Start() {}

// Stop forgets the previous frame; the first frame after a restart has no reference.
func (e *Estimator) Stop() { e.flow.Reset() }

// Shutdown releases the feature tracker. It runs on the worker goroutine
// after the last Process.
func (e *Estimator) Shutdown() {
	if err := e.flow.Close(); err != nil {
		logger.Warn("Motion", "close flow tracker: %v", err)
	}
}

func (e *Estimator) Process(f *frame.Buffer) error {
	luma, err := f.Luma()
	if err != nil {
		return err
	}
	tracked, err := e.flow.Track(luma, f.Width(), f.Height())
	if err != nil {
		return err
	}

	limit := float64(e.cfg.MaxShift)
	moves := make([]Displacement, 0, len(tracked))
	for _, d := range tracked {
		if math.Hypot(d.DX, d.DY) <= limit {
			moves = append(moves, d)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	if len(moves) == 0 {
		return nil
	}
	e.tracked += len(moves)

	dx, dy := median(moves)
	at := f.Timestamp()
	e.samples = append(e.samples, sample{at: at, dx: dx, dy: dy, moves: moves})
	e.trim(at)

	if math.Hypot(dx, dy) >= e.cfg.MovingThreshold {
		e.lastMotion = at
		logger.Debug("Motion", "Frame %d shifted (%.1f, %.1f)", f.Seq(), dx, dy)
	}
	return nil
}

func (e *Estimator) trim(now time.Time) {
	cut := 0
	for cut < len(e.samples) && now.Sub(e.samples[cut].at) > e.cfg.History {
		cut++
	}
	if cut > 0 {
		e.samples = append(e.samples[:0], e.samples[cut:]...)
	}
}

// AccumulatedDelta returns the translation of the scene around center
// accumulated by frames captured after since and no later than until. Each
// frame contributes the median displacement of the features within radius
// of the moving center, or the frame-wide median when too few features lie
// there. A radius of 0 always uses the frame-wide median.
func (e *Estimator) AccumulatedDelta(since, until time.Time, center image.Point, radius int) (dx, dy float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cx, cy := float64(center.X), float64(center.Y)
	for _, s := range e.samples {
		if !s.at.After(since) || s.at.After(until) {
			continue
		}
		sx, sy := s.dx, s.dy
		if radius > 0 {
			if local := near(s.moves, cx+dx, cy+dy, float64(radius)); len(local) >= e.cfg.MinLocalFeatures {
				sx, sy = median(local)
			}
		}
		dx += sx
		dy += sy
	}
	return dx, dy
}

// Moving reports whether the last significant shift is recent.
func (e *Estimator) Moving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.lastMotion.IsZero() && e.now().Sub(e.lastMotion) < e.cfg.MovingHold
}

// MovedSince reports whether a significant shift happened after t.
func (e *Estimator) MovedSince(t time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMotion.After(t)
}

func (e *Estimator) Debug() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := map[string]any{
		"frames":   e.frames,
		"samples":  len(e.samples),
		"features": e.tracked,
	}
	if n := len(e.samples); n > 0 {
		info["last_dx"] = e.samples[n-1].dx
		info["last_dy"] = e.samples[n-1].dy
	}
	return info
}

func near(moves []Displacement, cx, cy, radius float64) []Displacement {
	var out []Displacement
	for _, m := range moves {
		if math.Hypot(m.X-cx, m.Y-cy) <= radius {
			out = append(out, m)
		}
	}
	return out
}

// median returns the per-axis median displacement.
func median(moves []Displacement) (dx, dy float64) {
	xs := make([]float64, len(moves))
	ys := make([]float64, len(moves))
	for i, m := range moves {
		xs[i], ys[i] = m.DX, m.DY
	}
	return median1(xs), median1(ys)
}

func median1(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	slices.Sort(v)
	mid := len(v) / 2
	if len(v)%2 == 0 {
		return (v[mid-1] + v[mid]) / 2
	}
	return v[mid]
}
