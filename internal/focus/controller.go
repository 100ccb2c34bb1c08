// Package focus decides when to ask the camera for autofocus, based on how
// long the picture has been blurred and whether the scene changed since the
// last focus cycle.
package focus

import (
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/metrics"
)

const (
	FocusDelay                  = 300 * time.Millisecond
	MinTimeBetweenFocusRequests = 1500 * time.Millisecond
	MinDiffPercent              = 10.0
)

// BlurClassifier judges blur and compares scenes on a luma plane.
type BlurClassifier interface {
	IsBlurred(luma []byte, width, height int) bool
	Signature(luma []byte, width, height int) Signature
	// Diff returns the difference between two signatures in percent (0..100).
	Diff(a, b Signature) float64
}

// Focuser triggers the camera's autofocus. The callback fires exactly once.
type Focuser interface {
	RequestFocus(done func(success bool))
}

// DeviceMotion reports whether the camera is moving.
type DeviceMotion interface {
	Moving() bool
	MovedSince(t time.Time) bool
}

// Config holds the controller's thresholds.
type Config struct {
	FocusDelay     time.Duration `yaml:"focus_delay"`
	MinFocusGap    time.Duration `yaml:"min_focus_gap"`
	MinDiffPercent float64       `yaml:"min_diff_percent"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FocusDelay:     FocusDelay,
		MinFocusGap:    MinTimeBetweenFocusRequests,
		MinDiffPercent: MinDiffPercent,
	}
}

// Controller is the blur/focus stage.
type Controller struct {
	cfg     Config
	blur    BlurClassifier
	focuser Focuser
	motion  DeviceMotion
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
	// blurSince is when the current run of blurred frames started; zero while sharp.
	blurSince time.Time
	focusing  bool
	lastFocus time.Time
	// signature is the scene right after the last focus cycle.
	signature     *Signature
	wantSignature bool
	// retried is set once the single forced refocus on an unchanged scene is used.
	retried  bool
	requests int
	failures int
}

// New creates a controller. motion may be nil when the device has no motion signal.
func New(cfg Config, blur BlurClassifier, focuser Focuser, motion DeviceMotion, m *metrics.Metrics) *Controller {
	if m == nil {
		m = metrics.New(0)
	}
	return &Controller{
		cfg:     cfg,
		blur:    blur,
		focuser: focuser,
		motion:  motion,
		metrics: m,
		now:     time.Now,
	}
}

// SetClock replaces time.Now. Tests only.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

func (c *Controller) Name() string { return "focus" }

func (c *Controller) Init(image.Point) error {
	c.mu.Lock()
	c.blurSince = time.Time{}
	c.mu.Unlock()
	return nil
}

func (c *Controller) Start() {}

func (c *Controller) Stop() {
	c.mu.Lock()
	c.blurSince = time.Time{}
	c.mu.Unlock()
}

func (c *Controller) Shutdown() {}

// Process evaluates one frame. Frames are ignored while a focus request is
// outstanding or while the device is moving.
func (c *Controller) Process(f *frame.Buffer) error {
	c.mu.Lock()
	focusing := c.focusing
	c.mu.Unlock()
	if focusing {
		return nil
	}
	if c.motion != nil && c.motion.Moving() {
		c.mu.Lock()
		c.blurSince = time.Time{}
		c.mu.Unlock()
		return nil
	}

	luma, err := f.Luma()
	if err != nil {
		return err
	}
	w, h := f.Width(), f.Height()
	now := c.now()

	c.mu.Lock()
	if c.wantSignature {
		sig := c.blur.Signature(luma, w, h)
		c.signature = &sig
		c.wantSignature = false
	}

	if !c.blur.IsBlurred(luma, w, h) {
		c.blurSince = time.Time{}
		c.mu.Unlock()
		return nil
	}
	if c.blurSince.IsZero() {
		c.blurSince = now
		c.mu.Unlock()
		return nil
	}
	if now.Sub(c.blurSince) <= c.cfg.FocusDelay || !c.shouldFocus(now, luma, w, h) {
		c.mu.Unlock()
		return nil
	}

	c.focusing = true
	c.blurSince = time.Time{}
	c.requests++
	c.mu.Unlock()

	c.metrics.FocusRequests.Add(1)
	logger.Debug("Focus", "Requesting autofocus (frame %d)", f.Seq())
	c.focuser.RequestFocus(c.onFocusDone)
	return nil
}

// shouldFocus is called with mu held once the blur delay has elapsed.
func (c *Controller) shouldFocus(now time.Time, luma []byte, w, h int) bool {
	if c.motion != nil && !c.lastFocus.IsZero() && c.motion.MovedSince(c.lastFocus) {
		c.retried = false
		return true
	}
	if !c.lastFocus.IsZero() && now.Sub(c.lastFocus) < c.cfg.MinFocusGap {
		return false
	}

	diff := 100.0
	if c.signature != nil {
		diff = c.blur.Diff(*c.signature, c.blur.Signature(luma, w, h))
	}
	if diff > c.cfg.MinDiffPercent {
		c.retried = false
		return true
	}
	if !c.retried {
		c.retried = true
		return true
	}
	return false
}

func (c *Controller) onFocusDone(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focusing = false
	c.lastFocus = c.now()
	c.wantSignature = true
	if !success {
		c.failures++
		c.metrics.FocusFailures.Add(1)
		logger.Warn("Focus", "Autofocus request failed")
	}
}

func (c *Controller) Debug() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := map[string]any{
		"focusing":      c.focusing,
		"requests":      c.requests,
		"failures":      c.failures,
		"has_signature": c.signature != nil,
		"retried":       c.retried,
	}
	if !c.blurSince.IsZero() {
		info["blurred_ms"] = c.now().Sub(c.blurSince).Milliseconds()
	}
	return info
}
