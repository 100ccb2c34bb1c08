// Package config holds the scanner's runtime configuration: defaults, YAML
// loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/debugserver"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/focus"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/motion"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/tracker"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Capture sources.
const (
	SourceSHM    = "shm"
	SourceReplay = "replay"
)

// Config is the complete scanner configuration.
type Config struct {
	Log      LogConfig          `yaml:"log"`
	Capture  CaptureConfig      `yaml:"capture"`
	Pipeline PipelineConfig     `yaml:"pipeline"`
	Focus    focus.Config       `yaml:"focus"`
	Motion   motion.Config      `yaml:"motion"`
	Tracker  tracker.Config     `yaml:"tracker"`
	OCR      OCRConfig          `yaml:"ocr"`
	Debug    debugserver.Config `yaml:"debug"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// CaptureConfig selects and configures the frame source.
type CaptureConfig struct {
	Source string            `yaml:"source"`
	SHM    capture.SHMConfig `yaml:"shm"`
	Replay ReplayConfig      `yaml:"replay"`
}

// OCRConfig configures the Tesseract text line detector. Its fields match
// ocr.DetectorConfig, so the command converts it directly; keeping it here
// keeps cgo out of this package.
type OCRConfig struct {
	Language string `yaml:"language"`
	// MaxWidth downscales wider frames before layout analysis. 0 disables.
	MaxWidth int `yaml:"max_width"`
	// MinConfidence drops lines Tesseract is less sure of, 0-100.
	MinConfidence float64 `yaml:"min_confidence"`
}

// ReplayConfig configures the still-image replay source.
type ReplayConfig struct {
	Paths []string `yaml:"paths,omitempty"`
	FPS   float64  `yaml:"fps"`
}

// PipelineConfig sets the minimum delay between runs of the async workers.
// Motion runs inline on every frame.
type PipelineConfig struct {
	FocusInterval   time.Duration `yaml:"focus_interval"`
	TrackerInterval time.Duration `yaml:"tracker_interval"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Color: true},
		Capture: CaptureConfig{
			Source: SourceSHM,
			SHM:    capture.DefaultSHMConfig(),
			Replay: ReplayConfig{FPS: 10},
		},
		Pipeline: PipelineConfig{
			FocusInterval:   50 * time.Millisecond,
			TrackerInterval: 200 * time.Millisecond,
			StopTimeout:     2 * time.Second,
		},
		Focus:   focus.DefaultConfig(),
		Motion:  motion.DefaultConfig(),
		Tracker: tracker.DefaultConfig(),
		OCR:     OCRConfig{Language: "eng", MaxWidth: 640, MinConfidence: 30},
		Debug:   debugserver.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}

	switch c.Capture.Source {
	case SourceSHM:
		if c.Capture.SHM.Name == "" {
			return fmt.Errorf("%w: capture.shm.name is empty", ErrInvalid)
		}
	case SourceReplay:
		if len(c.Capture.Replay.Paths) == 0 {
			return fmt.Errorf("%w: capture.replay.paths is empty", ErrInvalid)
		}
		if c.Capture.Replay.FPS <= 0 {
			return fmt.Errorf("%w: capture.replay.fps must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown capture.source %q", ErrInvalid, c.Capture.Source)
	}

	if c.Pipeline.FocusInterval < 0 || c.Pipeline.TrackerInterval < 0 {
		return fmt.Errorf("%w: pipeline intervals must not be negative", ErrInvalid)
	}
	if c.Focus.FocusDelay <= 0 || c.Focus.MinFocusGap < 0 {
		return fmt.Errorf("%w: focus delays must be positive", ErrInvalid)
	}
	if c.Focus.MinDiffPercent < 0 || c.Focus.MinDiffPercent > 100 {
		return fmt.Errorf("%w: focus.min_diff_percent out of range", ErrInvalid)
	}
	if c.Motion.MaxShift <= 0 || c.Motion.History <= 0 {
		return fmt.Errorf("%w: motion.max_shift and motion.history must be positive", ErrInvalid)
	}
	if c.Motion.MaxFeatures <= 0 || c.Motion.FeatureQuality <= 0 || c.Motion.FeatureQuality >= 1 {
		return fmt.Errorf("%w: motion feature settings out of range", ErrInvalid)
	}
	if c.Tracker.MinPresence < 0 || c.Tracker.MaxAbsence <= 0 {
		return fmt.Errorf("%w: tracker presence/absence out of range", ErrInvalid)
	}
	if c.Tracker.MinOverlap < 0 || c.Tracker.MinOverlap > 1 {
		return fmt.Errorf("%w: tracker.min_overlap must be within [0, 1]", ErrInvalid)
	}
	if c.OCR.Language == "" {
		return fmt.Errorf("%w: ocr.language is empty", ErrInvalid)
	}
	return nil
}
