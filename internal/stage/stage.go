// Package stage defines the contract every per-frame pipeline stage
// implements, and Host, which enforces its lifecycle.
//
// Lifecycle:
//
//	Uninitialized -> Initialized -> Started <-> Stopped -> Shutdown
//
// Init may be called again from any non-terminal state (capture size change);
// it resets the stage's timers and leaves it Initialized.
package stage

import (
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
)

// Stage is one unit of per-frame work.
type Stage interface {
	Name() string
	// Init prepares the stage for frames of the given size.
	Init(size image.Point) error
	Start()
	Process(f *frame.Buffer) error
	Stop()
	// Shutdown releases stage-owned resources. Called once, from the worker goroutine.
	Shutdown()
	// Debug returns a JSON-compatible view of the stage state.
	Debug() map[string]any
}

// State is the lifecycle position of a stage.
type State int

const (
	Uninitialized State = iota
	Initialized
	Started
	Stopped
	Shutdown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when a lifecycle call does not apply to the current state.
var ErrInvalidTransition = errors.New("invalid stage transition")

// ProcessingError wraps an error or recovered panic from Stage.Process.
type ProcessingError struct {
	Stage string
	Seq   uint64
	Err   error
	Panic bool
	Stack []byte
}

func (e *ProcessingError) Error() string {
	if e.Panic {
		return fmt.Sprintf("stage %s panicked on frame %d: %v", e.Stage, e.Seq, e.Err)
	}
	return fmt.Sprintf("stage %s failed on frame %d: %v", e.Stage, e.Seq, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Host drives a Stage through its lifecycle.
type Host struct {
	stage Stage

	mu    sync.Mutex
	state State
	size  image.Point
}

// NewHost wraps s in the Uninitialized state.
func NewHost(s Stage) *Host {
	return &Host{stage: s}
}

// Stage returns the wrapped stage.
func (h *Host) Stage() Stage { return h.stage }

// Name returns the wrapped stage's name.
func (h *Host) Name() string { return h.stage.Name() }

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Init (re)initializes the stage for size.
func (h *Host) Init(size image.Point) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initLocked(size)
}

func (h *Host) initLocked(size image.Point) error {
	if h.state == Shutdown {
		return fmt.Errorf("%w: init %s after shutdown", ErrInvalidTransition, h.stage.Name())
	}
	if err := h.stage.Init(size); err != nil {
		return fmt.Errorf("init %s: %w", h.stage.Name(), err)
	}
	h.size = size
	h.state = Initialized
	return nil
}

// Start moves an Initialized or Stopped stage to Started.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case Initialized, Stopped:
		h.stage.Start()
		h.state = Started
		return nil
	case Started:
		return nil
	default:
		return fmt.Errorf("%w: start %s from %s", ErrInvalidTransition, h.stage.Name(), h.state)
	}
}

// Stop moves a Started stage to Stopped. Stopping a stage that never started is a no-op.
func (h *Host) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case Started:
		h.stage.Stop()
		h.state = Stopped
		return nil
	case Shutdown:
		return fmt.Errorf("%w: stop %s after shutdown", ErrInvalidTransition, h.stage.Name())
	default:
		return nil
	}
}

// Shutdown stops the stage if needed and releases its resources. Idempotent.
func (h *Host) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Shutdown {
		return
	}
	if h.state == Started {
		h.stage.Stop()
	}
	h.stage.Shutdown()
	h.state = Shutdown
}

// Process runs the stage on f. A stage that has not been initialized for the
// frame's size initializes itself first. Errors and panics come back as
// *ProcessingError; lifecycle errors are returned unwrapped.
func (h *Host) Process(f *frame.Buffer) (err error) {
	h.mu.Lock()
	state, size := h.state, h.size
	if state == Shutdown {
		h.mu.Unlock()
		return fmt.Errorf("%w: process on %s after shutdown", ErrInvalidTransition, h.stage.Name())
	}
	if state == Uninitialized || size != f.Size() {
		if err := h.initLocked(f.Size()); err != nil {
			h.mu.Unlock()
			return err
		}
		if state == Started {
			h.stage.Start()
			h.state = Started
		}
	}
	h.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(error)
			if !ok {
				perr = fmt.Errorf("%v", r)
			}
			err = &ProcessingError{Stage: h.stage.Name(), Seq: f.Seq(), Err: perr, Panic: true, Stack: debug.Stack()}
		}
	}()

	if perr := h.stage.Process(f); perr != nil {
		return &ProcessingError{Stage: h.stage.Name(), Seq: f.Seq(), Err: perr}
	}
	return nil
}

// Debug returns the stage's debug map annotated with its lifecycle state.
func (h *Host) Debug() map[string]any {
	info := map[string]any{}
	for k, v := range h.stage.Debug() {
		info[k] = v
	}
	info["name"] = h.stage.Name()
	info["state"] = h.State().String()
	return info
}
