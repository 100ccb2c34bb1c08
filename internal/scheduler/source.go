package scheduler

import (
	"image"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/frame"
)

// Receiver gets frames from a Source.
type Receiver interface {
	// OnFrameDelivered is called once per requested frame, never concurrently with itself.
	OnFrameDelivered(f *frame.Buffer)
}

// Source is the capture collaborator.
type Source interface {
	// RequestFrame asks for exactly one frame to be delivered asynchronously
	// to r. A nil receiver cancels the outstanding request.
	RequestFrame(r Receiver)
	// FrameSize returns the current capture size.
	FrameSize() image.Point
}
