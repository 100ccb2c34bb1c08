package capture

import "github.com/dj-oyu/rdk-x5_smart-pet-camera/text-scanner/internal/logger"

// FixedFocus is the focuser for fixed-focus camera modules such as the
// RDK X5 MIPI cameras. Requests complete immediately and report failure,
// since nothing moved.
type FixedFocus struct{}

// RequestFocus implements focus.Focuser.
func (FixedFocus) RequestFocus(done func(success bool)) {
	logger.Debug("Capture", "Autofocus requested on a fixed-focus module")
	done(false)
}
