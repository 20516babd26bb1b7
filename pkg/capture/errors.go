package capture

import "errors"

var (
	// ErrDeviceUnavailable means the device could not be opened.
	// The session stays Stopped.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrNoFrame means a still was requested before any frame was
	// published.
	ErrNoFrame = errors.New("capture: no frame available")

	// ErrNotRunning means the operation needs an active session.
	ErrNotRunning = errors.New("capture: not running")

	// ErrPersist wraps failures writing a still to disk. The capture
	// loop is unaffected.
	ErrPersist = errors.New("capture: persist still")
)
