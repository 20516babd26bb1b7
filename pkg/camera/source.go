package camera

import (
	"context"
	"io"
)

// Source captures frames from a video device.
//
// The capture loop owns the Source exclusively: one goroutine calls
// Open, then Read in a loop, then Close. Implementations do not need
// to be safe for concurrent Reads.
type Source interface {
	// Open acquires the device described by cfg. It is an error to
	// open an already-open source.
	Open(ctx context.Context, cfg Config) error

	// Read blocks until the next frame is available and returns it
	// with Width, Height and JPEG populated. The caller assigns Seq
	// and Timestamp. Read honors ctx cancellation between device
	// polls and returns ctx.Err() when cancelled.
	Read(ctx context.Context) (Frame, error)

	// Name returns the backend name (e.g. "webcam", "mock").
	Name() string

	// Close releases the device. Safe to call on a closed source.
	io.Closer
}

var (
	_ Source = (*Webcam)(nil)
	_ Source = (*MockSource)(nil)
)
