// Package detect runs object-detection inference over camera frames
// and produces annotated copies with labeled bounding boxes.
package detect

import (
	"github.com/camwatch/go-camwatch/pkg/camera"
)

// Annotator turns a raw frame into an annotated one. Implementations
// must treat the input frame as read-only and return a new frame
// carrying the same sequence number.
type Annotator interface {
	// Annotate returns a copy of f with detection boxes drawn into
	// the image and Detections populated. On error the caller falls
	// back to publishing the raw frame.
	Annotate(f camera.Frame) (camera.Frame, error)

	// Close releases model resources.
	Close() error
}

// Identity is the no-model annotator: it returns the frame unchanged
// with no detections.
type Identity struct{}

// Annotate returns f as-is.
func (Identity) Annotate(f camera.Frame) (camera.Frame, error) { return f, nil }

// Close is a no-op.
func (Identity) Close() error { return nil }
