package camera

import (
	"image"
	"time"
)

// Frame is one decoded image snapshot from the capture pipeline.
//
// A Frame is immutable once constructed: annotation produces a new
// Frame carrying the same Seq, it never writes into an existing one.
// This is what lets the broadcaster hand the same Frame value to any
// number of consumers without copying.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the capture
	// loop. Annotated frames keep the sequence number of the raw
	// frame they were derived from.
	Seq uint64

	// Width and Height are the decoded image dimensions in pixels.
	Width  int
	Height int

	// JPEG is the encoded pixel buffer. Never written after
	// construction.
	JPEG []byte

	// Timestamp is the capture time of the underlying device read.
	Timestamp time.Time

	// Detections holds inference results for annotated frames.
	// Nil or empty for raw frames.
	Detections []Detection
}

// Detection is one object found by the inference stage.
type Detection struct {
	// Label is the human-readable class name (e.g. "person").
	Label string `json:"label"`

	// Confidence is the model score in [0, 1].
	Confidence float64 `json:"confidence"`

	// Box is the bounding box in pixel coordinates of the frame
	// the detection was produced from.
	Box image.Rectangle `json:"box"`
}
