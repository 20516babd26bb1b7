package detect

import (
	"time"

	"github.com/camwatch/go-camwatch/pkg/camera"
)

// frameFixture builds a minimal frame for annotator tests.
func frameFixture(seq uint64) camera.Frame {
	return camera.Frame{
		Seq:       seq,
		Width:     320,
		Height:    240,
		JPEG:      []byte{0xFF, 0xD8, 0xFF, 0xD9},
		Timestamp: time.Now(),
	}
}
