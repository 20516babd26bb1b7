package camera

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gocv.io/x/gocv"
)

// closeGrace bounds how long Close waits for an in-flight device read
// before abandoning the handle.
const closeGrace = 2 * time.Second

// Webcam is a Source backed by a local V4L2/AVFoundation device via
// OpenCV. The gocv Mat is reused across reads; the encoded JPEG handed
// out in each Frame is always a fresh copy.
type Webcam struct {
	logger *slog.Logger

	cap     *gocv.VideoCapture
	img     gocv.Mat
	quality int

	// pending carries the result of an in-flight device read whose
	// caller timed out before it completed. The next Read consumes it
	// instead of starting a second read against the shared Mat.
	pending chan bool
}

// NewWebcam creates an unopened webcam source.
func NewWebcam(logger *slog.Logger) *Webcam {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webcam{logger: logger}
}

// Open acquires the device and applies the configured resolution and
// framerate. The device may silently clamp values it cannot honor;
// actual frame dimensions are reported per Frame.
func (w *Webcam) Open(ctx context.Context, cfg Config) error {
	if w.cap != nil {
		return fmt.Errorf("webcam %s: already open", w.Name())
	}

	cap, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return fmt.Errorf("open video capture device %d: %w", cfg.Device, err)
	}

	cap.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	cap.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	w.cap = cap
	w.img = gocv.NewMat()
	w.quality = cfg.Quality

	w.logger.Info("webcam opened",
		"device", cfg.Device,
		"width", cfg.Width,
		"height", cfg.Height,
		"framerate", cfg.Framerate,
	)

	return nil
}

// Read grabs and encodes the next frame. The grab runs on its own
// goroutine so a wedged device cannot block past the caller's
// deadline; a timed-out grab stays pending and its result is picked
// up by the next call.
func (w *Webcam) Read(ctx context.Context) (Frame, error) {
	if w.cap == nil {
		return Frame{}, fmt.Errorf("webcam: not open")
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	if w.pending == nil {
		w.pending = make(chan bool, 1)
		go func(cap *gocv.VideoCapture, img *gocv.Mat, done chan<- bool) {
			done <- cap.Read(img)
		}(w.cap, &w.img, w.pending)
	}

	ok, err := awaitGrab(ctx, w.pending)
	if err != nil {
		// The grab is still in flight; leave it pending.
		return Frame{}, fmt.Errorf("webcam: read: %w", err)
	}
	w.pending = nil

	if !ok {
		return Frame{}, fmt.Errorf("webcam: device read failed")
	}
	if w.img.Empty() {
		return Frame{}, fmt.Errorf("webcam: empty frame")
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, w.img,
		[]int{gocv.IMWriteJpegQuality, w.quality})
	if err != nil {
		return Frame{}, fmt.Errorf("webcam: encode frame: %w", err)
	}
	defer buf.Close()

	// Copy out of the native buffer before it is released.
	jpeg := make([]byte, len(buf.GetBytes()))
	copy(jpeg, buf.GetBytes())

	return Frame{
		Width:  w.img.Cols(),
		Height: w.img.Rows(),
		JPEG:   jpeg,
	}, nil
}

// awaitGrab waits for the in-flight grab or the caller's deadline,
// whichever comes first.
func awaitGrab(ctx context.Context, pending <-chan bool) (bool, error) {
	select {
	case ok := <-pending:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// drainPending waits up to grace for an abandoned grab to finish.
// Reports whether the handle is safe to release.
func drainPending(pending <-chan bool, grace time.Duration) bool {
	if pending == nil {
		return true
	}
	select {
	case <-pending:
		return true
	case <-time.After(grace):
		return false
	}
}

// Name returns the backend name.
func (w *Webcam) Name() string { return "webcam" }

// Close releases the device and the scratch Mat. When a wedged read
// is still in flight after the grace period, the handle is abandoned
// rather than letting Close hang.
func (w *Webcam) Close() error {
	if w.cap == nil {
		return nil
	}
	if !drainPending(w.pending, closeGrace) {
		w.cap = nil
		return fmt.Errorf("webcam: close: device read still in flight")
	}
	w.pending = nil
	err := w.cap.Close()
	w.img.Close()
	w.cap = nil
	return err
}
