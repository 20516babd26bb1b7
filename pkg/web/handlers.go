package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/camwatch/go-camwatch/pkg/camera"
	"github.com/camwatch/go-camwatch/pkg/capture"
	"github.com/camwatch/go-camwatch/pkg/stats"
)

const (
	// mjpegBoundary separates parts in the multipart stream.
	mjpegBoundary = "camwatchframe"

	// nextFrameTimeout bounds a viewer's wait for the next frame.
	// At any configured framerate >= 1 FPS a healthy session
	// delivers well inside this; expiry ends the stream instead of
	// hanging the connection.
	nextFrameTimeout = 5 * time.Second
)

// statusResponse is the shared shape of /start, /stop and status push.
type statusResponse struct {
	State   capture.State  `json:"state"`
	Device  int            `json:"device"`
	Viewers int            `json:"viewers"`
	Stats   stats.Snapshot `json:"stats"`
}

func (s *Server) status(sess capture.Session) statusResponse {
	return statusResponse{
		State:   sess.State,
		Device:  sess.Device,
		Viewers: s.ctrl.SubscriberCount(),
		Stats:   s.ctrl.Stats(),
	}
}

// handleIndex serves a minimal status/control page.
func (s *Server) handleIndex(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(indexHTML)
}

// handleStart maps POST /start to the controller.
func (s *Server) handleStart(c *fiber.Ctx) error {
	sess, err := s.ctrl.Start(c.Context())
	if err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, capture.ErrDeviceUnavailable) {
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(s.status(sess))
}

// handleStop maps POST /stop to the controller. Stop is idempotent,
// so this always reports the resulting state.
func (s *Server) handleStop(c *fiber.Ctx) error {
	if err := s.ctrl.Stop(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(s.status(s.ctrl.Status()))
}

// handleCapture persists the current frame and returns its identifier.
func (s *Server) handleCapture(c *fiber.Ctx) error {
	still, err := s.ctrl.CaptureStill()
	if err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, capture.ErrNoFrame) {
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(still)
}

// statsResponse flattens the snapshot alongside the session state so
// a viewer can distinguish "no frames because stopped" from "no
// frames because failed".
type statsResponse struct {
	stats.Snapshot
	State   capture.State `json:"state"`
	Device  int           `json:"device"`
	Viewers int           `json:"viewers"`
}

// handleStats returns the live statistics snapshot plus session state.
func (s *Server) handleStats(c *fiber.Ctx) error {
	sess := s.ctrl.Status()
	return c.JSON(statsResponse{
		Snapshot: s.ctrl.Stats(),
		State:    sess.State,
		Device:   sess.Device,
		Viewers:  s.ctrl.SubscriberCount(),
	})
}

// handleListCaptures returns the filenames of saved stills.
func (s *Server) handleListCaptures(c *fiber.Ctx) error {
	names, err := s.ctrl.ListStills()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(fiber.Map{"captures": names})
}

// handleGetConfig returns the current camera configuration.
func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	return c.JSON(s.manager.GetConfig())
}

// handleUpdateConfig applies partial config updates or a preset.
// Changes take effect on the next session start.
func (s *Server) handleUpdateConfig(c *fiber.Ctx) error {
	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
	}
	if err := s.manager.UpdateConfig(params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(s.manager.GetConfig())
}

// handleListPresets returns the available camera presets.
func (s *Server) handleListPresets(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"presets": camera.PresetNames(),
	})
}

// handleVideoFeed streams the live feed as multipart MJPEG. Each
// connection gets its own subscriber; the consumer blocks only on the
// broadcaster, never on the device. The stream ends when the session
// stops or fails (end-of-stream signal) or the client disconnects.
func (s *Server) handleVideoFeed(c *fiber.Ctx) error {
	sub, err := s.ctrl.Subscribe()
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "capture not running"})
	}

	c.Set(fiber.HeaderContentType, "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Set(fiber.HeaderCacheControl, "no-cache")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Unsubscribe()

		for {
			ctx, cancel := context.WithTimeout(context.Background(), nextFrameTimeout)
			frame, err := sub.Next(ctx)
			cancel()
			if err != nil {
				// ErrClosed, timeout or cancel all end the stream.
				return
			}

			if err := writeMJPEGPart(w, frame.JPEG); err != nil {
				// Client went away.
				return
			}
		}
	})

	return nil
}

// writeMJPEGPart writes one multipart frame and flushes it.
func writeMJPEGPart(w *bufio.Writer, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		mjpegBoundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// pumpFrames feeds the websocket camera hub from its own subscriber
// for the lifetime of one session.
func (s *Server) pumpFrames() {
	sub, err := s.ctrl.Subscribe()
	if err != nil {
		return
	}
	defer sub.Unsubscribe()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), nextFrameTimeout)
		frame, err := sub.Next(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return
		}

		if s.cameraHub.ClientCount() > 0 {
			s.cameraHub.BroadcastFrame(frame.Seq, frame.JPEG)
		}
	}
}
