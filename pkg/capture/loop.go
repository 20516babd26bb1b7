package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/camwatch/go-camwatch/pkg/broadcast"
)

// run is the capture loop. It owns the device handle exclusively:
// nothing else reads from the source while the loop is alive. On exit
// it closes the broadcaster (end-of-stream for all consumers) and the
// device.
func (c *Controller) run(ctx context.Context, out *broadcast.Broadcaster) {
	defer c.wg.Done()

	// With an annotator, raw frames go through a private single-slot
	// inbox. The annotator always takes the newest frame from it, so
	// a slow model skips stale frames instead of queueing them.
	sink := out
	if c.annotator != nil {
		inbox := broadcast.New()
		c.wg.Add(1)
		go c.annotateLoop(ctx, inbox, out)
		sink = inbox
	}

	defer func() {
		sink.Close()
		out.Close()
		if err := c.source.Close(); err != nil {
			c.logger.Warn("device close failed", "error", err)
		}
	}()

	var interval time.Duration
	if fps := c.cfg.Camera.Framerate; fps > 0 {
		interval = time.Second / time.Duration(fps)
	}

	var seq uint64
	consecutive := 0
	next := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		// Pace reads to the target rate when the device free-runs
		// faster than configured.
		if interval > 0 {
			if wait := time.Until(next); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
			next = next.Add(interval)
			if time.Until(next) < -interval {
				// Fell more than a full frame behind; resync rather
				// than bursting to catch up.
				next = time.Now()
			}
		}

		readCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
		frame, err := c.source.Read(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutive++
			c.tracker.SetError(err)
			c.logger.Warn("transient read failure",
				"attempt", consecutive,
				"budget", c.cfg.RetryBudget,
				"error", err,
			)
			if consecutive >= c.cfg.RetryBudget {
				c.fail(fmt.Errorf("read retry budget exhausted after %d attempts: %w", consecutive, err))
				return
			}
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		if consecutive > 0 {
			consecutive = 0
			c.tracker.ClearError()
		}
		seq++
		frame.Seq = seq
		frame.Timestamp = time.Now()

		c.tracker.Record()
		sink.Publish(frame)
	}
}

// annotateLoop consumes the newest raw frame, runs inference, and
// publishes the annotated result. An annotation failure publishes the
// raw frame with empty detections; inference errors never stop
// capture.
func (c *Controller) annotateLoop(ctx context.Context, in, out *broadcast.Broadcaster) {
	defer c.wg.Done()

	sub := in.Subscribe()
	defer sub.Unsubscribe()

	var lastSeq uint64
	for {
		frame, err := sub.Next(ctx)
		if err != nil {
			return
		}

		// Frames overwritten in the inbox while inference ran show
		// up as sequence gaps.
		if lastSeq > 0 {
			for skipped := frame.Seq - lastSeq - 1; skipped > 0; skipped-- {
				c.tracker.RecordSkip()
			}
		}
		lastSeq = frame.Seq

		annotated, err := c.annotator.Annotate(frame)
		if err != nil {
			c.logger.Warn("annotation failed, publishing raw frame",
				"seq", frame.Seq,
				"error", err,
			)
			out.Publish(frame)
			continue
		}
		out.Publish(annotated)
	}
}
