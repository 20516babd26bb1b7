// Package capture owns the camera device and the real-time frame
// pipeline: a capture loop that reads frames at the configured rate,
// an optional latest-frame-wins annotation stage, and the control
// surface (start, stop, capture still, stats) that coexists safely
// with continuous acquisition.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/camwatch/go-camwatch/pkg/broadcast"
	"github.com/camwatch/go-camwatch/pkg/camera"
	"github.com/camwatch/go-camwatch/pkg/detect"
	"github.com/camwatch/go-camwatch/pkg/stats"
)

// Config holds the pipeline configuration passed in at start time.
type Config struct {
	// Camera is the device configuration.
	Camera camera.Config

	// OutputDir is where captured stills are written.
	OutputDir string

	// RetryBudget is the number of consecutive transient read
	// failures tolerated before the session fails. Zero means
	// DefaultRetryBudget.
	RetryBudget int

	// RetryDelay is the pause between read retries. Zero means
	// DefaultRetryDelay.
	RetryDelay time.Duration

	// ReadTimeout bounds a single device read. Zero means
	// DefaultReadTimeout. Stop latency is bounded by one read
	// timeout.
	ReadTimeout time.Duration
}

// Defaults for Config zero values.
const (
	DefaultRetryBudget = 5
	DefaultRetryDelay  = 100 * time.Millisecond
	DefaultReadTimeout = 2 * time.Second
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.RetryBudget == 0 {
		out.RetryBudget = DefaultRetryBudget
	}
	if out.RetryDelay == 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	return out
}

// Controller runs at most one capture session over a single device.
//
// The state mutex guards session transitions only; it is never held
// across device I/O, so stats queries and still captures stay
// responsive during a slow device open or close.
type Controller struct {
	cfg       Config
	source    camera.Source
	annotator detect.Annotator
	tracker   *stats.Tracker
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	session     Session
	broadcaster *broadcast.Broadcaster
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// OnStateChange, when set, is called after every session state
	// transition with a copy of the session. Called outside the
	// state lock; must not call back into the Controller Start/Stop.
	OnStateChange func(Session)
}

// New creates a controller over the given source. annotator may be
// nil to disable the inference stage.
func New(cfg Config, source camera.Source, annotator detect.Annotator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg.withDefaults(),
		source:    source,
		annotator: annotator,
		tracker:   stats.New(),
		logger:    logger,
		state:     StateStopped,
		session:   Session{State: StateStopped, Device: cfg.Camera.Device, Config: cfg.Camera},
	}
}

// Start opens the device and begins producing frames. Starting while
// a session is already starting or running returns that session
// without touching the device, so at most one device handle is ever
// open. A Failed session is reset and restarted.
func (c *Controller) Start(ctx context.Context) (Session, error) {
	c.mu.Lock()
	switch c.state {
	case StateStarting, StateRunning:
		sess := c.session
		c.mu.Unlock()
		return sess, nil
	case StateStopping:
		c.mu.Unlock()
		return Session{}, fmt.Errorf("capture: session is stopping")
	}

	// Stopped or Failed: claim the transition before the slow open.
	c.state = StateStarting
	c.session = Session{
		State:  StateStarting,
		Device: c.cfg.Camera.Device,
		Config: c.cfg.Camera,
	}
	starting := c.session
	c.mu.Unlock()
	c.notify(starting)

	// Device open happens outside the state lock.
	if err := c.source.Open(ctx, c.cfg.Camera); err != nil {
		c.mu.Lock()
		c.state = StateStopped
		c.session.State = StateStopped
		stopped := c.session
		c.mu.Unlock()
		c.notify(stopped)
		return Session{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.cancel = cancel
	c.broadcaster = broadcast.New()
	c.state = StateRunning
	c.session.State = StateRunning
	c.session.StartedAt = time.Now()
	sess := c.session
	out := c.broadcaster
	c.mu.Unlock()

	c.tracker.Reset()
	c.notify(sess)

	c.logger.Info("capture started",
		"device", sess.Device,
		"source", c.source.Name(),
		"width", sess.Config.Width,
		"height", sess.Config.Height,
		"framerate", sess.Config.Framerate,
		"annotated", c.annotator != nil,
	)

	c.wg.Add(1)
	go c.run(loopCtx, out)

	return sess, nil
}

// Stop halts the capture loop and releases the device. Idempotent:
// stopping a stopped controller is a no-op. Stopping a Failed
// session resets it to Stopped.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateStopped, StateStopping:
		c.mu.Unlock()
		return nil
	case StateStarting:
		// The device open is still in flight; the caller retries
		// once the session reaches Running.
		c.mu.Unlock()
		return fmt.Errorf("capture: session is starting")
	case StateFailed:
		// The loop already exited; release its context too.
		cancel := c.cancel
		c.state = StateStopped
		c.session.State = StateStopped
		sess := c.session
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		c.notify(sess)
		return nil
	}

	c.state = StateStopping
	c.session.State = StateStopping
	cancel := c.cancel
	sess := c.session
	c.mu.Unlock()
	c.notify(sess)

	// The loop observes cancellation within one read timeout and
	// closes the broadcaster and device on its way out.
	cancel()
	c.wg.Wait()
	c.tracker.Stop()

	c.mu.Lock()
	c.state = StateStopped
	c.session.State = StateStopped
	sess = c.session
	c.mu.Unlock()
	c.notify(sess)

	c.logger.Info("capture stopped", "device", sess.Device)
	return nil
}

// SetCameraConfig replaces the camera configuration used by the next
// session. A running session keeps the configuration it was opened
// with.
func (c *Controller) SetCameraConfig(cfg camera.Config) {
	c.mu.Lock()
	c.cfg.Camera = cfg
	if c.state == StateStopped || c.state == StateFailed {
		c.session.Device = cfg.Device
		c.session.Config = cfg
	}
	c.mu.Unlock()
}

// Status returns a copy of the current session.
func (c *Controller) Status() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Stats returns a snapshot of the session statistics. Does not take
// the state lock.
func (c *Controller) Stats() stats.Snapshot {
	return c.tracker.Snapshot()
}

// Subscribe attaches a consumer to the live frame stream.
// Returns ErrNotRunning when no session is active.
func (c *Controller) Subscribe() (*broadcast.Subscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broadcaster == nil || c.broadcaster.Closed() {
		return nil, ErrNotRunning
	}
	return c.broadcaster.Subscribe(), nil
}

// SubscriberCount returns the number of attached stream consumers.
func (c *Controller) SubscriberCount() int {
	c.mu.Lock()
	b := c.broadcaster
	c.mu.Unlock()
	if b == nil {
		return 0
	}
	return b.SubscriberCount()
}

// notify delivers a session copy to the OnStateChange hook.
func (c *Controller) notify(sess Session) {
	if c.OnStateChange != nil {
		c.OnStateChange(sess)
	}
}

// fail transitions a running session to Failed. Called from the
// capture loop; a concurrent Stop wins the race.
func (c *Controller) fail(err error) {
	c.tracker.SetError(err)

	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.session.State = StateFailed
	sess := c.session
	cancel := c.cancel
	c.mu.Unlock()

	// Release the session context so nothing derived from it lingers.
	cancel()
	c.tracker.Stop()

	c.logger.Error("capture failed", "device", sess.Device, "error", err)
	c.notify(sess)
}
