package capture

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/camwatch/go-camwatch/pkg/camera"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Camera: camera.Config{
			Device:    0,
			Width:     320,
			Height:    240,
			Framerate: 100,
			Quality:   80,
		},
		OutputDir:   t.TempDir(),
		RetryBudget: 5,
		RetryDelay:  time.Millisecond,
		ReadTimeout: 500 * time.Millisecond,
	}
}

// scriptedAnnotator fails on chosen sequence numbers and tags every
// other frame with a fake detection.
type scriptedAnnotator struct {
	mu      sync.Mutex
	failSeq map[uint64]bool
}

func (a *scriptedAnnotator) Annotate(f camera.Frame) (camera.Frame, error) {
	a.mu.Lock()
	fail := a.failSeq[f.Seq]
	a.mu.Unlock()

	if fail {
		return camera.Frame{}, errors.New("inference blew up")
	}

	out := f
	out.Detections = []camera.Detection{
		{Label: "person", Confidence: 0.9, Box: image.Rect(10, 10, 50, 80)},
	}
	return out, nil
}

func (a *scriptedAnnotator) Close() error { return nil }

// waitForState polls Status until the controller reaches want.
func waitForState(t *testing.T, ctrl *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", ctrl.Status().State, want)
}

// nextFrame blocks on the subscriber with a bounded wait.
func nextFrame(t *testing.T, ctrl *Controller) camera.Frame {
	t.Helper()
	sub, err := ctrl.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return f
}

func TestStart_OpensDeviceOnce(t *testing.T) {
	src := camera.NewMockSource(camera.WithFrameInterval(time.Millisecond))
	ctrl := New(testConfig(t), src, nil, nil)
	defer ctrl.Stop()

	sess, err := ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State != StateRunning {
		t.Fatalf("state = %s, want running", sess.State)
	}

	// Starting again must return the existing session without a
	// second device open.
	again, err := ctrl.Start(context.Background())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if again.State != StateRunning {
		t.Fatalf("second Start state = %s", again.State)
	}
	if n := src.TotalOpens.Load(); n != 1 {
		t.Fatalf("device opened %d times, want 1", n)
	}
	if n := src.OpenCalls.Load(); n != 1 {
		t.Fatalf("%d device handles open, want 1", n)
	}
}

func TestStopStart_NeverTwoHandles(t *testing.T) {
	src := camera.NewMockSource(camera.WithFrameInterval(time.Millisecond))
	ctrl := New(testConfig(t), src, nil, nil)
	defer ctrl.Stop()

	for i := 0; i < 3; i++ {
		if _, err := ctrl.Start(context.Background()); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		if n := src.OpenCalls.Load(); n != 1 {
			t.Fatalf("%d device handles open after start #%d", n, i)
		}
		if err := ctrl.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
		if src.IsOpen() {
			t.Fatalf("device still open after stop #%d", i)
		}
	}
}

func TestStop_Idempotent(t *testing.T) {
	src := camera.NewMockSource()
	ctrl := New(testConfig(t), src, nil, nil)

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop on stopped controller: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := ctrl.Status().State; got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestStart_DeviceUnavailable(t *testing.T) {
	src := camera.NewMockSource(camera.WithOpenError(errors.New("no such device")))
	ctrl := New(testConfig(t), src, nil, nil)

	_, err := ctrl.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if got := ctrl.Status().State; got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestRetryBudget_TransitionsToFailed(t *testing.T) {
	src := camera.NewMockSource(camera.WithReadHook(func(n int) error {
		return errors.New("device disconnected")
	}))
	cfg := testConfig(t)
	cfg.RetryBudget = 3
	ctrl := New(cfg, src, nil, nil)

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForState(t, ctrl, StateFailed)

	snap := ctrl.Stats()
	if snap.LastError == "" {
		t.Fatal("LastError empty after failure")
	}
	if src.IsOpen() {
		t.Fatal("device still open after fatal failure")
	}

	// Stop resets Failed to Stopped.
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := ctrl.Status().State; got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestFatalFailure_EndsConsumerStream(t *testing.T) {
	fail := make(chan struct{})
	src := camera.NewMockSource(
		camera.WithFrameInterval(time.Millisecond),
		camera.WithReadHook(func(n int) error {
			select {
			case <-fail:
				return errors.New("device disconnected")
			default:
				return nil
			}
		}),
	)
	cfg := testConfig(t)
	cfg.RetryBudget = 2
	ctrl := New(cfg, src, nil, nil)
	defer ctrl.Stop()

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub, err := ctrl.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	// Consume one healthy frame, then break the device.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	close(fail)

	// The blocked consumer must see end-of-stream, not hang.
	for {
		f, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				t.Fatal("consumer hung past the fatal failure")
			}
			break // end-of-stream
		}
		_ = f
	}
	waitForState(t, ctrl, StateFailed)
}

func TestCaptureStill_NoFrame(t *testing.T) {
	src := camera.NewMockSource()
	ctrl := New(testConfig(t), src, nil, nil)

	if _, err := ctrl.CaptureStill(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("err = %v, want ErrNoFrame", err)
	}
}

func TestCaptureStill_BeforeFirstFrame(t *testing.T) {
	// Reads fail (but stay under budget) so nothing is published.
	src := camera.NewMockSource(camera.WithReadHook(func(n int) error {
		return errors.New("warming up")
	}))
	cfg := testConfig(t)
	cfg.RetryBudget = 100000
	cfg.RetryDelay = time.Millisecond
	ctrl := New(cfg, src, nil, nil)
	defer ctrl.Stop()

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := ctrl.CaptureStill(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("err = %v, want ErrNoFrame", err)
	}
}

func TestCaptureStill_WritesFile(t *testing.T) {
	src := camera.NewMockSource(camera.WithFrameInterval(time.Millisecond))
	cfg := testConfig(t)
	ctrl := New(cfg, src, nil, nil)
	defer ctrl.Stop()

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextFrame(t, ctrl)

	still, err := ctrl.CaptureStill()
	if err != nil {
		t.Fatalf("CaptureStill: %v", err)
	}
	if !strings.HasPrefix(still.ID, "capture_") {
		t.Fatalf("ID = %q", still.ID)
	}
	if still.Stats.FrameCount == 0 {
		t.Fatal("still carries empty stats snapshot")
	}

	data, err := os.ReadFile(still.Path)
	if err != nil {
		t.Fatalf("read still: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("still file is empty")
	}

	names, err := ctrl.ListStills()
	if err != nil {
		t.Fatalf("ListStills: %v", err)
	}
	if len(names) != 1 || names[0] != filepath.Base(still.Path) {
		t.Fatalf("ListStills = %v", names)
	}
}

func TestCaptureStill_PersistError(t *testing.T) {
	src := camera.NewMockSource(camera.WithFrameInterval(time.Millisecond))
	cfg := testConfig(t)
	// A file where the output directory should be makes MkdirAll fail.
	blocker := filepath.Join(cfg.OutputDir, "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.OutputDir = blocker
	ctrl := New(cfg, src, nil, nil)
	defer ctrl.Stop()

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextFrame(t, ctrl)

	if _, err := ctrl.CaptureStill(); !errors.Is(err, ErrPersist) {
		t.Fatalf("err = %v, want ErrPersist", err)
	}
	// The loop must be unaffected.
	if got := ctrl.Status().State; got != StateRunning {
		t.Fatalf("state = %s after persist error, want running", got)
	}
}

func TestStats_CountsProducedFrames(t *testing.T) {
	src := camera.NewMockSource(camera.WithFrameInterval(time.Millisecond))
	ctrl := New(testConfig(t), src, nil, nil)
	defer ctrl.Stop()

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub, err := ctrl.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var last camera.Frame
	for last.Seq < 10 {
		f, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		last = f
	}

	snap := ctrl.Stats()
	if snap.FrameCount < 10 {
		t.Fatalf("FrameCount = %d, want >= 10", snap.FrameCount)
	}
	if snap.FPSAverage <= 0 {
		t.Fatalf("FPSAverage = %.2f, want > 0", snap.FPSAverage)
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stats survive the stop for post-mortem queries.
	if got := ctrl.Stats().FrameCount; got < snap.FrameCount {
		t.Fatalf("FrameCount shrank after stop: %d -> %d", snap.FrameCount, got)
	}
}

func TestAnnotation_FailureFallsThroughToRaw(t *testing.T) {
	// Slow the source down so the annotator sees every frame.
	src := camera.NewMockSource(camera.WithFrameInterval(20 * time.Millisecond))
	ann := &scriptedAnnotator{failSeq: map[uint64]bool{2: true}}
	ctrl := New(testConfig(t), src, ann, nil)
	defer ctrl.Stop()

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub, err := ctrl.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sawPastFailure := false
	for !sawPastFailure {
		f, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		switch {
		case f.Seq == 2:
			// The failed frame falls through raw, without detections.
			if len(f.Detections) != 0 {
				t.Fatalf("frame 2 has detections despite annotation failure")
			}
		case f.Seq >= 3:
			// Capture continued past the failure, annotated again.
			if len(f.Detections) == 0 {
				t.Fatalf("frame %d missing detections", f.Seq)
			}
			sawPastFailure = true
		}
	}
}

func TestSubscribe_NotRunning(t *testing.T) {
	src := camera.NewMockSource(camera.WithFrameInterval(time.Millisecond))
	ctrl := New(testConfig(t), src, nil, nil)

	if _, err := ctrl.Subscribe(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := ctrl.Subscribe(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err after stop = %v, want ErrNotRunning", err)
	}
}

func TestStateChangeNotifications(t *testing.T) {
	src := camera.NewMockSource(camera.WithFrameInterval(time.Millisecond))
	ctrl := New(testConfig(t), src, nil, nil)

	var mu sync.Mutex
	var states []State
	ctrl.OnStateChange = func(sess Session) {
		mu.Lock()
		states = append(states, sess.State)
		mu.Unlock()
	}

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestSetCameraConfig_AppliesOnNextStart(t *testing.T) {
	src := camera.NewMockSource(camera.WithFrameInterval(time.Millisecond))
	ctrl := New(testConfig(t), src, nil, nil)

	updated := camera.Config{Device: 0, Width: 1280, Height: 720, Framerate: 30, Quality: 85}
	ctrl.SetCameraConfig(updated)

	if got := ctrl.Status().Config; got != updated {
		t.Fatalf("stopped session config = %+v, want %+v", got, updated)
	}

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	if got := ctrl.Status().Config; got != updated {
		t.Fatalf("running session config = %+v, want %+v", got, updated)
	}
	if got := src.OpenedConfig(); got != updated {
		t.Fatalf("device opened with %+v, want %+v", got, updated)
	}
}

func TestSetCameraConfig_RunningSessionKeepsConfig(t *testing.T) {
	src := camera.NewMockSource(camera.WithFrameInterval(time.Millisecond))
	cfg := testConfig(t)
	ctrl := New(cfg, src, nil, nil)

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	ctrl.SetCameraConfig(camera.Config{Device: 1, Width: 1920, Height: 1080, Framerate: 15, Quality: 90})

	if got := ctrl.Status().Config; got != cfg.Camera {
		t.Fatalf("running session config = %+v, want the one it started with %+v", got, cfg.Camera)
	}
	if got := src.OpenedConfig(); got != cfg.Camera {
		t.Fatalf("device config = %+v, want %+v", got, cfg.Camera)
	}
}

func TestTransientError_ClearedOnRecovery(t *testing.T) {
	src := camera.NewMockSource(camera.WithReadHook(func(n int) error {
		if n <= 2 {
			return errors.New("frame dropped")
		}
		return nil
	}))
	ctrl := New(testConfig(t), src, nil, nil)

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	nextFrame(t, ctrl)

	if got := ctrl.Stats().LastError; got != "" {
		t.Fatalf("LastError = %q after recovery, want empty", got)
	}
}

func TestFatalFailure_ReleasesSessionContext(t *testing.T) {
	// Reads block until the cancel wrapper below is in place, so the
	// failure cannot outrun the test setup.
	ready := make(chan struct{})
	src := camera.NewMockSource(camera.WithReadHook(func(n int) error {
		<-ready
		return errors.New("device disconnected")
	}))
	cfg := testConfig(t)
	cfg.RetryBudget = 2
	ctrl := New(cfg, src, nil, nil)

	if _, err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var cancels atomic.Int32
	ctrl.mu.Lock()
	orig := ctrl.cancel
	ctrl.cancel = func() {
		cancels.Add(1)
		orig()
	}
	ctrl.mu.Unlock()
	close(ready)

	waitForState(t, ctrl, StateFailed)

	deadline := time.Now().Add(2 * time.Second)
	for cancels.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cancels.Load() == 0 {
		t.Fatal("session context not cancelled after fatal failure")
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := ctrl.Status().State; got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}
