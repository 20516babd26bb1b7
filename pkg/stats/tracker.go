// Package stats tracks capture pipeline throughput: frame counts,
// trailing and lifetime FPS, skipped frames and the last error.
//
// The tracker is a pure bookkeeping sink. Record is called once per
// produced frame from the capture loop; snapshots are taken from any
// goroutine. Nothing here blocks and nothing fails.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// window is the trailing interval over which FPSCurrent is computed.
const window = time.Second

// Snapshot is a consistent point-in-time copy of the tracker state.
type Snapshot struct {
	FrameCount    uint64  `json:"frame_count"`
	FramesSkipped uint64  `json:"frames_skipped"`
	FPSCurrent    float64 `json:"fps_current"`
	FPSAverage    float64 `json:"fps_average"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	LastError     string  `json:"last_error,omitempty"`
}

// Tracker accumulates per-session capture statistics.
type Tracker struct {
	frameCount atomic.Uint64
	skipped    atomic.Uint64

	mu        sync.Mutex
	startedAt time.Time
	endedAt   time.Time   // zero while the session is live
	recent    []time.Time // frame times inside the trailing window
	lastErr   string

	// now is swappable for tests.
	now func() time.Time
}

// New creates a tracker. The session clock starts at Reset.
func New() *Tracker {
	return &Tracker{now: time.Now}
}

// Reset clears all counters and restarts the session clock.
// Called by the capture loop when a session starts.
func (t *Tracker) Reset() {
	t.frameCount.Store(0)
	t.skipped.Store(0)

	t.mu.Lock()
	t.startedAt = t.now()
	t.endedAt = time.Time{}
	t.recent = t.recent[:0]
	t.lastErr = ""
	t.mu.Unlock()
}

// Stop freezes the session clock so post-session snapshots keep
// reporting the final uptime and average instead of drifting.
// Idempotent; a no-op before the first Reset.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.endedAt.IsZero() && !t.startedAt.IsZero() {
		t.endedAt = t.now()
	}
	t.mu.Unlock()
}

// Record notes one produced frame.
func (t *Tracker) Record() {
	t.frameCount.Add(1)

	t.mu.Lock()
	now := t.now()
	t.recent = append(t.recent, now)
	t.prune(now)
	t.mu.Unlock()
}

// RecordSkip notes a frame dropped by the latest-frame-wins policy.
func (t *Tracker) RecordSkip() {
	t.skipped.Add(1)
}

// SetError records the most recent capture error.
func (t *Tracker) SetError(err error) {
	t.mu.Lock()
	if err != nil {
		t.lastErr = err.Error()
	}
	t.mu.Unlock()
}

// ClearError clears the last recorded error.
func (t *Tracker) ClearError() {
	t.mu.Lock()
	t.lastErr = ""
	t.mu.Unlock()
}

// FrameCount returns the monotonic frame counter.
// Safe for lock-free reads from any goroutine.
func (t *Tracker) FrameCount() uint64 {
	return t.frameCount.Load()
}

// Snapshot returns a consistent copy of the current statistics.
// A stalled capture loop decays FPSCurrent to zero because the
// trailing window is pruned at snapshot time, not only on Record.
func (t *Tracker) Snapshot() Snapshot {
	count := t.frameCount.Load()
	skipped := t.skipped.Load()

	t.mu.Lock()
	now := t.now()
	t.prune(now)
	recent := len(t.recent)
	startedAt := t.startedAt
	endedAt := t.endedAt
	lastErr := t.lastErr
	t.mu.Unlock()

	end := now
	if !endedAt.IsZero() {
		end = endedAt
	}
	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = end.Sub(startedAt)
	}

	var avg float64
	if secs := uptime.Seconds(); secs > 0 {
		avg = float64(count) / secs
	}

	return Snapshot{
		FrameCount:    count,
		FramesSkipped: skipped,
		FPSCurrent:    float64(recent) / window.Seconds(),
		FPSAverage:    avg,
		UptimeSeconds: uptime.Seconds(),
		LastError:     lastErr,
	}
}

// prune drops frame times older than the trailing window.
// Caller holds t.mu.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(t.recent) && t.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.recent = append(t.recent[:0], t.recent[i:]...)
	}
}
