package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a fake camera for testing. It produces synthetic
// frames at a configurable interval and can be scripted to fail on
// open or on specific reads.
type MockSource struct {
	mu     sync.Mutex
	open   bool
	cfg    Config
	reads  int
	closed bool

	interval time.Duration
	openErr  error
	readHook func(n int) error

	// OpenCalls counts successful Open invocations that are still
	// outstanding (incremented on Open, decremented on Close). Tests
	// assert it never exceeds 1.
	OpenCalls atomic.Int32

	// TotalOpens counts all Open attempts, successful or not.
	TotalOpens atomic.Int32
}

// MockOption configures a MockSource.
type MockOption func(*MockSource)

// WithFrameInterval sets the synthetic frame rate. Zero means frames
// are produced as fast as the caller reads them.
func WithFrameInterval(d time.Duration) MockOption {
	return func(m *MockSource) { m.interval = d }
}

// WithOpenError makes Open fail with err.
func WithOpenError(err error) MockOption {
	return func(m *MockSource) { m.openErr = err }
}

// WithReadHook installs a hook called before each read with the
// 1-based read number. A non-nil return fails that read.
func WithReadHook(hook func(n int) error) MockOption {
	return func(m *MockSource) { m.readHook = hook }
}

// NewMockSource creates a new mock camera source.
func NewMockSource(opts ...MockOption) *MockSource {
	m := &MockSource{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open acquires the fake device.
func (m *MockSource) Open(ctx context.Context, cfg Config) error {
	m.TotalOpens.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return m.openErr
	}
	m.open = true
	m.cfg = cfg
	m.reads = 0
	m.OpenCalls.Add(1)
	return nil
}

// Read produces the next synthetic frame. The JPEG payload is a
// minimal stub carrying the SOI marker so consumers that sniff for
// JPEG magic behave as with real frames.
func (m *MockSource) Read(ctx context.Context) (Frame, error) {
	m.mu.Lock()
	interval := m.interval
	hook := m.readHook
	m.reads++
	n := m.reads
	m.mu.Unlock()

	if interval > 0 {
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	if hook != nil {
		if err := hook(n); err != nil {
			return Frame{}, err
		}
	}

	return Frame{
		Width:  m.cfg.Width,
		Height: m.cfg.Height,
		JPEG:   []byte{0xFF, 0xD8, byte(n >> 8), byte(n), 0xFF, 0xD9},
	}, nil
}

// Name returns the backend name.
func (m *MockSource) Name() string { return "mock" }

// Close releases the fake device.
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		m.open = false
		m.OpenCalls.Add(-1)
	}
	m.closed = true
	return nil
}

// OpenedConfig returns the config the fake device was last opened
// with.
func (m *MockSource) OpenedConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// IsOpen reports whether the fake device is currently open.
func (m *MockSource) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}
