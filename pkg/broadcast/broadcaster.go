// Package broadcast distributes the most recent camera frame to any
// number of independent consumers.
//
// The broadcaster holds exactly one frame. Publish replaces it and
// never blocks, regardless of how many consumers are attached or how
// slow they are; a consumer that falls behind skips frames rather than
// queueing them. Each subscriber tracks its own last-seen sequence
// number, so every consumer observes a strictly increasing
// subsequence of the published frames.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/camwatch/go-camwatch/pkg/camera"
)

// ErrClosed is returned by Next and Current after Close. It is the
// end-of-stream signal consumers see when capture stops or fails.
var ErrClosed = errors.New("broadcast: closed")

// Broadcaster is a single-slot, multi-reader frame distribution point.
// The zero value is not usable; call New.
type Broadcaster struct {
	mu   sync.Mutex
	cond *sync.Cond

	frame    camera.Frame
	hasFrame bool
	closed   bool
	subs     int
}

// New creates an open broadcaster with no current frame.
func New() *Broadcaster {
	b := &Broadcaster{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish replaces the current frame and wakes blocked subscribers.
// It never blocks and never fails; publishing to a closed broadcaster
// is a no-op.
func (b *Broadcaster) Publish(f camera.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.frame = f
	b.hasFrame = true
	b.cond.Broadcast()
}

// Current returns the most recently published frame, if any.
func (b *Broadcaster) Current() (camera.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return camera.Frame{}, ErrClosed
	}
	if !b.hasFrame {
		return camera.Frame{}, errors.New("broadcast: no frame available")
	}
	return b.frame, nil
}

// Subscribe registers a new consumer. The subscriber's first Next
// returns the current frame if one exists, otherwise it blocks for
// the next publish.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs++
	return &Subscriber{b: b}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Close wakes all blocked subscribers with ErrClosed. Idempotent.
// A closed broadcaster drops published frames; create a new one for
// the next capture session.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.hasFrame = false
	b.frame = camera.Frame{}
	b.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (b *Broadcaster) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscriber is one consumer's handle onto the broadcaster.
// A Subscriber is not safe for concurrent use; each consumer
// goroutine owns its own.
type Subscriber struct {
	b       *Broadcaster
	lastSeq uint64
	seen    bool
	done    bool
}

// Next blocks until a frame with a sequence number greater than the
// last one this subscriber saw is available, then returns it. It
// returns ErrClosed when the broadcaster shuts down and ctx.Err()
// when the context is cancelled, so a consumer never hangs past its
// deadline.
func (s *Subscriber) Next(ctx context.Context) (camera.Frame, error) {
	if s.done {
		return camera.Frame{}, ErrClosed
	}

	b := s.b

	// Wake the cond wait if the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.closed {
			return camera.Frame{}, ErrClosed
		}
		if b.hasFrame && (!s.seen || b.frame.Seq > s.lastSeq) {
			s.lastSeq = b.frame.Seq
			s.seen = true
			return b.frame, nil
		}
		if err := ctx.Err(); err != nil {
			return camera.Frame{}, err
		}
		b.cond.Wait()
	}
}

// Unsubscribe releases the handle. Further Next calls return
// ErrClosed. Idempotent.
func (s *Subscriber) Unsubscribe() {
	if s.done {
		return
	}
	s.done = true

	s.b.mu.Lock()
	s.b.subs--
	s.b.mu.Unlock()
}
