package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Wait once the queue has been closed
var ErrQueueClosed = errors.New("frame queue closed")

// QueueConfig configures a FrameQueue
type QueueConfig struct {
	MaxDepth   int               // frames held before the oldest is dropped
	MaxAge     time.Duration     // frames older than this are never delivered
	Now        func() time.Time  // clock, defaults to time.Now
	OnOverflow func(dropped int) // metrics hook, must not block
}

// FrameQueue is a thread-safe fixed-capacity ring of audio frames for one call
// and one direction. When full, the oldest frame is dropped in favour of the
// newest: stale audio is worse than a gap.
type FrameQueue struct {
	mu     sync.Mutex
	frames []Frame
	head   int
	count  int

	maxAge     time.Duration
	now        func() time.Time
	onOverflow func(int)

	signal chan struct{}
	closed bool
}

// NewFrameQueue creates a frame queue with the given limits
func NewFrameQueue(cfg QueueConfig) *FrameQueue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 150
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FrameQueue{
		frames:     make([]Frame, cfg.MaxDepth),
		maxAge:     cfg.MaxAge,
		now:        cfg.Now,
		onOverflow: cfg.OnOverflow,
		signal:     make(chan struct{}, 1),
	}
}

// Push appends a frame. It returns false when the queue is closed or the frame
// is already older than the maximum age. Overflow drops the oldest frames and
// reports them through OnOverflow; Push never blocks.
func (q *FrameQueue) Push(frame Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	now := q.now()
	if frame.Timestamp.IsZero() {
		frame.Timestamp = now
	}
	if q.isStale(frame, now) {
		q.mu.Unlock()
		return false
	}

	dropped := 0
	if q.count == len(q.frames) {
		q.dropHeadLocked()
		dropped++
	}

	q.frames[(q.head+q.count)%len(q.frames)] = frame
	q.count++
	q.notifyLocked()
	q.mu.Unlock()

	if dropped > 0 && q.onOverflow != nil {
		q.onOverflow(dropped)
	}
	return true
}

// Pop removes and returns the oldest deliverable frame, discarding any frames
// that aged out while queued
func (q *FrameQueue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for q.count > 0 {
		frame := q.frames[q.head]
		q.dropHeadLocked()
		if q.isStale(frame, now) {
			continue
		}
		q.notifyLocked()
		return frame, true
	}
	return Frame{}, false
}

// PurgeStale drops every frame older than the maximum age and returns how many
func (q *FrameQueue) PurgeStale() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxAge <= 0 {
		return 0
	}

	now := q.now()
	purged := 0
	for q.count > 0 && q.isStale(q.frames[q.head], now) {
		q.dropHeadLocked()
		purged++
	}
	if purged > 0 {
		q.notifyLocked()
	}
	return purged
}

// Clear drops all queued frames and returns how many were discarded
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for q.count > 0 {
		q.dropHeadLocked()
	}
	q.head = 0
	if n > 0 {
		q.notifyLocked()
	}
	return n
}

// Len returns the number of queued frames
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Close drops all frames and rejects further pushes; waiters are released
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	for q.count > 0 {
		q.dropHeadLocked()
	}
	q.closed = true
	close(q.signal)
}

// Wait blocks until the queue changes (push, pop, clear or purge), the
// context ends, or the queue is closed
func (q *FrameQueue) Wait(ctx context.Context) error {
	select {
	case _, ok := <-q.signal:
		if !ok {
			return ErrQueueClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *FrameQueue) isStale(frame Frame, now time.Time) bool {
	return q.maxAge > 0 && frame.Age(now) > q.maxAge
}

func (q *FrameQueue) dropHeadLocked() {
	q.frames[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.frames)
	q.count--
}

func (q *FrameQueue) notifyLocked() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
