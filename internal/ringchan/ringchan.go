// Package ringchan provides a bounded channel with overwrite-oldest semantics.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer that never blocks producers: when the
// buffer is full the oldest element is discarded.
//
//	rc := ringchan.New[session.Status](8)
//	rc.Send(st)
//	for st := range rc.C() {
//	    fmt.Println(st)
//	}
//
// Unlike a plain channel, Send after Close is a no-op rather than a panic, so
// producers may race with the consumer going away.
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. It is closed by Close.
//
// Reads from C bypass the Processed metric.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was dropped. Send on a closed RingChannel
// drops v and reports false.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.metrics.addWritten()
			return dropped
		default:
		}

		// Consumers may drain concurrently, so the drop is best effort and the
		// loop retries the insert.
		select {
		case <-rc.ch:
			rc.metrics.addOverwritten()
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		rc.metrics.addWritten()
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.addProcessed()
	}
	return
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.addProcessed()
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Buffered elements remain readable. Safe to
// call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics counts RingChannel traffic. Fields are updated atomically.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}

func (m *Metrics) addProcessed() {
	atomic.AddInt64(&m.Processed, 1)
}

func (m *Metrics) addWritten() {
	atomic.AddInt64(&m.Written, 1)
}

func (m *Metrics) addOverwritten() {
	atomic.AddInt64(&m.Overwritten, 1)
}
