// Package notifyq decouples notification callbacks from slow consumers. Payloads are
// pushed into an overlapped ring buffer from the BLE callback goroutine and drained
// by a single consumer; when the consumer falls behind the oldest payloads are lost.
package notifyq

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/nuslink/internal/groutine"
)

// MaxBufferSize guards against accidental misconfiguration.
const MaxBufferSize uint32 = 1 << 16

// Record is one queued payload.
type Record struct {
	Seq  uint64
	At   time.Time
	Data []byte
}

// Metrics is a snapshot of queue counters.
type Metrics struct {
	Pushed      int64
	Delivered   int64
	Overwritten int64
	Errors      int64
}

// Queue is safe for concurrent Push; Drain and Run expect a single consumer.
type Queue struct {
	buffer mpmc.RichOverlappedRingBuffer[Record]
	signal chan struct{}
	seq    atomic.Uint64

	pushed      atomic.Int64
	delivered   atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

// New creates a queue holding up to size records.
func New(size uint32) (*Queue, error) {
	if size == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if size > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", size, MaxBufferSize)
	}

	return &Queue{
		buffer: mpmc.NewOverlappedRingBuffer[Record](size),
		signal: make(chan struct{}, 1),
	}, nil
}

// Push copies data into the queue. It never blocks.
func (q *Queue) Push(data []byte) {
	rec := Record{
		Seq:  q.seq.Add(1),
		At:   time.Now(),
		Data: append([]byte(nil), data...),
	}

	overwrites, err := q.buffer.EnqueueM(rec)
	if err != nil {
		q.errors.Add(1)
		return
	}
	q.overwritten.Add(int64(overwrites))
	q.pushed.Add(1)

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Drain hands every buffered record to consume and returns how many were delivered.
func (q *Queue) Drain(consume func(Record)) int {
	n := 0
	for !q.buffer.IsEmpty() {
		rec, err := q.buffer.Dequeue()
		if err != nil {
			q.errors.Add(1)
			break
		}
		consume(rec)
		n++
	}
	q.delivered.Add(int64(n))
	return n
}

// Run drains the queue whenever records arrive until ctx is done, then drains what is
// left. The returned channel is closed once the consumer has stopped.
func (q *Queue) Run(ctx context.Context, consume func(Record)) <-chan struct{} {
	return groutine.Go(ctx, "notifyq-consumer", func(ctx context.Context) {
		for {
			select {
			case <-q.signal:
				q.Drain(consume)
			case <-ctx.Done():
				q.Drain(consume)
				return
			}
		}
	})
}

// Metrics returns a snapshot of the counters.
func (q *Queue) Metrics() Metrics {
	return Metrics{
		Pushed:      q.pushed.Load(),
		Delivered:   q.delivered.Load(),
		Overwritten: q.overwritten.Load(),
		Errors:      q.errors.Load(),
	}
}
