// Package buffer provides the event buffer shared by every capture producer.
//
// The buffer is a bounded multi-producer/single-consumer FIFO ordered by arrival.
// When it is full, advisory quality entries are evicted oldest-first; every other
// entry kind is never dropped and its producer blocks until the consumer frees space.
package buffer

import (
	"context"
	"fmt"
	"sync"

	"adalog/internal/metrics"
	"adalog/internal/models"
)

// Stats is a snapshot of buffer counters
type Stats struct {
	Capacity int    `json:"capacity"`
	Depth    int    `json:"depth"`
	Pushed   uint64 `json:"pushed"`
	Drained  uint64 `json:"drained"`
	Dropped  uint64 `json:"dropped"` // Quality entries evicted or rejected
	Blocked  uint64 `json:"blocked"` // Pushes that had to wait for space
}

// Option configures an EventBuffer
type Option func(*EventBuffer)

// WithMetrics mirrors buffer counters into Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *EventBuffer) {
		b.metrics = m
	}
}

// EventBuffer is the single synchronization point between producers and the drain loop
type EventBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []models.Entry
	capacity int
	closed   bool
	stats    Stats
	metrics  *metrics.Metrics
}

// New creates an event buffer holding at most capacity entries
func New(capacity int, opts ...Option) *EventBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	b := &EventBuffer{
		items:    make([]models.Entry, 0, capacity),
		capacity: capacity,
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.stats.Capacity = capacity
	return b
}

// Push enqueues an entry.
//
// When the buffer is full the oldest queued quality entry is evicted to make room.
// A quality entry arriving at a buffer with no quality entries left to evict is dropped.
// Any other entry blocks until the consumer frees space, ctx is done or the buffer closes.
func (b *EventBuffer) Push(ctx context.Context, e models.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("buffer.Push: %w", models.ErrBufferClosed)
	}

	waited := false
	var stopWake func() bool
	defer func() {
		if stopWake != nil {
			stopWake()
		}
	}()

	for len(b.items) >= b.capacity {
		if b.evictOldestDroppable() {
			break
		}
		if e.Droppable() {
			b.recordDrop(e)
			return nil
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("buffer.Push: %w", err)
		}
		if stopWake == nil {
			// Cond.Wait cannot select on ctx, so cancellation broadcasts to wake us
			stopWake = context.AfterFunc(ctx, func() {
				b.mu.Lock()
				b.notFull.Broadcast()
				b.mu.Unlock()
			})
		}
		if !waited {
			waited = true
			b.stats.Blocked++
		}

		b.notFull.Wait()

		if b.closed {
			return fmt.Errorf("buffer.Push: %w", models.ErrBufferClosed)
		}
	}

	b.items = append(b.items, e)
	b.stats.Pushed++
	b.metrics.Pushed(e.Kind.String())
	b.metrics.Depth(len(b.items))
	b.notEmpty.Signal()
	return nil
}

// Next removes and returns the oldest entry, blocking while the buffer is empty.
// Entries queued before Close are still returned; afterwards Next reports ErrBufferClosed.
func (b *EventBuffer) Next() (models.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) == 0 {
		if b.closed {
			return models.Entry{}, fmt.Errorf("buffer.Next: %w", models.ErrBufferClosed)
		}
		b.notEmpty.Wait()
	}

	e := b.items[0]
	b.items[0] = models.Entry{}
	b.items = b.items[1:]
	if len(b.items) == 0 {
		// Reset so the slice does not creep through its backing array
		b.items = make([]models.Entry, 0, b.capacity)
	}

	b.stats.Drained++
	b.metrics.Depth(len(b.items))
	b.notFull.Signal()
	return e, nil
}

// Close wakes every waiting producer and consumer. It is idempotent.
func (b *EventBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Len returns the number of queued entries
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Stats returns a snapshot of the buffer counters
func (b *EventBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Depth = len(b.items)
	return s
}

// evictOldestDroppable removes the oldest droppable entry. Caller holds mu.
func (b *EventBuffer) evictOldestDroppable() bool {
	for i, item := range b.items {
		if !item.Droppable() {
			continue
		}
		copy(b.items[i:], b.items[i+1:])
		b.items[len(b.items)-1] = models.Entry{}
		b.items = b.items[:len(b.items)-1]
		b.recordDrop(item)
		return true
	}
	return false
}

func (b *EventBuffer) recordDrop(e models.Entry) {
	b.stats.Dropped++
	b.metrics.Dropped(e.Kind.String())
}
