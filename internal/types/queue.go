package types

import "sync"

// Queue is a thread-safe unbounded FIFO queue.
// Producers never block, consumers are woken through the channel returned by [Queue.Ready].
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
	once  sync.Once
}

func (q *Queue[T]) init() {
	q.once.Do(func() { q.ready = make(chan struct{}, 1) })
}

// Push appends the item to the tail of the queue.
func (q *Queue[T]) Push(item T) {
	q.init()

	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head of the queue.
// The second return value is false when the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Drain returns all queued items in FIFO order and empties the queue.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready returns a channel signalled after items were pushed.
// A single signal may cover several pushes.
func (q *Queue[T]) Ready() <-chan struct{} {
	q.init()
	return q.ready
}
