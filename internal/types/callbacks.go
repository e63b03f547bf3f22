// Package types contains small generic containers used across the engine.
package types

import (
	"container/list"
	"iter"
	"sync"
)

// Callbacks keeps an ordered set of callbacks.
// Every added callback can be removed with the function returned by [Callbacks.Add].
type Callbacks[T any] struct {
	mu     sync.RWMutex
	index  map[uint64]*list.Element
	order  *list.List
	nextID uint64
}

type callbackEntry[T any] struct {
	id uint64
	fn T
}

// Len returns the number of registered callbacks.
func (c *Callbacks[T]) Len() int {
	if c == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Add registers the callback and returns a function removing it.
// The returned function is idempotent.
func (c *Callbacks[T]) Add(fn T) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.index == nil {
		c.index = make(map[uint64]*list.Element)
		c.order = list.New()
	}
	c.index[id] = c.order.PushBack(&callbackEntry[T]{id, fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if el, ok := c.index[id]; ok {
				c.order.Remove(el)
				delete(c.index, id)
			}
			c.mu.Unlock()
		})
	}
}

// Clear removes all callbacks.
func (c *Callbacks[T]) Clear() {
	if c == nil {
		return
	}

	c.mu.Lock()
	c.index = nil
	c.order = nil
	c.mu.Unlock()
}

// All iterates over a snapshot of callbacks in registration order.
// Callbacks may add or remove entries while iterating.
func (c *Callbacks[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if c == nil {
			return
		}

		c.mu.RLock()
		if c.order == nil {
			c.mu.RUnlock()
			return
		}
		snapshot := make([]T, 0, c.order.Len())
		for el := c.order.Front(); el != nil; el = el.Next() {
			snapshot = append(snapshot, el.Value.(*callbackEntry[T]).fn) //nolint:forcetypeassert
		}
		c.mu.RUnlock()

		for _, fn := range snapshot {
			if !yield(fn) {
				return
			}
		}
	}
}
