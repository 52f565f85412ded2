// Package events provides the typed observer registry every component uses
// to publish its named events.
package events

import "sync"

type entry[T any] struct {
	id int
	fn func(T)
}

// Registry is a set of listeners for one event type. Listeners run in
// subscription order on the emitting goroutine. The zero value is ready to use.
type Registry[T any] struct {
	mu        sync.RWMutex
	nextID    int
	listeners []entry[T]
}

// Add registers fn and returns a function that removes it again.
func (r *Registry[T]) Add(fn func(T)) (cancel func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, e := range r.listeners {
				if e.id == id {
					r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers v to a snapshot of the current listeners.
func (r *Registry[T]) Emit(v T) {
	r.mu.RLock()
	handlers := make([]func(T), len(r.listeners))
	for i, e := range r.listeners {
		handlers[i] = e.fn
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
