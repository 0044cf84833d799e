// Package event is a small observer registry. Subscribing returns an
// unsubscribe handle, and firing works on a snapshot of the current
// listeners so a listener may remove itself while being called.
package event

import "sync"

type entry[F any] struct {
	id uint64
	fn F
}

// Registry holds listeners of type F. The zero value is ready to use.
type Registry[F any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[F]
}

// Subscribe adds fn and returns a handle that removes it. Calling the
// handle more than once is harmless.
func (r *Registry[F]) Subscribe(fn F) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, entry[F]{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.entries {
			if e.id == id {
				r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns the listeners registered right now, in subscription order.
func (r *Registry[F]) Snapshot() []F {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]F, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}

// Len returns the number of listeners.
func (r *Registry[F]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dispose removes every listener.
func (r *Registry[F]) Dispose() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Emitter is a Registry of plain value listeners.
type Emitter[T any] struct {
	Registry[func(T)]
}

// Fire calls every listener with v.
func (e *Emitter[T]) Fire(v T) {
	for _, fn := range e.Snapshot() {
		fn(v)
	}
}
