// Package pathstate attaches private state records to execution paths.
//
// Each component that keeps per-path state owns one Map. A record is
// created lazily the first time the component observes a path, deep
// copied when the path forks, and deleted when the path terminates.
// Records are never shared between a parent and its children.
package pathstate

import (
	"sync"

	"gitlab.com/stephen-fox/expgen/engine"
)

// Cloner is implemented by per-path state records. Clone must return
// a deep copy.
type Cloner[T any] interface {
	Clone() T
}

// New creates a Map whose records are created by factory.
func New[T Cloner[T]](factory func() T) *Map[T] {
	return &Map[T]{
		factory: factory,
		states:  make(map[engine.PathID]T),
	}
}

// Map holds one record per path.
//
// The mutex only protects the map structure. A record is owned by the
// path it belongs to and must only be touched from callbacks
// attributable to that path.
type Map[T Cloner[T]] struct {
	factory func() T
	mu      sync.Mutex
	states  map[engine.PathID]T
}

// Get returns the record of the specified path, creating it if needed.
func (o *Map[T]) Get(id engine.PathID) T {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, hasIt := o.states[id]
	if !hasIt {
		state = o.factory()
		o.states[id] = state
	}

	return state
}

// Lookup returns the record of the specified path without creating one.
func (o *Map[T]) Lookup(id engine.PathID) (T, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, hasIt := o.states[id]
	return state, hasIt
}

// Fork stores a clone of the parent's record for the child. If the
// parent has no record yet, the child gets a fresh one.
func (o *Map[T]) Fork(parent engine.PathID, child engine.PathID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, hasIt := o.states[parent]
	if !hasIt {
		state = o.factory()
		o.states[parent] = state
	}

	o.states[child] = state.Clone()
}

// Delete drops the record of a terminated path.
func (o *Map[T]) Delete(id engine.PathID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.states, id)
}

// Len returns the number of tracked paths.
func (o *Map[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.states)
}
