// Package registry provides a small per-connection-handle lookup table.
// The original implementation kept rrsp/rreq per-connection state in
// fixed file-scope arrays indexed by a connection slot; that doesn't fit a
// connection handle space that is sparse and externally assigned, so this
// generalizes the teacher's fixed tagStates/tagMutexes slice (indexed by a
// small dense tag) into a map keyed by gatt.ConnHandle, guarded by one
// RWMutex the way the teacher guards the pool's global state.
package registry

import (
	"sync"

	"github.com/sem1-nordic/go-ras/internal/gatt"
)

// Registry maps connection handles to per-connection state of type T.
type Registry[T any] struct {
	mu    sync.RWMutex
	byConn map[gatt.ConnHandle]T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{byConn: make(map[gatt.ConnHandle]T)}
}

// Put installs (or replaces) the context for a connection.
func (r *Registry[T]) Put(conn gatt.ConnHandle, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[conn] = v
}

// Get returns the context for a connection and whether it was present.
func (r *Registry[T]) Get(conn gatt.ConnHandle) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byConn[conn]
	return v, ok
}

// Delete removes a connection's context, e.g. on disconnect.
func (r *Registry[T]) Delete(conn gatt.ConnHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, conn)
}

// Len returns the number of tracked connections.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Each calls fn for every tracked connection. fn must not call back into
// the registry (Put/Delete) from within the iteration.
func (r *Registry[T]) Each(fn func(gatt.ConnHandle, T)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for conn, v := range r.byConn {
		fn(conn, v)
	}
}
