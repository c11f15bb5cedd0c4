// Package pool implements the backend selector: BackendPool's wait-free
// round robin over a dynamic healthy set, connection-limit admission via
// compare-and-swap, and the ConnectionGuard RAII-style release (spec.md
// §4.4, grounded on the slot semaphore in ws/internal/multi/shard.go and
// the least-connections selection in ws/internal/multi/loadbalancer.go).
package pool

import (
	"sync/atomic"
)

// Backend is an immutable address plus mutable health bit and active
// connection counter. Identity is the address string; a Backend struct
// is created once per listed address and kept alive by any outstanding
// reference (map entry, healthy snapshot, or live ConnectionGuard) even
// after a config reload retires it from the pool (spec.md §3).
type Backend struct {
	Address string

	healthy int32 // atomic bool: 1 = healthy
	active  int64 // atomic: current in-flight sessions using this backend
}

func newBackend(address string) *Backend {
	return &Backend{Address: address}
}

// Healthy reports the backend's current health bit.
func (b *Backend) Healthy() bool {
	return atomic.LoadInt32(&b.healthy) == 1
}

func (b *Backend) setHealthy(v bool) (changed bool) {
	var want int32
	if v {
		want = 1
	}
	old := atomic.SwapInt32(&b.healthy, want)
	return old != want
}

// Active returns the current active-connection count, monotonic
// non-negative per spec.md §3.
func (b *Backend) Active() int64 {
	return atomic.LoadInt64(&b.active)
}

// tryAcquire attempts to increment active under limit (0 = unlimited)
// using a CAS loop, returning whether the slot was granted.
func (b *Backend) tryAcquire(limit int) bool {
	for {
		cur := atomic.LoadInt64(&b.active)
		if limit > 0 && cur >= int64(limit) {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.active, cur, cur+1) {
			return true
		}
	}
}

func (b *Backend) release() {
	for {
		cur := atomic.LoadInt64(&b.active)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&b.active, cur, cur-1) {
			return
		}
	}
}

// ConnectionGuard expresses "increment on acquire, decrement on any
// exit path" (spec.md §4.4, §9). Release is idempotent and safe to call
// from a deferred scope-exit regardless of how the pipeline terminated.
type ConnectionGuard struct {
	backend  *Backend
	released int32
}

// Backend returns the backend this guard admits traffic to.
func (g *ConnectionGuard) Backend() *Backend {
	return g.backend
}

// Release decrements the owning backend's active counter exactly once.
func (g *ConnectionGuard) Release() {
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		g.backend.release()
	}
}
