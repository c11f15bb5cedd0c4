package pool

import (
	"sync"
	"sync/atomic"
)

// BackendPool holds the per-rule backend set: an atomically-swapped
// immutable healthy snapshot, a monotonically advancing round-robin
// cursor, and the configured per-backend connection cap (spec.md §3,
// §4.4).
//
// Readers (Pick) are wait-free: they load the current snapshot pointer
// once and never block on the writer (HealthChecker/Supervisor). The
// healthy list is always replaced atomically — readers observe either
// the old or the new list in full, never a torn mix.
type BackendPool struct {
	mu        sync.Mutex // guards `all`, `addresses`, and snapshot rebuilds; never held by Pick
	all       map[string]*Backend
	addresses []string // last UpdateBackends argument, weight repetition intact

	snapshot atomic.Pointer[[]*Backend] // the healthy, weight-expanded list
	cursor   uint64                     // atomic round-robin counter

	maxConnsPerBackend int
}

// NewBackendPool creates an empty pool with the given per-backend
// connection limit (0 = unlimited). Populate it with UpdateBackends.
func NewBackendPool(maxConnsPerBackend int) *BackendPool {
	p := &BackendPool{
		all:                make(map[string]*Backend),
		maxConnsPerBackend: maxConnsPerBackend,
	}
	empty := []*Backend{}
	p.snapshot.Store(&empty)
	return p
}

// Pick selects the next healthy backend with spare capacity, advancing
// the round-robin cursor and returning a ConnectionGuard the caller must
// Release when the session ends. Returns ok=false when the healthy set
// is empty or every backend is at its connection cap (spec.md §4.4).
func (p *BackendPool) Pick() (*Backend, *ConnectionGuard, bool) {
	snap := *p.snapshot.Load()
	n := len(snap)
	if n == 0 {
		return nil, nil, false
	}

	start := atomic.AddUint64(&p.cursor, 1)
	for i := 0; i < n; i++ {
		idx := int((start + uint64(i)) % uint64(n))
		b := snap[idx]
		if b.tryAcquire(p.maxConnsPerBackend) {
			return b, &ConnectionGuard{backend: b}, true
		}
	}
	return nil, nil, false
}

// UpdateBackends reconciles the pool's address list. New addresses
// start unhealthy until the next probe confirms them; addresses no
// longer listed are dropped from future snapshots, but any Backend
// struct referenced by a live ConnectionGuard stays alive independent
// of this map (ordinary Go GC, not an explicit refcount) — spec.md §3,
// §4.4, §5 ("removing a backend does NOT interrupt in-flight
// sessions").
//
// Weight is encoded by repetition: passing the same address N times in
// addresses makes it appear N times in the expanded round-robin
// snapshot once healthy.
func (p *BackendPool) UpdateBackends(addresses []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*Backend, len(addresses))
	for _, addr := range addresses {
		if b, ok := p.all[addr]; ok {
			next[addr] = b
		} else {
			next[addr] = newBackend(addr)
		}
	}
	p.all = next
	p.addresses = append([]string(nil), addresses...)

	p.rebuildSnapshotLocked(p.addresses)
}

// SetHealth updates the named backend's health bit. If the bit actually
// changed, the healthy snapshot is rebuilt and atomically swapped so
// that no subsequent Pick returns an address that was just marked
// unhealthy (spec.md §4.4, testable property 6). In-flight guards
// already bound to that backend are unaffected.
func (p *BackendPool) SetHealth(address string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.all[address]
	if !ok {
		return
	}
	if !b.setHealthy(healthy) {
		return
	}

	p.rebuildSnapshotLocked(p.addresses)
}

// rebuildSnapshotLocked must be called with p.mu held. It expands the
// configured address list (repetition == weight) filtered to currently
// healthy backends, and atomically swaps the snapshot pointer.
func (p *BackendPool) rebuildSnapshotLocked(addresses []string) {
	healthy := make([]*Backend, 0, len(addresses))
	for _, addr := range addresses {
		b, ok := p.all[addr]
		if ok && b.Healthy() {
			healthy = append(healthy, b)
		}
	}
	p.snapshot.Store(&healthy)
}

// Backends returns every backend this pool currently tracks (healthy or
// not), for the health checker's probe loop and the admin debug
// endpoint.
func (p *BackendPool) Backends() []*Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Backend, 0, len(p.all))
	for _, b := range p.all {
		out = append(out, b)
	}
	return out
}

// MaxConnsPerBackend returns the configured admission cap (0 = unlimited).
func (p *BackendPool) MaxConnsPerBackend() int {
	return p.maxConnsPerBackend
}

// SetMaxConnsPerBackend updates the admission cap in place, used by
// hot-reload when a rule's backend_connection_limit changes.
func (p *BackendPool) SetMaxConnsPerBackend(limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnsPerBackend = limit
}
