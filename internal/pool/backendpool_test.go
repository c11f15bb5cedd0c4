package pool

import (
	"sync"
	"testing"
)

func addAndMarkHealthy(p *BackendPool, addresses ...string) {
	p.UpdateBackends(addresses)
	for _, addr := range addresses {
		p.SetHealth(addr, true)
	}
}

func TestBackendPool_PickReturnsFalseWhenEmpty(t *testing.T) {
	p := NewBackendPool(0)
	_, _, ok := p.Pick()
	if ok {
		t.Fatal("expected Pick to fail on an empty pool")
	}
}

func TestBackendPool_NewBackendsStartUnhealthy(t *testing.T) {
	p := NewBackendPool(0)
	p.UpdateBackends([]string{"10.0.0.1:80"})
	_, _, ok := p.Pick()
	if ok {
		t.Fatal("expected a freshly added backend to be excluded until marked healthy")
	}
}

func TestBackendPool_RoundRobinUniformity(t *testing.T) {
	p := NewBackendPool(0)
	addAndMarkHealthy(p, "a:1", "b:1", "c:1")

	counts := map[string]int{}
	const iterations = 300
	for i := 0; i < iterations; i++ {
		b, guard, ok := p.Pick()
		if !ok {
			t.Fatalf("iteration %d: expected a pick", i)
		}
		counts[b.Address]++
		guard.Release()
	}

	for addr, c := range counts {
		if c != iterations/3 {
			t.Errorf("expected %s to be picked exactly %d times, got %d", addr, iterations/3, c)
		}
	}
}

func TestBackendPool_ConnectionLimitEnforced(t *testing.T) {
	p := NewBackendPool(2)
	addAndMarkHealthy(p, "only:1")

	_, g1, ok := p.Pick()
	if !ok {
		t.Fatal("expected first pick to succeed")
	}
	_, g2, ok := p.Pick()
	if !ok {
		t.Fatal("expected second pick to succeed (at limit)")
	}
	_, _, ok = p.Pick()
	if ok {
		t.Fatal("expected third pick to fail: backend at its connection cap")
	}

	g1.Release()
	_, g3, ok := p.Pick()
	if !ok {
		t.Fatal("expected a pick to succeed after releasing a slot")
	}
	g2.Release()
	g3.Release()
}

func TestBackendPool_GuardReleaseIsIdempotent(t *testing.T) {
	p := NewBackendPool(1)
	addAndMarkHealthy(p, "only:1")

	b, guard, ok := p.Pick()
	if !ok {
		t.Fatal("expected pick to succeed")
	}
	if b.Active() != 1 {
		t.Fatalf("expected active count 1, got %d", b.Active())
	}

	guard.Release()
	guard.Release() // second release must be a no-op, not double-decrement
	guard.Release()

	if b.Active() != 0 {
		t.Fatalf("expected active count to settle at 0 after repeated release, got %d", b.Active())
	}
}

func TestBackendPool_SetHealthRemovesFromRotation(t *testing.T) {
	p := NewBackendPool(0)
	addAndMarkHealthy(p, "a:1", "b:1")

	p.SetHealth("a:1", false)

	for i := 0; i < 20; i++ {
		b, guard, ok := p.Pick()
		if !ok {
			t.Fatal("expected at least one healthy backend to remain")
		}
		if b.Address == "a:1" {
			t.Fatal("expected unhealthy backend a:1 to never be picked")
		}
		guard.Release()
	}
}

func TestBackendPool_UpdateBackendsPreservesIdentityAndInFlightGuards(t *testing.T) {
	p := NewBackendPool(0)
	addAndMarkHealthy(p, "a:1", "b:1")

	b, guard, ok := p.Pick()
	if !ok {
		t.Fatal("expected pick to succeed")
	}
	held := b.Address

	// Reconcile to a list that still includes the held backend and a new one.
	p.UpdateBackends([]string{held, "c:1"})
	p.SetHealth(held, true)
	p.SetHealth("c:1", true)

	// The in-flight guard must still be valid and its release must still
	// affect the same backend struct's counter; removing a backend (or
	// reconciling the set) must never interrupt an outstanding session.
	if b.Active() != 1 {
		t.Fatalf("expected guard's backend to still report 1 active connection, got %d", b.Active())
	}
	guard.Release()
	if b.Active() != 0 {
		t.Fatalf("expected release to drop active count to 0, got %d", b.Active())
	}
}

func TestBackendPool_UpdateBackendsDropsRetiredAddress(t *testing.T) {
	p := NewBackendPool(0)
	addAndMarkHealthy(p, "a:1", "b:1")

	p.UpdateBackends([]string{"b:1"})
	p.SetHealth("b:1", true)

	for i := 0; i < 20; i++ {
		b, guard, ok := p.Pick()
		if !ok {
			t.Fatal("expected remaining backend to be pickable")
		}
		if b.Address == "a:1" {
			t.Fatal("expected retired backend a:1 to be gone from rotation")
		}
		guard.Release()
	}
}

func TestBackendPool_WeightedRepetitionIncreasesShare(t *testing.T) {
	p := NewBackendPool(0)
	// "heavy" appears 3x, "light" once: weight via repetition (spec.md's
	// round-robin weighting scheme).
	addresses := []string{"heavy:1", "heavy:1", "heavy:1", "light:1"}
	p.UpdateBackends(addresses)
	p.SetHealth("heavy:1", true)
	p.SetHealth("light:1", true)

	counts := map[string]int{}
	const iterations = 400
	for i := 0; i < iterations; i++ {
		b, guard, ok := p.Pick()
		if !ok {
			t.Fatalf("iteration %d: expected a pick", i)
		}
		counts[b.Address]++
		guard.Release()
	}

	if counts["heavy:1"] <= counts["light:1"]*2 {
		t.Errorf("expected heavy:1 to receive roughly 3x light:1's share, got heavy=%d light=%d", counts["heavy:1"], counts["light:1"])
	}
}

func TestBackendPool_ConcurrentPickAndRelease(t *testing.T) {
	p := NewBackendPool(10)
	addAndMarkHealthy(p, "a:1", "b:1", "c:1")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, guard, ok := p.Pick()
			if ok {
				guard.Release()
			}
		}()
	}
	wg.Wait()

	for _, b := range p.Backends() {
		if b.Active() != 0 {
			t.Errorf("expected backend %s to settle at 0 active connections, got %d", b.Address, b.Active())
		}
	}
}
