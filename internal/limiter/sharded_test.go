package limiter

import (
	"sync"
	"testing"
	"time"
)

func TestShardedLimiter_PerKeyIsolation(t *testing.T) {
	l := NewShardedLimiter[string](Config{Capacity: 5, RefillRate: 0})

	ok, _ := l.TryConsume("a", 5)
	if !ok {
		t.Fatal("expected key a's first consume to succeed")
	}
	ok, _ = l.TryConsume("a", 1)
	if ok {
		t.Fatal("expected key a to be exhausted")
	}

	ok, _ = l.TryConsume("b", 5)
	if !ok {
		t.Fatal("expected key b to have its own independent bucket")
	}
}

func TestShardedLimiter_Disabled(t *testing.T) {
	l := NewShardedLimiter[string](Config{Capacity: 1, RefillRate: 0, Disabled: true})
	for i := 0; i < 100; i++ {
		ok, _ := l.TryConsume("x", 1000)
		if !ok {
			t.Fatal("disabled limiter must always grant")
		}
	}
	if got := l.Stats(); got != 0 {
		t.Errorf("expected disabled limiter to never create shard entries, got %d", got)
	}
}

func TestShardedLimiter_ConcurrentDistinctKeys(t *testing.T) {
	l := NewShardedLimiter[string](Config{Capacity: 10, RefillRate: 0})
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n%26))
			l.TryConsume(key, 1)
		}(i)
	}
	wg.Wait()
	if got := l.Stats(); got == 0 || got > 26 {
		t.Errorf("expected at most 26 tracked keys, got %d", got)
	}
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeBroadcaster) Broadcast(namespace, key string, delta float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, namespace+"/"+key)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestShardedLimiter_BroadcastsOnThreshold(t *testing.T) {
	fb := &fakeBroadcaster{}
	l := NewShardedLimiter[string](Config{
		Capacity:           100,
		RefillRate:         0,
		Broadcaster:        fb,
		Namespace:          "rule1",
		BroadcastThreshold: 0.5, // fires once 50 tokens consumed
		BroadcastInterval:  time.Hour,
	})

	l.TryConsume("k1", 10)
	if fb.count() != 0 {
		t.Fatal("expected no broadcast before threshold reached")
	}
	l.TryConsume("k1", 45) // cumulative 55 >= 50
	if fb.count() != 1 {
		t.Fatalf("expected exactly one broadcast once threshold crossed, got %d", fb.count())
	}
}

func TestShardedLimiter_BroadcastsOnInterval(t *testing.T) {
	fb := &fakeBroadcaster{}
	l := NewShardedLimiter[string](Config{
		Capacity:           100,
		RefillRate:         0,
		Broadcaster:        fb,
		Namespace:          "rule1",
		BroadcastThreshold: 1.0, // never reached by a single small consume
		BroadcastInterval:  20 * time.Millisecond,
	})

	l.TryConsume("k1", 1)
	time.Sleep(30 * time.Millisecond)
	l.TryConsume("k1", 1)
	if fb.count() != 1 {
		t.Fatalf("expected interval-based broadcast to fire, got %d calls", fb.count())
	}
}

func TestShardedLimiter_DebitExternalDoesNotRebroadcast(t *testing.T) {
	fb := &fakeBroadcaster{}
	l := NewShardedLimiter[string](Config{
		Capacity:           100,
		RefillRate:         0,
		Broadcaster:        fb,
		Namespace:          "rule1",
		BroadcastThreshold: 0.01,
		BroadcastInterval:  time.Hour,
	})

	l.DebitExternal("peer-key", 90)
	if fb.count() != 0 {
		t.Errorf("expected DebitExternal to never trigger a re-broadcast, got %d calls", fb.count())
	}
}

func TestShardedLimiter_SweepEvictsIdleFullBuckets(t *testing.T) {
	l := NewShardedLimiter[string](Config{Capacity: 5, RefillRate: 1000, MaxIdle: 10 * time.Millisecond})
	defer l.Close()

	l.TryConsume("idle", 1)
	l.Refund("idle", 1) // bring it back to capacity so it's eligible for eviction

	time.Sleep(60 * time.Millisecond)

	if got := l.Stats(); got != 0 {
		t.Errorf("expected idle at-capacity bucket to be swept, got %d tracked keys", got)
	}
}
