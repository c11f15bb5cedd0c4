package limiter

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// defaultShardCount matches spec.md §5's guidance that shard count be
// at least 4x the worker count; 64 is a reasonable fixed default for a
// machine with up to a few dozen cores (ground: protokol's
// middleware/ratelimit.defaultShards == 32, doubled for headroom).
const defaultShardCount = 64

type bucketEntry struct {
	bucket     *TokenBucket
	lastAccess time.Time

	mu                sync.Mutex
	sinceBroadcast    float64
	lastBroadcastTime time.Time
}

type limiterShard struct {
	mu      sync.RWMutex
	buckets map[string]*bucketEntry
}

// ShardedLimiter is a concurrent map from key (client IP or backend
// address) to TokenBucket, sharded to bound lock contention (spec.md
// §4.2). K is any comparable type; its string form is hashed to choose
// a shard, so the common case is K = string.
type ShardedLimiter[K comparable] struct {
	shards     []*limiterShard
	capacity   float64
	refillRate float64
	disabled   bool

	maxIdle time.Duration // 0 disables the optional LRU sweep

	broadcaster        Broadcaster
	namespace          string
	broadcastThreshold float64 // fraction of capacity, e.g. 0.05
	broadcastInterval  time.Duration

	stop chan struct{}
	once sync.Once
}

// Broadcaster emits a locally-observed consumption delta to cluster
// peers. *gossip.Node satisfies this via its Broadcast method.
type Broadcaster interface {
	Broadcast(namespace, key string, delta float64)
}

// Config configures a ShardedLimiter.
type Config struct {
	Capacity   float64
	RefillRate float64
	Disabled   bool
	// MaxIdle, when nonzero, enables a periodic sweep that evicts
	// buckets that have been idle for longer than MaxIdle AND are at
	// full capacity (no debt owed) — spec.md §4.2's optional knob.
	MaxIdle time.Duration

	// Broadcaster, Namespace, BroadcastThreshold, and BroadcastInterval
	// wire this limiter into cluster gossip (spec.md §4.9): once a
	// bucket has consumed BroadcastThreshold (a fraction of Capacity)
	// since its last broadcast, or BroadcastInterval has elapsed,
	// whichever comes first, the accumulated delta is sent to peers.
	// Leave Broadcaster nil to disable (e.g. cluster.enabled == false).
	Broadcaster        Broadcaster
	Namespace           string
	BroadcastThreshold  float64
	BroadcastInterval    time.Duration
}

// NewShardedLimiter creates a sharded limiter. When cfg.Disabled is set
// the fast-path short-circuit in TryConsume never touches a shard.
func NewShardedLimiter[K comparable](cfg Config) *ShardedLimiter[K] {
	threshold := cfg.BroadcastThreshold
	if threshold <= 0 {
		threshold = 0.05
	}
	interval := cfg.BroadcastInterval
	if interval <= 0 {
		interval = time.Second
	}
	l := &ShardedLimiter[K]{
		shards:             make([]*limiterShard, defaultShardCount),
		capacity:           cfg.Capacity,
		refillRate:         cfg.RefillRate,
		disabled:           cfg.Disabled,
		maxIdle:            cfg.MaxIdle,
		broadcaster:        cfg.Broadcaster,
		namespace:          cfg.Namespace,
		broadcastThreshold: threshold,
		broadcastInterval:  interval,
		stop:               make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &limiterShard{buckets: make(map[string]*bucketEntry)}
	}
	if l.maxIdle > 0 {
		go l.sweepLoop()
	}
	return l
}

func keyString[K comparable](k K) string {
	if s, ok := any(k).(string); ok {
		return s
	}
	if s, ok := any(k).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", k)
}

func (l *ShardedLimiter[K]) shardFor(key string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// getOrCreate returns the bucket entry for key, racing first-use
// insertions safely: a double-checked lock ensures exactly one entry is
// created per key even under concurrent first access (spec.md §4.2).
func (l *ShardedLimiter[K]) getOrCreate(shard *limiterShard, key string) *bucketEntry {
	shard.mu.RLock()
	entry, ok := shard.buckets[key]
	shard.mu.RUnlock()
	if ok {
		shard.mu.Lock()
		entry.lastAccess = time.Now()
		shard.mu.Unlock()
		return entry
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok := shard.buckets[key]; ok {
		entry.lastAccess = time.Now()
		return entry
	}
	entry = &bucketEntry{
		bucket:            NewTokenBucket(l.capacity, l.refillRate),
		lastAccess:        time.Now(),
		lastBroadcastTime: time.Now(),
	}
	shard.buckets[key] = entry
	return entry
}

// TryConsume locates (or creates) the bucket for k and attempts to debit
// n tokens from it. When the limiter is disabled this is a predictable,
// branch-cheap no-op that always succeeds without touching any shard —
// the "hot branch must be predictable" requirement from spec.md §4.2.
func (l *ShardedLimiter[K]) TryConsume(k K, n float64) (bool, time.Duration) {
	if l.disabled {
		return true, 0
	}
	key := keyString(k)
	shard := l.shardFor(key)
	entry := l.getOrCreate(shard, key)
	ok, wait := entry.bucket.TryConsume(n)
	if ok {
		l.recordConsumption(entry, key, n)
	}
	return ok, wait
}

// recordConsumption accumulates n against entry's since-last-broadcast
// total and fires a gossip Broadcast once the configured threshold
// fraction of capacity, or the broadcast interval, is reached (spec.md
// §4.9: "when a local limiter consumes ≥ threshold tokens since last
// broadcast ... or 1 s interval, whichever comes first").
func (l *ShardedLimiter[K]) recordConsumption(entry *bucketEntry, key string, n float64) {
	if l.broadcaster == nil {
		return
	}
	entry.mu.Lock()
	entry.sinceBroadcast += n
	due := entry.sinceBroadcast >= l.capacity*l.broadcastThreshold ||
		time.Since(entry.lastBroadcastTime) >= l.broadcastInterval
	var delta float64
	if due && entry.sinceBroadcast > 0 {
		delta = entry.sinceBroadcast
		entry.sinceBroadcast = 0
		entry.lastBroadcastTime = time.Now()
	}
	entry.mu.Unlock()

	if delta > 0 {
		l.broadcaster.Broadcast(l.namespace, key, delta)
	}
}

// Refund returns n tokens to k's bucket, a no-op if the limiter is
// disabled or k has never been seen.
func (l *ShardedLimiter[K]) Refund(k K, n float64) {
	if l.disabled || n <= 0 {
		return
	}
	key := keyString(k)
	shard := l.shardFor(key)
	shard.mu.RLock()
	entry, ok := shard.buckets[key]
	shard.mu.RUnlock()
	if ok {
		entry.bucket.Refund(n)
	}
}

// DebitExternal applies a cluster gossip UsageUpdate to k's bucket,
// creating the bucket if this node has not locally seen k yet. This
// does not itself re-broadcast — only locally-observed consumption is
// gossiped, never a debit that already arrived from a peer.
func (l *ShardedLimiter[K]) DebitExternal(k K, d float64) {
	if l.disabled || d <= 0 {
		return
	}
	key := keyString(k)
	shard := l.shardFor(key)
	entry := l.getOrCreate(shard, key)
	entry.bucket.DebitExternal(d)
}

// Close stops the optional eviction sweep goroutine, if running.
func (l *ShardedLimiter[K]) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *ShardedLimiter[K]) sweepLoop() {
	ticker := time.NewTicker(l.maxIdle)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *ShardedLimiter[K]) sweep() {
	cutoff := time.Now().Add(-l.maxIdle)
	for _, shard := range l.shards {
		var stale []string
		shard.mu.RLock()
		for key, entry := range shard.buckets {
			if entry.lastAccess.Before(cutoff) && entry.bucket.AtCapacity() {
				stale = append(stale, key)
			}
		}
		shard.mu.RUnlock()
		if len(stale) == 0 {
			continue
		}
		shard.mu.Lock()
		for _, key := range stale {
			if entry, ok := shard.buckets[key]; ok && entry.lastAccess.Before(cutoff) && entry.bucket.AtCapacity() {
				delete(shard.buckets, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Stats reports a coarse view of limiter occupancy: the number of keys
// currently tracked across all shards.
func (l *ShardedLimiter[K]) Stats() (trackedKeys int) {
	for _, shard := range l.shards {
		shard.mu.RLock()
		trackedKeys += len(shard.buckets)
		shard.mu.RUnlock()
	}
	return trackedKeys
}
