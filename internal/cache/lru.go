package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// localTier is a sharded, bounded LRU map. Sharding by key hash keeps read
// concurrency high while eviction stays safe; each shard holds its own lock
// and its own recency list.
type localTier struct {
	shards []*lruShard

	hits   atomic.Int64
	misses atomic.Int64
}

type lruShard struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func newLocalTier(capacity, shardCount int) *localTier {
	if capacity <= 0 {
		capacity = 1024
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]*lruShard, shardCount)
	for i := range shards {
		shards[i] = &lruShard{
			capacity: perShard,
			items:    make(map[string]*list.Element, perShard),
			order:    list.New(),
		}
	}
	return &localTier{shards: shards}
}

func (t *localTier) shard(key string) *lruShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[int(h.Sum32())%len(t.shards)]
}

func (t *localTier) get(key string, now time.Time) ([]byte, bool) {
	shard := t.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	elem, ok := shard.items[key]
	if !ok {
		t.misses.Add(1)
		return nil, false
	}
	entry := elem.Value.(*lruEntry)
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		shard.order.Remove(elem)
		delete(shard.items, key)
		t.misses.Add(1)
		return nil, false
	}
	shard.order.MoveToFront(elem)
	t.hits.Add(1)
	return entry.value, true
}

func (t *localTier) set(key string, value []byte, expiresAt time.Time) {
	shard := t.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if elem, ok := shard.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		shard.order.MoveToFront(elem)
		return
	}

	elem := shard.order.PushFront(&lruEntry{key: key, value: value, expiresAt: expiresAt})
	shard.items[key] = elem

	for len(shard.items) > shard.capacity {
		oldest := shard.order.Back()
		if oldest == nil {
			break
		}
		shard.order.Remove(oldest)
		delete(shard.items, oldest.Value.(*lruEntry).key)
	}
}

func (t *localTier) invalidate(key string) {
	shard := t.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if elem, ok := shard.items[key]; ok {
		shard.order.Remove(elem)
		delete(shard.items, key)
	}
}

func (t *localTier) len() int {
	total := 0
	for _, shard := range t.shards {
		shard.mu.Lock()
		total += len(shard.items)
		shard.mu.Unlock()
	}
	return total
}
