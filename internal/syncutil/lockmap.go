// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ContextShardedMutex serializes work per string key using a bounded pool
// of channel-backed mutexes. Memory stays fixed no matter how many keys are
// seen; keys that hash to the same shard contend with each other.
//
// The channel implementation lets a waiter give up when its context is
// cancelled instead of blocking forever. The lock is not reentrant: a
// holder that re-acquires the same key deadlocks.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a context-aware sharded mutex with all
// shards unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key. It returns an unlock function that
// the caller must invoke exactly once, or the context error if ctx is done
// before the lock is acquired.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
