// Package syncutil provides keyed locking for in-process stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyLock(0).
const DefaultShards = 256

// KeyLock serialises work per string key using a fixed pool of channel
// mutexes. Memory stays bounded no matter how many keys are seen; two keys
// that hash to the same shard share a lock. Waiting honours context
// cancellation.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with n shards (DefaultShards when n <= 0).
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	l := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock acquires the lock for key. On success the returned func releases it
// and must be called exactly once. On cancellation it returns ctx.Err().
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.shards[l.shardIdx(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn while holding the lock for key.
func (l *KeyLock) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (l *KeyLock) shardIdx(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
