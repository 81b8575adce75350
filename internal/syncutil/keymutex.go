// Package syncutil holds small concurrency helpers shared across packages.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const keyMutexShards = 128

// KeyMutex serializes work per string key using a fixed pool of mutexes.
// Memory stays bounded no matter how many wallets are seen; two wallets
// that hash to the same shard occasionally contend, which is acceptable
// for the recompute path.
type KeyMutex struct {
	shards [keyMutexShards]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (m *KeyMutex) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &m.shards[h.Sum32()%keyMutexShards]
	mu.Lock()
	return mu.Unlock
}
