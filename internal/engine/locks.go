package engine

import (
	"sort"
	"sync"
)

// keyedMutex serializes work per key so that trades on the same market (or
// touching the same user's cash) execute one at a time, while unrelated
// markets proceed fully in parallel. The map grows with the set of markets
// and users ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// LockAll acquires the mutexes for every key in sorted order (sorting
// gives a global acquisition order, so two operations sharing keys can
// never deadlock) and returns a function releasing them in reverse.
func (k *keyedMutex) LockAll(keys ...string) func() {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			sorted = append(sorted, key)
		}
	}
	sort.Strings(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, key := range sorted {
		m := k.get(key)
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Key namespaces: a market's share totals and a user's cash row are the
// only mutable shared resources.
func marketKey(id string) string { return "market/" + id }
func userKey(id string) string   { return "user/" + id }
