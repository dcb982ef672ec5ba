package posting

import (
	"sort"
	"sync"
)

// keyMutex serializes document saves touching the same (material, plant)
// keys. Balance and cost layer rows are read-then-written without
// optimistic tokens, so concurrent documents over the same material would
// race without it. Keys are always acquired in sorted order; two documents
// sharing any key therefore cannot deadlock.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*sync.Mutex)}
}

func (m *keyMutex) mutexFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// LockAll acquires every key in sorted order, deduplicated, and returns the
// unlock function. Unlock order is the reverse of acquisition.
func (m *keyMutex) LockAll(keys []string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Strings(uniq)

	held := make([]*sync.Mutex, 0, len(uniq))
	for _, k := range uniq {
		l := m.mutexFor(k)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
