package service

import (
	"slices"
	"sync"
	"sync/atomic"
)

type memoKey struct {
	name   string
	params string
}

type memoEntry struct {
	deps  []uint64
	value any
}

// Memo caches selector results keyed by (selector name, params). An entry is
// reused while the version counters of its input slices are unchanged.
// Cached values are shared between callers and must not be modified.
type Memo struct {
	mu      sync.Mutex
	entries map[memoKey]memoEntry

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewMemo() *Memo {
	return &Memo{entries: make(map[memoKey]memoEntry)}
}

// Stats returns the number of cache hits and misses so far.
func (m *Memo) Stats() (hits, misses uint64) {
	return m.hits.Load(), m.misses.Load()
}

// Len returns the number of cached entries.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reset drops every entry.
func (m *Memo) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
}

// memoize returns the cached value for (name, params) when deps match,
// otherwise runs compute and caches its result.
//
// deps are read before compute, so a write racing with compute can only make
// the cached value newer than its deps, which forces one extra recompute.
func memoize[T any](m *Memo, name, params string, deps []uint64, compute func() T) T {
	key := memoKey{name: name, params: params}

	m.mu.Lock()
	if e, ok := m.entries[key]; ok && slices.Equal(e.deps, deps) {
		m.mu.Unlock()
		m.hits.Add(1)
		return e.value.(T)
	}
	m.mu.Unlock()

	m.misses.Add(1)
	v := compute()

	m.mu.Lock()
	m.entries[key] = memoEntry{deps: deps, value: v}
	m.mu.Unlock()
	return v
}
