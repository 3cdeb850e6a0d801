package latentcache

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a bounded LRU cache of entries.
type MemoryStore struct {
	mu       sync.Mutex
	cache    map[string]Entry
	lru      *list.List
	lruMap   map[string]*list.Element
	capacity int

	// Statistics
	hits   int64
	misses int64
}

// NewMemoryStore keeps at most capacity entries. capacity <= 0 is
// unbounded.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		cache:    make(map[string]Entry),
		lru:      list.New(),
		lruMap:   make(map[string]*list.Element),
		capacity: capacity,
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.cache[key]
	if !ok {
		m.misses++
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	m.lru.MoveToFront(m.lruMap[key])
	m.hits++
	return e, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.lruMap[key]; ok {
		m.cache[key] = e
		m.lru.MoveToFront(elem)
		return nil
	}
	m.lruMap[key] = m.lru.PushFront(key)
	m.cache[key] = e

	for m.capacity > 0 && m.lru.Len() > m.capacity {
		m.removeElement(m.lru.Back())
	}
	return nil
}

func (m *MemoryStore) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	m.lru.Remove(elem)
	delete(m.lruMap, key)
	delete(m.cache, key)
}

// Keys implements Store.
func (m *MemoryStore) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.cache))
	for k := range m.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Stats returns cache statistics
func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Size: len(m.cache), Capacity: m.capacity, Hits: m.hits, Misses: m.misses}
	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total) * 100
	}
	return s
}

// Stats holds cache statistics
type Stats struct {
	Size     int
	Capacity int
	Hits     int64
	Misses   int64
	HitRate  float64
}

// String returns a string representation of cache stats
func (s Stats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		s.Size, s.Capacity, s.Hits, s.Misses, s.HitRate)
}
