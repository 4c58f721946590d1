package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory, evicting the least recently
// used entries once maxBytes is exceeded. maxBytes <= 0 means unbounded.
type MemoryStore struct {
	maxBytes int64

	mu      sync.Mutex
	entries map[string]*memEntry
	size    int64
}

type memEntry struct {
	e          *Entry
	lastAccess time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	return &MemoryStore{
		maxBytes: maxBytes,
		entries:  make(map[string]*memEntry),
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	me.lastAccess = time.Now()
	return me.e, true, nil
}

func (s *MemoryStore) Put(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[e.Key]; ok {
		s.size -= old.e.Size()
		delete(s.entries, e.Key)
	}
	for s.maxBytes > 0 && s.size+e.Size() > s.maxBytes {
		if !s.evictOldest() {
			break
		}
	}
	s.entries[e.Key] = &memEntry{e: e, lastAccess: time.Now()}
	s.size += e.Size()
	return nil
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (s *MemoryStore) evictOldest() bool {
	var oldestKey string
	var oldest *memEntry
	for k, me := range s.entries {
		if oldest == nil || me.lastAccess.Before(oldest.lastAccess) {
			oldest, oldestKey = me, k
		}
	}
	if oldest == nil {
		return false
	}
	s.size -= oldest.e.Size()
	delete(s.entries, oldestKey)
	return true
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	return s.deleteWhere(func(k string, _ *Entry) bool { return strings.HasPrefix(k, prefix) }), nil
}

func (s *MemoryStore) Prune(_ context.Context, generation int) (int, error) {
	return s.deleteWhere(func(_ string, e *Entry) bool { return e.Generation != generation }), nil
}

func (s *MemoryStore) deleteWhere(match func(string, *Entry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, me := range s.entries {
		if match(k, me.e) {
			s.size -= me.e.Size()
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Stats(context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{Entries: len(s.entries), Bytes: s.size}, nil
}

func (s *MemoryStore) Close() error { return nil }
