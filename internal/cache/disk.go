package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fruitsalade/bundleproxy/internal/logging"
)

const indexFile = "index.json"

// DiskStore keeps entry payloads as files under dir with an LRU bound on
// total size. Metadata and Ready markers are persisted in index.json so a
// restarted server keeps its cache.
type DiskStore struct {
	dir     string
	maxSize int64

	mu      sync.RWMutex
	entries map[string]*diskEntry
	markers map[string]*Marker
	size    int64
}

type diskEntry struct {
	Key         string    `json:"key"`
	File        string    `json:"file"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	FetchedAt   time.Time `json:"fetched_at"`
	Generation  int       `json:"generation"`
	LastAccess  time.Time `json:"last_access"`
}

type diskIndex struct {
	Entries []*diskEntry       `json:"entries"`
	Markers map[string]*Marker `json:"markers"`
}

// NewDiskStore creates a disk store rooted at dir, loading any index left
// by a previous run.
func NewDiskStore(dir string, maxSize int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &DiskStore{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*diskEntry),
		markers: make(map[string]*Marker),
	}
	if err := s.loadIndex(); err != nil {
		logging.Warn("cache index unreadable, starting empty",
			logging.String("dir", dir), logging.Err(err))
	}
	return s, nil
}

func (s *DiskStore) Name() string { return "disk" }

// Dir returns the cache directory path.
func (s *DiskStore) Dir() string { return s.dir }

func fileName(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func (s *DiskStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	de, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, de.File))
	if err != nil {
		if os.IsNotExist(err) {
			s.remove(key)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache entry %s: %w", key, err)
	}

	s.mu.Lock()
	de.LastAccess = time.Now()
	s.mu.Unlock()

	return &Entry{
		Key:         key,
		Bytes:       data,
		ContentType: de.ContentType,
		FetchedAt:   de.FetchedAt,
		Generation:  de.Generation,
	}, true, nil
}

// Put stores an entry. Content is written atomically (temp file then rename).
func (s *DiskStore) Put(_ context.Context, e *Entry) error {
	name := fileName(e.Key)
	localPath := filepath.Join(s.dir, name)

	f, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := f.Name()
	_, err = f.Write(e.Bytes)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[e.Key]; ok {
		s.size -= old.Size
		delete(s.entries, e.Key)
	}
	for s.maxSize > 0 && s.size+e.Size() > s.maxSize {
		if !s.evictOldest() {
			break
		}
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	s.entries[e.Key] = &diskEntry{
		Key:         e.Key,
		File:        name,
		Size:        e.Size(),
		ContentType: e.ContentType,
		FetchedAt:   e.FetchedAt,
		Generation:  e.Generation,
		LastAccess:  time.Now(),
	}
	s.size += e.Size()
	return nil
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (s *DiskStore) evictOldest() bool {
	var oldest *diskEntry
	for _, de := range s.entries {
		if oldest == nil || de.LastAccess.Before(oldest.LastAccess) {
			oldest = de
		}
	}
	if oldest == nil {
		return false
	}
	os.Remove(filepath.Join(s.dir, oldest.File))
	s.size -= oldest.Size
	delete(s.entries, oldest.Key)
	return true
}

func (s *DiskStore) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if de, ok := s.entries[key]; ok {
		s.size -= de.Size
		delete(s.entries, key)
	}
}

func (s *DiskStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	n := s.deleteWhere(func(de *diskEntry) bool { return strings.HasPrefix(de.Key, prefix) })
	return n, s.saveIndex()
}

func (s *DiskStore) Prune(_ context.Context, generation int) (int, error) {
	n := s.deleteWhere(func(de *diskEntry) bool { return de.Generation != generation })

	s.mu.Lock()
	for id, m := range s.markers {
		if m.Generation != generation {
			delete(s.markers, id)
		}
	}
	s.mu.Unlock()

	return n, s.saveIndex()
}

func (s *DiskStore) deleteWhere(match func(*diskEntry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, de := range s.entries {
		if !match(de) {
			continue
		}
		os.Remove(filepath.Join(s.dir, de.File))
		s.size -= de.Size
		delete(s.entries, k)
		n++
	}
	return n
}

func (s *DiskStore) Stats(context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{Entries: len(s.entries), Bytes: s.size}, nil
}

func (s *DiskStore) GetMarker(_ context.Context, backendID, root string) (*Marker, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[RootPrefix(backendID, root)]
	return m, ok, nil
}

// PutMarker records a Ready root and persists the index, so the entries
// written by the build survive a restart together with their marker.
func (s *DiskStore) PutMarker(_ context.Context, backendID, root string, m *Marker) error {
	s.mu.Lock()
	s.markers[RootPrefix(backendID, root)] = m
	s.mu.Unlock()
	return s.saveIndex()
}

func (s *DiskStore) DeleteMarker(_ context.Context, backendID, root string) error {
	s.mu.Lock()
	delete(s.markers, RootPrefix(backendID, root))
	s.mu.Unlock()
	return s.saveIndex()
}

// Close persists the index.
func (s *DiskStore) Close() error {
	return s.saveIndex()
}

func (s *DiskStore) saveIndex() error {
	s.mu.RLock()
	idx := diskIndex{
		Entries: make([]*diskEntry, 0, len(s.entries)),
		Markers: make(map[string]*Marker, len(s.markers)),
	}
	for _, de := range s.entries {
		cp := *de
		idx.Entries = append(idx.Entries, &cp)
	}
	for k, m := range s.markers {
		idx.Markers[k] = m
	}
	s.mu.RUnlock()

	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, indexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, indexFile))
}

// loadIndex restores entries whose payload files still exist.
func (s *DiskStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var idx diskIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, de := range idx.Entries {
		if _, err := os.Stat(filepath.Join(s.dir, de.File)); err != nil {
			continue
		}
		s.entries[de.Key] = de
		s.size += de.Size
	}
	for k, m := range idx.Markers {
		s.markers[k] = m
	}
	return nil
}
