package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func entry(key, body string, gen int) *Entry {
	return &Entry{Key: key, Bytes: []byte(body), ContentType: "text/plain", FetchedAt: time.Now(), Generation: gen}
}

func testStoreBasics(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "tree:missing"); ok || err != nil {
		t.Fatalf("Get(missing) = %v, %v; want miss without error", ok, err)
	}

	if err := s.Put(ctx, entry("tree:a/x.js", "hello", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, ok, err := s.Get(ctx, "tree:a/x.js")
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v", ok, err)
	}
	if !bytes.Equal(e.Bytes, []byte("hello")) {
		t.Errorf("content mismatch: got %q", e.Bytes)
	}
	if e.ContentType != "text/plain" || e.Generation != 1 {
		t.Errorf("metadata mismatch: %+v", e)
	}

	// Overwrite keeps one entry
	if err := s.Put(ctx, entry("tree:a/x.js", "hello again", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Entries != 1 || st.Bytes != int64(len("hello again")) {
		t.Errorf("Stats = %+v", st)
	}

	s.Put(ctx, entry("tree:a/y.js", "y", 1))
	s.Put(ctx, entry("tree:ab/z.js", "z", 1))
	s.Put(ctx, entry("tree:b/old.js", "old", 0))

	n, err := s.DeletePrefix(ctx, "tree:a/")
	if err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if n != 2 {
		t.Errorf("DeletePrefix removed %d, want 2", n)
	}
	if _, ok, _ := s.Get(ctx, "tree:ab/z.js"); !ok {
		t.Error("DeletePrefix removed an entry outside the prefix")
	}

	n, err = s.Prune(ctx, 1)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	if _, ok, _ := s.Get(ctx, "tree:b/old.js"); ok {
		t.Error("stale entry survived Prune")
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreBasics(t, NewMemoryStore(0))
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	s.Put(ctx, entry("k1", "aaaa", 1))
	time.Sleep(2 * time.Millisecond)
	s.Put(ctx, entry("k2", "bbbb", 1))
	time.Sleep(2 * time.Millisecond)
	s.Get(ctx, "k1")
	s.Put(ctx, entry("k3", "cccc", 1))

	if _, ok, _ := s.Get(ctx, "k2"); ok {
		t.Error("k2 should have been evicted")
	}
	if _, ok, _ := s.Get(ctx, "k1"); !ok {
		t.Error("k1 was recently used and should remain")
	}
	st, _ := s.Stats(ctx)
	if st.Bytes > 10 {
		t.Errorf("store holds %d bytes, limit 10", st.Bytes)
	}
}

func TestDiskStore(t *testing.T) {
	s, err := NewDiskStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	testStoreBasics(t, s)
}

func TestDiskStore_EvictsToFit(t *testing.T) {
	ctx := context.Background()
	s, err := NewDiskStore(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	s.Put(ctx, entry("k1", "aaaa", 1))
	time.Sleep(2 * time.Millisecond)
	s.Put(ctx, entry("k2", "bbbb", 1))
	s.Put(ctx, entry("k3", "cccc", 1))

	if _, ok, _ := s.Get(ctx, "k1"); ok {
		t.Error("k1 should have been evicted")
	}
	st, _ := s.Stats(ctx)
	if st.Entries != 2 || st.Bytes != 8 {
		t.Errorf("Stats = %+v, want 2 entries / 8 bytes", st)
	}

	files, _ := filepath.Glob(filepath.Join(s.Dir(), "*"))
	for _, f := range files {
		if strings.HasSuffix(f, ".tmp") {
			t.Errorf("temp file left behind: %s", f)
		}
	}
}

func TestDiskStore_IndexSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewDiskStore(dir, 0)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	s.Put(ctx, entry("tree:a/x.js", "x", 2))
	s.Put(ctx, entry("tree:a/gone.js", "gone", 2))
	s.PutMarker(ctx, "tree", "a", &Marker{Entry: "a/index.html", Members: []string{"tree:a/x.js"}, Generation: 2})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A payload removed behind the store's back is dropped on load.
	os.Remove(filepath.Join(dir, fileName("tree:a/gone.js")))

	reopened, err := NewDiskStore(dir, 0)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	e, ok, err := reopened.Get(ctx, "tree:a/x.js")
	if err != nil || !ok {
		t.Fatalf("Get after restart: %v, %v", ok, err)
	}
	if string(e.Bytes) != "x" || e.Generation != 2 {
		t.Errorf("entry after restart = %+v", e)
	}
	if _, ok, _ := reopened.Get(ctx, "tree:a/gone.js"); ok {
		t.Error("entry without payload should not be restored")
	}
	m, ok, _ := reopened.GetMarker(ctx, "tree", "a")
	if !ok || m.Entry != "a/index.html" {
		t.Errorf("marker after restart = %+v, %v", m, ok)
	}

	reopened.Prune(ctx, 3)
	if _, ok, _ := reopened.GetMarker(ctx, "tree", "a"); ok {
		t.Error("marker of a pruned generation should be removed")
	}
}

func TestDiskStore_CorruptIndex(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, indexFile), []byte("{not json"), 0644)

	s, err := NewDiskStore(dir, 0)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	st, _ := s.Stats(context.Background())
	if st.Entries != 0 {
		t.Errorf("Entries = %d, want 0", st.Entries)
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ns := "bundleproxy-test-" + time.Now().Format("150405.000000")
	s, err := NewRedisStore(RedisConfig{URL: url, Namespace: ns})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	testStoreBasics(t, s)

	ctx := context.Background()
	if err := s.PutMarker(ctx, "tree", "games/[x]", &Marker{Entry: "games/[x]/index.html", Generation: 1}); err != nil {
		t.Fatalf("PutMarker: %v", err)
	}
	m, ok, err := s.GetMarker(ctx, "tree", "games/[x]")
	if err != nil || !ok || m.Entry != "games/[x]/index.html" {
		t.Fatalf("GetMarker = %+v, %v, %v", m, ok, err)
	}
	s.DeleteMarker(ctx, "tree", "games/[x]")
	s.DeletePrefix(ctx, "")
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob(`tree:games/[a]*?\`); got != `tree:games/\[a\]\*\?\\` {
		t.Errorf("escapeGlob = %q", got)
	}
}
