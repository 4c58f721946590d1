package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/events"
)

type fakeSource struct {
	id         string
	enumerates bool
	members    []bundle.Member
	files      map[string]string
	gate       chan struct{}

	mu       sync.Mutex
	failures map[string]error

	lists   atomic.Int32
	fetches atomic.Int32
}

func newFakeSource(files map[string]string, root string) *fakeSource {
	s := &fakeSource{id: "tree", enumerates: true, files: files, failures: map[string]error{}}
	for p, body := range files {
		s.members = append(s.members, bundle.NewMember(p[len(root)+1:], int64(len(body))))
	}
	return s
}

func (s *fakeSource) ID() string       { return s.id }
func (s *fakeSource) Enumerates() bool { return s.enumerates }

func (s *fakeSource) List(ctx context.Context, _ bundle.Ref) iter.Seq2[bundle.Member, error] {
	return func(yield func(bundle.Member, error) bool) {
		s.lists.Add(1)
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-ctx.Done():
				yield(bundle.Member{}, ctx.Err())
				return
			}
		}
		for _, m := range s.members {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (s *fakeSource) Fetch(_ context.Context, p string) (bundle.Content, error) {
	s.fetches.Add(1)
	s.mu.Lock()
	err := s.failures[p]
	s.mu.Unlock()
	if err != nil {
		return bundle.Content{}, err
	}
	body, ok := s.files[p]
	if !ok {
		return bundle.Content{}, &bundle.FetchError{Status: 404, URL: p}
	}
	return bundle.Content{Bytes: []byte(body), ContentType: bundle.ContentType(p)}, nil
}

func (s *fakeSource) fail(p string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, p)
		return
	}
	s.failures[p] = err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var fooRef = bundle.Ref{Root: "games/foo", Entry: "games/foo/index.html"}

func fooFiles() map[string]string {
	return map[string]string{
		"games/foo/index.html":   "<html></html>",
		"games/foo/main.js":      "run()",
		"games/foo/img/bg.png":   "PNG",
		"games/foo/Build/a.wasm": "WASM",
	}
}

func (c *BundleCache) waitingOn(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.flights[key]; f != nil {
		return f.waiting
	}
	return 0
}

func TestKey(t *testing.T) {
	assert.Equal(t, "tree:games/foo/a.js", Key("tree", "games/foo", "a.js"))
	assert.Equal(t, Key("tree", "games/foo", "a.js"), Key("tree", "", "games/foo/a.js"))
	assert.Equal(t, "tree:games/foo/", RootPrefix("tree", "games/foo"))
	assert.Equal(t, "archive:zips/g.zip/", RootPrefix("archive", "/zips/g.zip/"))
	assert.Equal(t, "mirror:", RootPrefix("mirror", ""))
}

func TestEnsureCached_ConcurrentCallsShareOneBuild(t *testing.T) {
	src := newFakeSource(fooFiles(), "games/foo")
	src.gate = make(chan struct{})
	c := New(NewMemoryStore(0), Config{Generation: 1}, nil)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := c.EnsureCached(context.Background(), fooRef, src)
			if err == nil && st.Status != StatusReady {
				err = errors.New("state not ready")
			}
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		return c.waitingOn("tree:games/foo/@0") == callers
	}, 5*time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), src.lists.Load())
	assert.Equal(t, int32(4), src.fetches.Load())
}

func TestEnsureCached_ReadyIsReused(t *testing.T) {
	src := newFakeSource(fooFiles(), "games/foo")
	rec := &recorder{}
	c := New(NewMemoryStore(0), Config{Generation: 1}, rec)
	ctx := context.Background()

	st, err := c.EnsureCached(ctx, fooRef, src)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st.Status)
	assert.Len(t, st.MemberKeys, 4)
	assert.True(t, st.Has("tree:games/foo/main.js"))

	_, err = c.EnsureCached(ctx, fooRef, src)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.lists.Load())

	e, ok := c.Get(ctx, "tree:games/foo/main.js")
	require.True(t, ok)
	assert.Equal(t, "run()", string(e.Bytes))
	assert.Equal(t, "application/javascript", e.ContentType)

	assert.Equal(t, []string{events.EventPending, events.EventReady}, rec.types())
}

func TestEnsureCached_EntryMissingFromListing(t *testing.T) {
	src := newFakeSource(map[string]string{"games/foo/main.js": "x"}, "games/foo")
	src.files["games/foo/index.html"] = "<html></html>"
	c := New(NewMemoryStore(0), Config{Generation: 1}, nil)

	st, err := c.EnsureCached(context.Background(), fooRef, src)
	require.NoError(t, err)
	assert.True(t, st.Has("tree:games/foo/index.html"))

	_, ok := c.Get(context.Background(), "tree:games/foo/index.html")
	assert.True(t, ok)
}

func TestEnsureCached_FailureRevertsToAbsent(t *testing.T) {
	src := newFakeSource(fooFiles(), "games/foo")
	src.fail("games/foo/main.js", &bundle.FetchError{Status: 503, URL: "https://raw/games/foo/main.js"})
	rec := &recorder{}
	c := New(NewMemoryStore(0), Config{Generation: 1}, rec)
	ctx := context.Background()

	_, err := c.EnsureCached(ctx, fooRef, src)
	require.Error(t, err)
	fe, ok := bundle.AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, 503, fe.Status)

	st, ok := c.State("tree", "games/foo")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, st.Status)
	assert.NotEmpty(t, st.Error)
	assert.Contains(t, rec.types(), events.EventFailed)

	src.fail("games/foo/main.js", nil)
	st, err = c.EnsureCached(ctx, fooRef, src)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st.Status)
	assert.Equal(t, int32(2), src.lists.Load())
}

func TestEnsureCached_SkipsAlreadyCachedMembers(t *testing.T) {
	src := newFakeSource(fooFiles(), "games/foo")
	c := New(NewMemoryStore(0), Config{Generation: 1}, nil)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "tree:games/foo/main.js", []byte("run()"), "application/javascript"))
	_, err := c.EnsureCached(ctx, fooRef, src)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.fetches.Load())
}

func TestEnsureCached_LargeMembersAreStreamed(t *testing.T) {
	files := fooFiles()
	files["games/foo/Build/a.wasm"] = "0123456789abcdef"
	src := newFakeSource(files, "games/foo")
	c := New(NewMemoryStore(0), Config{Generation: 1, MaxStreamBytes: 8}, nil)
	ctx := context.Background()

	st, err := c.EnsureCached(ctx, fooRef, src)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Streamed)
	assert.True(t, st.Has("tree:games/foo/Build/a.wasm"))

	_, ok := c.Get(ctx, "tree:games/foo/Build/a.wasm")
	assert.False(t, ok)
}

func TestEnsureCached_CallerCancelAbandonsBuild(t *testing.T) {
	src := newFakeSource(fooFiles(), "games/foo")
	src.gate = make(chan struct{})
	c := New(NewMemoryStore(0), Config{Generation: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.EnsureCached(ctx, fooRef, src)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return c.waitingOn("tree:games/foo/@0") == 1
	}, 5*time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool {
		st, ok := c.State("tree", "games/foo")
		return ok && st.Status == StatusFailed
	}, 5*time.Second, time.Millisecond)
}

func TestInvalidate(t *testing.T) {
	src := newFakeSource(fooFiles(), "games/foo")
	rec := &recorder{}
	c := New(NewMemoryStore(0), Config{Generation: 1}, rec)
	ctx := context.Background()

	_, err := c.EnsureCached(ctx, fooRef, src)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "tree:games/foobar/index.html", []byte("other"), "text/html"))

	require.NoError(t, c.Invalidate(ctx, "tree", "games/foo"))
	_, ok := c.State("tree", "games/foo")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "tree:games/foo/main.js")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "tree:games/foobar/index.html")
	assert.True(t, ok, "sibling root with a shared name prefix must survive")

	st, err := c.EnsureCached(ctx, fooRef, src)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Generation)
	assert.Equal(t, int32(2), src.lists.Load())
	assert.Contains(t, rec.types(), events.EventInvalidated)
}

func TestPrune(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	old := New(store, Config{Generation: 1}, nil)
	require.NoError(t, old.Put(ctx, "tree:a/x.js", []byte("1"), "application/javascript"))
	require.NoError(t, old.Put(ctx, "tree:a/y.js", []byte("2"), "application/javascript"))

	rec := &recorder{}
	c := New(store, Config{Generation: 2}, rec)
	require.NoError(t, c.Put(ctx, "tree:a/z.js", []byte("3"), "application/javascript"))

	_, ok := c.Get(ctx, "tree:a/x.js")
	assert.False(t, ok, "entries of another generation are misses")

	n, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, "memory", stats.Store)
	assert.Equal(t, []string{events.EventPruned}, rec.types())
}

func TestContainsAndRemember(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(0), Config{Generation: 1}, nil)

	tree := newFakeSource(fooFiles(), "games/foo")
	_, err := c.EnsureCached(ctx, fooRef, tree)
	require.NoError(t, err)
	assert.True(t, c.Contains("tree", "games/foo/main.js"))
	assert.False(t, c.Contains("tree", "games/foo/unknown.js"))
	assert.False(t, c.Contains("mirror", "games/foo/main.js"))

	mirror := newFakeSource(map[string]string{"games/bar/index.html": "<html></html>"}, "games/bar")
	mirror.id = "mirror"
	mirror.enumerates = false
	st, err := c.EnsureCached(ctx, bundle.Ref{Root: "games/bar", Entry: "games/bar/index.html"}, mirror)
	require.NoError(t, err)
	assert.True(t, st.Open)
	assert.True(t, c.Contains("mirror", "games/bar/later.js"))
	assert.False(t, c.Contains("mirror", "games/other/later.js"))

	c.Remember("mirror", "games/bar/later.js")
	st, ok := c.State("mirror", "games/bar")
	require.True(t, ok)
	assert.True(t, st.Has("mirror:games/bar/later.js"))
}

func TestRememberDuringOpenBuild(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := New(NewMemoryStore(0), Config{Generation: 1}, rec)
	ref := bundle.Ref{Root: "games/bar", Entry: "games/bar/index.html"}
	mirror := newFakeSource(map[string]string{"games/bar/index.html": "<html></html>"}, "games/bar")
	mirror.id = "mirror"
	mirror.enumerates = false

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			c.Remember("mirror", fmt.Sprintf("games/bar/x%d.js", i))
		}
	}()

	var results []*State
	for range 20 {
		require.NoError(t, c.Invalidate(ctx, "mirror", "games/bar"))
		st, err := c.EnsureCached(ctx, ref, mirror)
		require.NoError(t, err)
		results = append(results, st)
	}
	close(stop)
	<-done

	for _, st := range results {
		n := len(st.MemberKeys)
		c.Remember("mirror", "games/bar/after.js")
		assert.Len(t, st.MemberKeys, n, "returned state must not track later members")
	}
	assert.Contains(t, rec.types(), events.EventReady)
}

func TestEnsureCached_RestoresFromMarker(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewDiskStore(dir, 0)
	require.NoError(t, err)
	src := newFakeSource(fooFiles(), "games/foo")
	_, err = New(store, Config{Generation: 3}, nil).EnsureCached(ctx, fooRef, src)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewDiskStore(dir, 0)
	require.NoError(t, err)
	fresh := newFakeSource(fooFiles(), "games/foo")
	st, err := New(reopened, Config{Generation: 3}, nil).EnsureCached(ctx, fooRef, fresh)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st.Status)
	assert.Equal(t, int32(0), fresh.lists.Load())

	bumped := newFakeSource(fooFiles(), "games/foo")
	_, err = New(reopened, Config{Generation: 4}, nil).EnsureCached(ctx, fooRef, bumped)
	require.NoError(t, err)
	assert.Equal(t, int32(1), bumped.lists.Load(), "markers of another generation are ignored")
}
