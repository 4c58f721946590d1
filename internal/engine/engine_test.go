package engine

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bundleproxy/internal/addrspace"
	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/cache"
	"github.com/fruitsalade/bundleproxy/internal/source"
)

// memSource is an in-memory backend keyed by backend path.
type memSource struct {
	id         string
	base       string
	enumerates bool
	files      map[string]string

	mu      sync.Mutex
	fetched map[string]int
	forgot  []string
}

func newMemSource(id, base string, enumerates bool, files map[string]string) *memSource {
	return &memSource{id: id, base: base, enumerates: enumerates, files: files, fetched: map[string]int{}}
}

func (s *memSource) ID() string              { return s.id }
func (s *memSource) BaseURL() string         { return s.base }
func (s *memSource) Scope(bundle.Ref) string { return "" }
func (s *memSource) Enumerates() bool        { return s.enumerates }

func (s *memSource) ResolveEntry(_ context.Context, ref bundle.Ref) (bundle.Ref, error) {
	return ref, nil
}

func (s *memSource) List(_ context.Context, ref bundle.Ref) iter.Seq2[bundle.Member, error] {
	return func(yield func(bundle.Member, error) bool) {
		if !s.enumerates {
			yield(bundle.NewMember(ref.EntryMember(), 0), nil)
			return
		}
		for p, body := range s.files {
			rel, ok := strings.CutPrefix(p, ref.Root+"/")
			if !ok {
				continue
			}
			if !yield(bundle.NewMember(rel, int64(len(body))), nil) {
				return
			}
		}
	}
}

func (s *memSource) Fetch(_ context.Context, p string) (bundle.Content, error) {
	s.mu.Lock()
	s.fetched[p]++
	s.mu.Unlock()
	body, ok := s.files[p]
	if !ok {
		return bundle.Content{}, &bundle.FetchError{Status: 404, URL: s.base + p}
	}
	return bundle.Content{Bytes: []byte(body), ContentType: bundle.ContentType(p)}, nil
}

func (s *memSource) Open(ctx context.Context, p string) (*bundle.Stream, error) {
	c, err := s.Fetch(ctx, p)
	if err != nil {
		return nil, err
	}
	return &bundle.Stream{Body: io.NopCloser(strings.NewReader(string(c.Bytes))), ContentType: c.ContentType, Size: -1}, nil
}

func (s *memSource) Forget(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgot = append(s.forgot, root)
}

func (s *memSource) fetches(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched[p]
}

var gameFiles = map[string]string{
	"games/foo/index.html": `<html><head><script src="main.js"></script>` +
		`<link rel="stylesheet" href="css/site.css"></head>` +
		`<body><img src="/shared/logo.png"></body></html>`,
	"games/foo/main.js":      `console.log("foo")`,
	"games/foo/css/site.css": `body{background:url(../bg.png)}`,
	"games/foo/bg.png":       "png-bytes",
	"shared/logo.png":        "logo",
}

func newEngine(cfg Config, srcs ...source.Source) *Engine {
	c := cache.New(cache.NewMemoryStore(0), cache.Config{Generation: 1}, nil)
	return New(c, source.NewRegistry(srcs...), cfg)
}

func TestPlay_DirectTree(t *testing.T) {
	src := newMemSource("tree", "https://raw.example/repo/main/", true, gameFiles)
	e := newEngine(Config{}, src)

	doc, err := e.Play(context.Background(), PlayRequest{Backend: "tree", Pointer: "games/foo/"})
	require.NoError(t, err)

	assert.Equal(t, bundle.Ref{Root: "games/foo", Entry: "games/foo/index.html"}, doc.Ref)
	assert.Equal(t, cache.StatusReady, doc.State.Status)
	assert.Equal(t, "https://raw.example/repo/main/games/foo/", doc.BaseHref)
	assert.Contains(t, doc.HTML, `<head><base href="https://raw.example/repo/main/games/foo/">`)
	assert.Contains(t, doc.HTML, `<script src="https://raw.example/repo/main/games/foo/main.js"></script>`)
	assert.Contains(t, doc.HTML, `<img src="https://raw.example/repo/main/shared/logo.png">`)
	assert.Zero(t, doc.Inlined)

	// A second play reuses the cache.
	_, err = e.Play(context.Background(), PlayRequest{Backend: "tree", Pointer: "games/foo/index.html"})
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetches("games/foo/index.html"))
	assert.Equal(t, 1, src.fetches("games/foo/main.js"))
}

func TestPlay_InlineOverride(t *testing.T) {
	src := newMemSource("tree", "https://raw.example/repo/main/", true, gameFiles)
	e := newEngine(Config{ProxyAssets: true}, src)

	on := true
	doc, err := e.Play(context.Background(), PlayRequest{Backend: "tree", Pointer: "games/foo/", Inline: &on})
	require.NoError(t, err)

	assert.Equal(t, 3, doc.Inlined)
	assert.Contains(t, doc.HTML, `<script>console.log("foo")</script>`)
	assert.Contains(t, doc.HTML, `<style>body{background:url(/bundles/tree/games/foo/css/../bg.png)}</style>`)
	assert.Contains(t, doc.HTML, `src="data:image/png;base64,`)
	assert.Equal(t, 1, src.fetches("shared/logo.png"))
}

func TestPlay_MirrorGrowsMembership(t *testing.T) {
	src := newMemSource("mirror", "https://cdn.example/gh/org/repo@main/", false, gameFiles)
	e := newEngine(Config{ProxyAssets: true, Inline: map[string]bool{"mirror": true}}, src)
	ctx := context.Background()

	doc, err := e.Play(ctx, PlayRequest{Backend: "mirror", Pointer: "games/foo/"})
	require.NoError(t, err)
	assert.True(t, doc.State.Open)
	assert.Contains(t, doc.HTML, `<base href="/bundles/mirror/games/foo/">`)

	// Inlined assets were remembered; other paths under the root are
	// fetched on demand.
	a, err := e.Asset(ctx, "mirror", "/bundles/mirror/games/foo/main.js")
	require.NoError(t, err)
	assert.True(t, a.Cached)
	assert.Equal(t, `console.log("foo")`, string(a.Bytes))

	a, err = e.Asset(ctx, "mirror", "/bundles/mirror/games/foo/bg.png")
	require.NoError(t, err)
	assert.False(t, a.Cached)
	assert.Equal(t, "image/png", a.ContentType)

	_, err = e.Asset(ctx, "mirror", "/bundles/mirror/games/other/x.js")
	assert.ErrorIs(t, err, addrspace.ErrNotFound)

	l, err := e.Members(ctx, "mirror", "games/foo/", "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, l.Count, 3)
}

func TestAsset_EnumeratedMembersOnly(t *testing.T) {
	src := newMemSource("tree", "", true, gameFiles)
	e := newEngine(Config{}, src)
	ctx := context.Background()

	_, err := e.Asset(ctx, "tree", "/bundles/tree/games/foo/main.js")
	assert.ErrorIs(t, err, addrspace.ErrNotFound, "nothing is cached yet")

	_, _, err = e.Prepare(ctx, "tree", "games/foo/", "")
	require.NoError(t, err)

	a, err := e.Asset(ctx, "tree", "/bundles/tree/games/foo/css/site.css?v=3")
	require.NoError(t, err)
	assert.Equal(t, "text/css", a.ContentType)
	assert.True(t, a.Cached)

	_, err = e.Asset(ctx, "tree", "/bundles/tree/games/foo/nope.js")
	assert.ErrorIs(t, err, addrspace.ErrNotFound)

	_, err = e.Asset(ctx, "unknown", "/bundles/unknown/games/foo/main.js")
	assert.ErrorIs(t, err, addrspace.ErrNotFound)
}

func TestMember_StreamsLargeFiles(t *testing.T) {
	files := map[string]string{
		"games/big/index.html": "<html></html>",
		"games/big/data.bin":   strings.Repeat("x", 64),
		"games/big/small.bin":  "tiny",
	}
	src := newMemSource("tree", "", true, files)
	e := newEngine(Config{MaxStreamBytes: 16}, src)
	ctx := context.Background()

	a, err := e.Member(ctx, "tree", "games/big/data.bin")
	require.NoError(t, err)
	require.NotNil(t, a.Body)
	body, _ := io.ReadAll(a.Body)
	a.Body.Close()
	assert.Equal(t, files["games/big/data.bin"], string(body))

	_, ok := e.Cache().Get(ctx, cache.Key("tree", "", "games/big/data.bin"))
	assert.False(t, ok, "streamed members are not cached")

	a, err = e.Member(ctx, "tree", "games/big/small.bin")
	require.NoError(t, err)
	assert.Equal(t, "tiny", string(a.Bytes))
	_, ok = e.Cache().Get(ctx, cache.Key("tree", "", "games/big/small.bin"))
	assert.True(t, ok)
}

func TestPlay_Errors(t *testing.T) {
	src := newMemSource("tree", "", true, gameFiles)
	e := newEngine(Config{}, src)
	ctx := context.Background()

	_, err := e.Play(ctx, PlayRequest{Backend: "tree", Pointer: "index.html"})
	assert.ErrorIs(t, err, bundle.ErrInvalidPath)

	_, err = e.Play(ctx, PlayRequest{Backend: "tree", Pointer: "games/missing/"})
	var fe *bundle.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 404, fe.Status)

	_, err = e.Play(ctx, PlayRequest{Backend: "nope", Pointer: "games/foo/"})
	assert.ErrorIs(t, err, addrspace.ErrNotFound)
}

func TestStatusAndInvalidate(t *testing.T) {
	src := newMemSource("tree", "", true, gameFiles)
	e := newEngine(Config{Prefix: "cyan-assets/"}, src)
	ctx := context.Background()

	_, st, err := e.Status("tree", "cyan-assets/games/foo/", "")
	require.NoError(t, err)
	assert.Equal(t, cache.StatusAbsent, st.Status)

	_, _, err = e.Prepare(ctx, "tree", "cyan-assets/games/foo/", "")
	require.NoError(t, err)

	ref, st, err := e.Status("tree", "games/foo/index.html", "")
	require.NoError(t, err)
	assert.Equal(t, cache.StatusReady, st.Status)
	assert.Equal(t, "/bundles/tree/games/foo/index.html", e.EntryURL("tree", ref))

	ref, err = e.InvalidatePointer(ctx, "tree", "games/foo/")
	require.NoError(t, err)
	assert.Equal(t, "games/foo", ref.Root)
	assert.Equal(t, []string{"games/foo"}, src.forgot)

	_, st, _ = e.Status("tree", "games/foo/", "")
	assert.Equal(t, cache.StatusAbsent, st.Status)
}

func TestResolve_Archive(t *testing.T) {
	e := newEngine(Config{}, newMemSource(bundle.BackendArchive, "", true, nil))
	ref, err := e.Resolve(bundle.BackendArchive, "zips/game.zip", "play.html")
	require.NoError(t, err)
	assert.Equal(t, bundle.Ref{Root: "zips/game.zip", Entry: "zips/game.zip/play.html"}, ref)
}

func TestMembers(t *testing.T) {
	src := newMemSource("tree", "", true, gameFiles)
	e := newEngine(Config{}, src)

	l, err := e.Members(context.Background(), "tree", "games/foo/", "")
	require.NoError(t, err)
	assert.Equal(t, 4, l.Count)
	assert.Equal(t, "foo", l.Tree.Name)
	require.NotEmpty(t, l.Tree.Children)
	assert.True(t, l.Tree.Children[0].IsDir, "directories sort first")
}
