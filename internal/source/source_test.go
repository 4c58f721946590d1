package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/storage/local"
	"github.com/fruitsalade/bundleproxy/internal/treeapi"
	"github.com/fruitsalade/bundleproxy/internal/upstream"
)

func repoServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/repos/acme/assets/branches/main", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"commit":{"sha":"abc"}}`))
	})
	mux.HandleFunc("GET /api/repos/acme/assets/git/trees/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tree":[
			{"path":"games/foo/index.html","type":"blob","size":10},
			{"path":"games/foo/js/main.js","type":"blob","size":20},
			{"path":"games/foo/js","type":"tree"},
			{"path":"games/foobar/index.html","type":"blob","size":30},
			{"path":"games/empty/readme.txt","type":"blob","size":1}
		]}`))
	})
	mux.HandleFunc("GET /raw/games/foo/js/main.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("main()"))
	})
	mux.HandleFunc("GET /raw/games/foo/sfx/boom.ogg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/ogg")
		w.Write([]byte("OggS"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTree(srv *httptest.Server) *TreeSource {
	httpc := upstream.New(upstream.Config{Name: "test"})
	api := treeapi.New(httpc, srv.URL+"/api", "acme/assets")
	return NewTree(api, httpc, TreeConfig{Branch: "main", RawURL: srv.URL + "/raw"})
}

func TestTreeSource_ListFiltersByFolder(t *testing.T) {
	src := newTree(repoServer(t))
	ref, err := bundle.Resolve("games/foo/index.html", "")
	require.NoError(t, err)

	members, err := Collect(src.List(context.Background(), ref))
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "index.html", members[0].Path)
	assert.True(t, members[0].Entry)
	assert.Equal(t, "js/main.js", members[1].Path)
	assert.Equal(t, bundle.KindScript, members[1].Kind)
	assert.Equal(t, int64(20), members[1].SizeHint)
}

func TestTreeSource_AppendsMissingEntry(t *testing.T) {
	src := newTree(repoServer(t))
	ref, err := bundle.Resolve("games/empty/index.html", "")
	require.NoError(t, err)

	members, err := Collect(src.List(context.Background(), ref))
	require.NoError(t, err)
	require.Len(t, members, 2)
	last := members[len(members)-1]
	assert.Equal(t, "index.html", last.Path)
	assert.True(t, last.Entry)
}

func TestTreeSource_ListIsRestartable(t *testing.T) {
	src := newTree(repoServer(t))
	ref, _ := bundle.Resolve("games/foo/index.html", "")
	seq := src.List(context.Background(), ref)

	first, err := Collect(seq)
	require.NoError(t, err)
	second, err := Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTreeSource_Fetch(t *testing.T) {
	src := newTree(repoServer(t))

	c, err := src.Fetch(context.Background(), "games/foo/js/main.js")
	require.NoError(t, err)
	assert.Equal(t, "main()", string(c.Bytes))
	assert.Equal(t, "application/javascript", c.ContentType)

	c, err = src.Fetch(context.Background(), "games/foo/sfx/boom.ogg")
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", c.ContentType)

	_, err = src.Fetch(context.Background(), "games/foo/missing.png")
	fe, ok := bundle.AsFetchError(err)
	require.True(t, ok, "expected FetchError, got %v", err)
	assert.Equal(t, http.StatusNotFound, fe.Status)
}

func TestMirrorSource(t *testing.T) {
	srv := repoServer(t)
	src := NewMirror(upstream.New(upstream.Config{Name: "mirror"}), srv.URL+"/raw/")
	assert.Equal(t, srv.URL+"/raw/", src.BaseURL())
	assert.False(t, src.Enumerates())

	ref, _ := bundle.Resolve("games/foo/index.html", "")
	members, err := Collect(src.List(context.Background(), ref))
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].Entry)

	st, err := src.Open(context.Background(), "games/foo/js/main.js")
	require.NoError(t, err)
	defer st.Body.Close()
	data, _ := io.ReadAll(st.Body)
	assert.Equal(t, "main()", string(data))
	assert.Equal(t, "application/javascript", st.ContentType)
}

func zipBytes(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		w.Write([]byte("content of " + n))
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newArchiveSource(t *testing.T, key string, data []byte) *ArchiveSource {
	t.Helper()
	store, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	require.NoError(t, err)
	require.NoError(t, store.PutObject(context.Background(), key, bytes.NewReader(data), int64(len(data))))
	return NewArchive(store, 2)
}

func TestArchiveSource_EntryFallback(t *testing.T) {
	src := newArchiveSource(t, "zips/game.zip", zipBytes(t, "main.js", "play.html"))
	ref, err := bundle.ResolveArchive("zips/game.zip", "index.html")
	require.NoError(t, err)

	resolved, err := src.ResolveEntry(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "zips/game.zip/play.html", resolved.Entry)

	members, err := Collect(src.List(context.Background(), resolved))
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.True(t, members[1].Entry)
}

func TestArchiveSource_FetchMember(t *testing.T) {
	src := newArchiveSource(t, "zips/game.zip", zipBytes(t, "index.html", "Build/app.wasm"))

	c, err := src.Fetch(context.Background(), "zips/game.zip/Build/app.wasm")
	require.NoError(t, err)
	assert.Equal(t, "content of Build/app.wasm", string(c.Bytes))
	assert.Equal(t, "application/wasm", c.ContentType)

	_, err = src.Fetch(context.Background(), "zips/game.zip/nope.js")
	assert.ErrorIs(t, err, bundle.ErrNoEntryFound)

	_, err = src.Fetch(context.Background(), "zips/absent.zip/index.html")
	assert.ErrorIs(t, err, bundle.ErrNoEntryFound)
}

func TestArchiveSource_BareArchivePointer(t *testing.T) {
	src := newArchiveSource(t, "zips/game.zip", zipBytes(t, "index.html", "main.js"))
	ref, err := bundle.ResolveArchive("zips/game", "")
	require.NoError(t, err)

	resolved, err := src.ResolveEntry(context.Background(), ref)
	require.NoError(t, err)

	members, err := Collect(src.List(context.Background(), resolved))
	require.NoError(t, err)
	require.Len(t, members, 2)

	for _, m := range members {
		c, err := src.Fetch(context.Background(), resolved.MemberPath(m.Path))
		require.NoError(t, err, m.Path)
		assert.NotEmpty(t, c.Bytes, m.Path)
	}
}

func TestArchiveSource_NoHTML(t *testing.T) {
	src := newArchiveSource(t, "zips/game.zip", zipBytes(t, "main.js"))
	ref, _ := bundle.ResolveArchive("zips/game.zip", "")
	_, err := src.ResolveEntry(context.Background(), ref)
	assert.ErrorIs(t, err, bundle.ErrNoEntryFound)
}

func TestArchiveSource_Forget(t *testing.T) {
	src := newArchiveSource(t, "zips/game.zip", zipBytes(t, "index.html"))
	_, err := src.Archive(context.Background(), "zips/game.zip")
	require.NoError(t, err)
	assert.Len(t, src.items, 1)

	src.Forget("zips/game.zip")
	assert.Empty(t, src.items)
}

func TestSplitArchivePath(t *testing.T) {
	a, m, err := SplitArchivePath("zips/game.zip/Build/a.js")
	require.NoError(t, err)
	assert.Equal(t, "zips/game.zip", a)
	assert.Equal(t, "Build/a.js", m)

	_, _, err = SplitArchivePath("zips/game.zip")
	assert.ErrorIs(t, err, bundle.ErrInvalidPath)
	_, _, err = SplitArchivePath("games/foo/a.js")
	assert.ErrorIs(t, err, bundle.ErrInvalidPath)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewMirror(upstream.New(upstream.Config{}), "https://cdn.example/"), nil)
	_, ok := r.Get(bundle.BackendMirror)
	assert.True(t, ok)
	_, ok = r.Get(bundle.BackendTree)
	assert.False(t, ok)
	assert.Equal(t, []string{"mirror"}, r.IDs())
}
