package archive

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/storage/local"
)

func buildZip(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestMatchParts(t *testing.T) {
	names := []string{
		"zips/game.zip",
		"zips/game.z02",
		"zips/game.z01",
		"zips/game.z1",
		"zips/gameplus.zip",
		"zips/other.z01",
		"zips/game.zip.bak",
	}
	got := MatchParts("zips/game.zip", names)
	assert.Equal(t, []string{"zips/game.z01", "zips/game.z02", "zips/game.zip"}, got)
}

func TestMatchParts_QuotesBaseName(t *testing.T) {
	got := MatchParts("a+b.zip", []string{"a+b.zip", "aab.zip"})
	assert.Equal(t, []string{"a+b.zip"}, got)
}

func TestLoad_TwoPartArchive(t *testing.T) {
	ctx := context.Background()
	whole := buildZip(t, map[string]string{
		"index.html":    "<html><head></head><body>hi</body></html>",
		"Build/game.js": "console.log('x')",
	}, "index.html", "Build/game.js")

	split := len(whole) / 2
	store, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	require.NoError(t, err)
	require.NoError(t, store.PutObject(ctx, "zips/a.z01", bytes.NewReader(whole[:split]), int64(split)))
	require.NoError(t, store.PutObject(ctx, "zips/a.zip", bytes.NewReader(whole[split:]), int64(len(whole)-split)))

	a, err := Load(ctx, store, "zips/a.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(len(whole)), a.Size())
	assert.Equal(t, []string{"index.html", "Build/game.js"}, a.Entries())

	data, err := a.Read("Build/game.js")
	require.NoError(t, err)
	assert.Equal(t, "console.log('x')", string(data))
}

func TestLoad_MissingArchive(t *testing.T) {
	store, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	require.NoError(t, err)

	_, err = Load(context.Background(), store, "zips/none.zip")
	assert.ErrorIs(t, err, bundle.ErrNoEntryFound)
}

func TestOpen_Garbage(t *testing.T) {
	_, err := Open([]byte("definitely not a zip"))
	assert.ErrorIs(t, err, bundle.ErrDecodeFailed)
}

func TestRead_MissingMember(t *testing.T) {
	a, err := Open(buildZip(t, map[string]string{"index.html": "x"}, "index.html"))
	require.NoError(t, err)

	_, err = a.Read("nope/missing.js")
	if !errors.Is(err, bundle.ErrNoEntryFound) {
		t.Fatalf("expected ErrNoEntryFound, got %v", err)
	}
}

func TestFindEntry(t *testing.T) {
	files := map[string]string{
		"index.html":    "a",
		"play.html":     "b",
		"sub/game.html": "c",
		"main.js":       "d",
	}

	a, err := Open(buildZip(t, files, "main.js", "sub/game.html", "play.html", "index.html"))
	require.NoError(t, err)

	name, err := a.FindEntry("play.html")
	require.NoError(t, err)
	assert.Equal(t, "play.html", name)

	name, err = a.FindEntry("missing.html")
	require.NoError(t, err)
	assert.Equal(t, "index.html", name)

	b, err := Open(buildZip(t, files, "main.js", "sub/game.html", "play.html"))
	require.NoError(t, err)
	name, err = b.FindEntry("")
	require.NoError(t, err)
	assert.Equal(t, "sub/game.html", name)

	c, err := Open(buildZip(t, files, "main.js"))
	require.NoError(t, err)
	_, err = c.FindEntry("index.html")
	assert.ErrorIs(t, err, bundle.ErrNoEntryFound)
}

func TestMembers(t *testing.T) {
	a, err := Open(buildZip(t, map[string]string{"index.html": "12345", "img/a.png": "xy"}, "index.html", "img/a.png"))
	require.NoError(t, err)

	ms := a.Members()
	require.Len(t, ms, 2)
	assert.Equal(t, bundle.KindHTML, ms[0].Kind)
	assert.Equal(t, int64(5), ms[0].SizeHint)
	assert.Equal(t, bundle.KindImage, ms[1].Kind)
}
