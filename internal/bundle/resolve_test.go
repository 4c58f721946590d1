package bundle

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		link   string
		prefix string
		root   string
		entry  string
	}{
		{"games/foo/index.html", "", "games/foo", "games/foo/index.html"},
		{"cyan-assets/HTML/Bitlife/index.html", "cyan-assets/", "HTML/Bitlife", "HTML/Bitlife/index.html"},
		{"/HTML/Bitlife/index.html", "cyan-assets", "HTML/Bitlife", "HTML/Bitlife/index.html"},
		{"HTML/./Bitlife/../Run/game.html", "", "HTML/Run", "HTML/Run/game.html"},
		{"HTML%2FSlope%2Findex.html", "", "HTML/Slope", "HTML/Slope/index.html"},
		{"HTML/My%20Game/index.html", "", "HTML/My Game", "HTML/My Game/index.html"},
		{"HTML/Slope/", "", "HTML/Slope", "HTML/Slope/index.html"},
		{"a/b/c/d.html", "", "a/b/c", "a/b/c/d.html"},
	}

	for _, tt := range tests {
		ref, err := Resolve(tt.link, tt.prefix)
		require.NoError(t, err, tt.link)
		assert.Equal(t, tt.root, ref.Root, tt.link)
		assert.Equal(t, tt.entry, ref.Entry, tt.link)
	}
}

func TestResolve_Invalid(t *testing.T) {
	for _, link := range []string{"", "/", "index.html", "%2F", "./", "a/../index.html", "a/b%252Fc.html"} {
		_, err := Resolve(link, "")
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Resolve(%q) error = %v, want ErrInvalidPath", link, err)
		}
	}
}

func TestResolve_IdempotentAndStrictPrefix(t *testing.T) {
	links := []string{
		"games/foo/index.html",
		"cyan-assets/cyan-assets/x/y.html",
		"x/100%25.html",
		"x/100%.html",
		"deep/er/path/./to/../file.html",
		"HTML/Slope/",
	}
	for _, link := range links {
		first, err := Resolve(link, "cyan-assets/")
		require.NoError(t, err, link)

		second, err := Resolve(first.Entry, "cyan-assets/")
		require.NoError(t, err, link)
		assert.Equal(t, first, second, "resolve not idempotent for %q", link)

		folder := first.Folder()
		assert.True(t, strings.HasPrefix(first.Entry, folder+"/"), "folder %q not a prefix of %q", folder, first.Entry)
		assert.Less(t, len(folder), len(first.Entry))
		assert.Equal(t, first.Root, folder)
	}
}

func TestResolveArchive(t *testing.T) {
	ref, err := ResolveArchive("/zips/game.zip", "")
	require.NoError(t, err)
	assert.Equal(t, "zips/game.zip", ref.Root)
	assert.Equal(t, "zips/game.zip/index.html", ref.Entry)
	assert.Equal(t, "index.html", ref.EntryMember())

	ref, err = ResolveArchive("zips/game.zip", "build/../play.html")
	require.NoError(t, err)
	assert.Equal(t, "zips/game.zip/play.html", ref.Entry)

	_, err = ResolveArchive("", "index.html")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestResolveArchive_NormalizesSuffix(t *testing.T) {
	tests := map[string]string{
		"zips/game":     "zips/game.zip",
		"zips/game.z01": "zips/game.zip",
		"zips/Game.ZIP": "zips/Game.ZIP",
		"game":          "game.zip",
	}
	for in, want := range tests {
		ref, err := ResolveArchive(in, "")
		require.NoError(t, err, in)
		assert.Equal(t, want, ref.Root, in)
		assert.Equal(t, want+"/index.html", ref.Entry, in)
	}
}

func TestRefHelpers(t *testing.T) {
	ref := Ref{Root: "games/foo", Entry: "games/foo/sub/index.html"}
	assert.Equal(t, "games/foo/sub", ref.Folder())
	assert.Equal(t, "sub/index.html", ref.EntryMember())
	assert.Equal(t, "games/foo/main.js", ref.MemberPath("main.js"))
	assert.Equal(t, "games/foo/play.html", ref.WithEntry("play.html").Entry)
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a/main.js":        "application/javascript",
		"style.CSS":        "text/css",
		"index.html":       "text/html",
		"data.json":        "application/json",
		"x.png":            "image/png",
		"x.jpg":            "image/jpeg",
		"x.jpeg":           "image/jpeg",
		"x.gif":            "image/gif",
		"x.svg":            "image/svg+xml",
		"game.wasm":        "application/wasm",
		"Build/a.unityweb": "application/octet-stream",
		"assets.zip":       "application/zip",
		"noext":            "application/octet-stream",
		"sound.ogg":        "application/octet-stream",
	}
	for p, want := range tests {
		assert.Equal(t, want, ContentType(p), p)
	}

	assert.Equal(t, "audio/ogg", ContentTypeWithFallback("sound.ogg", "audio/ogg"))
	assert.Equal(t, "application/javascript", ContentTypeWithFallback("main.js", "text/plain"))
	assert.Equal(t, "application/octet-stream", ContentTypeWithFallback("sound.ogg", ""))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindHTML, KindOf("a/index.HTML"))
	assert.Equal(t, KindScript, KindOf("main.js"))
	assert.Equal(t, KindStyle, KindOf("x.css"))
	assert.Equal(t, KindImage, KindOf("x.png"))
	assert.Equal(t, KindBinary, KindOf("x.wasm"))
	assert.True(t, KindScript.IsText())
	assert.False(t, KindImage.IsText())
}

func TestFetchError(t *testing.T) {
	var err error = &FetchError{Status: 404, URL: "https://x/y"}
	wrapped := errors.Join(errors.New("ctx"), err)
	fe, ok := AsFetchError(wrapped)
	require.True(t, ok)
	assert.Equal(t, 404, fe.Status)
	assert.Contains(t, err.Error(), "404")
}
