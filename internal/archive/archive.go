// Package archive reassembles multi-volume zip archives and reads their
// members.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/logging"
)

// PartStore is the subset of storage.Backend needed to load archive parts.
type PartStore interface {
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MatchParts returns the volume parts of archiveName found among names,
// sorted lexicographically. A part is "<base>.zip" or "<base>.zNN", so
// "game.z01" sorts before "game.zip". names may carry directory prefixes.
func MatchParts(archiveName string, names []string) []string {
	base := path.Base(archiveName)
	base = strings.TrimSuffix(base, path.Ext(base))
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `\.z(ip|\d{2})$`)

	var parts []string
	for _, n := range names {
		if re.MatchString(path.Base(n)) {
			parts = append(parts, n)
		}
	}
	sort.Strings(parts)
	return parts
}

// Assemble concatenates volume parts in the given order.
func Assemble(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

// Load finds every volume part of archivePath in store, concatenates them
// and opens the result. The whole archive is materialized in memory.
func Load(ctx context.Context, store PartStore, archivePath string) (*Archive, error) {
	archivePath = bundle.CleanPath(archivePath)
	dir := path.Dir(archivePath)
	if dir == "." {
		dir = ""
	}

	names, err := store.ListObjects(ctx, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, bundle.NoEntryf("archive %s not found", archivePath)
		}
		return nil, fmt.Errorf("list parts of %s: %w", archivePath, err)
	}
	parts := MatchParts(archivePath, names)
	if len(parts) == 0 {
		return nil, bundle.NoEntryf("archive %s not found", archivePath)
	}

	bufs := make([][]byte, 0, len(parts))
	for _, key := range parts {
		data, err := readObject(ctx, store, key)
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, data)
	}

	logging.WithContext(ctx).Debug("archive assembled",
		logging.String("archive", archivePath),
		logging.Int("parts", len(parts)),
	)
	return Open(Assemble(bufs))
}

func readObject(ctx context.Context, store PartStore, key string) ([]byte, error) {
	rc, _, err := store.GetObject(ctx, key, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("read part %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read part %s: %w", key, err)
	}
	return data, nil
}

// Archive is an opened, fully buffered zip archive.
type Archive struct {
	zr     *zip.Reader
	byName map[string]*zip.File
	names  []string
	size   int64
}

// Open parses the central directory of an assembled archive buffer.
func Open(buf []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, bundle.DecodeFailed("zip central directory", err)
	}

	a := &Archive{
		zr:     zr,
		byName: make(map[string]*zip.File, len(zr.File)),
		size:   int64(len(buf)),
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := bundle.CleanPath(f.Name)
		if name == "" {
			continue
		}
		if _, dup := a.byName[name]; dup {
			continue
		}
		a.byName[name] = f
		a.names = append(a.names, name)
	}
	return a, nil
}

// Size returns the assembled archive size in bytes.
func (a *Archive) Size() int64 {
	return a.size
}

// Entries returns the file member names in central directory order.
func (a *Archive) Entries() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}

// Members returns the file members with kinds and uncompressed sizes.
func (a *Archive) Members() []bundle.Member {
	out := make([]bundle.Member, 0, len(a.names))
	for _, n := range a.names {
		out = append(out, bundle.NewMember(n, int64(a.byName[n].UncompressedSize64)))
	}
	return out
}

// Has reports whether name is a file member.
func (a *Archive) Has(name string) bool {
	_, ok := a.byName[bundle.CleanPath(name)]
	return ok
}

// OpenMember returns a decompressing reader for one member and its size.
func (a *Archive) OpenMember(name string) (io.ReadCloser, int64, error) {
	f, ok := a.byName[bundle.CleanPath(name)]
	if !ok {
		return nil, 0, bundle.NoEntryf("%s is not in the archive", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, 0, bundle.DecodeFailed(name, err)
	}
	return rc, int64(f.UncompressedSize64), nil
}

// Read decompresses one member fully.
func (a *Archive) Read(name string) ([]byte, error) {
	rc, _, err := a.OpenMember(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, bundle.DecodeFailed(name, err)
	}
	return data, nil
}

// FindEntry picks the entry document: the requested member when present,
// then index.html, then the first member ending in ".html".
func (a *Archive) FindEntry(requested string) (string, error) {
	if requested = bundle.CleanPath(requested); requested != "" && a.Has(requested) {
		return requested, nil
	}
	if a.Has(bundle.DefaultEntry) {
		return bundle.DefaultEntry, nil
	}
	for _, n := range a.names {
		if strings.HasSuffix(n, ".html") {
			return n, nil
		}
	}
	return "", bundle.NoEntryf("no html document in archive")
}
