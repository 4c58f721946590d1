package bundle

import (
	"net/url"
	"path"
	"strings"
)

// DefaultEntry is the entry document assumed for folder pointers.
const DefaultEntry = "index.html"

// Resolve normalizes a caller-supplied bundle pointer into a Ref.
// prefix is the bundle-root prefix stripped from pointers that carry it
// (for example "cyan-assets/"); it may be empty.
func Resolve(link, prefix string) (Ref, error) {
	p, err := decodePointer(link)
	if err != nil {
		return Ref{}, err
	}
	p = stripPrefix(p, prefix)
	if strings.HasSuffix(p, "/") {
		p += DefaultEntry
	}
	p = CleanPath(p)
	if p == "" {
		return Ref{}, InvalidPathf("%q is empty", link)
	}
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return Ref{}, InvalidPathf("%q has no folder component", link)
	}
	return Ref{Root: p[:i], Entry: p}, nil
}

// ResolveArchive builds a Ref for an archive-backed bundle. Root is the
// normalized archive path ending in ".zip"; a bare base name or a volume
// part ("game", "game.z01") names the same archive as "game.zip". entry is
// the requested member inside the archive and defaults to index.html.
func ResolveArchive(archivePath, entry string) (Ref, error) {
	p, err := decodePointer(archivePath)
	if err != nil {
		return Ref{}, err
	}
	p = CleanPath(p)
	if p == "" {
		return Ref{}, InvalidPathf("archive path %q is empty", archivePath)
	}
	if !strings.HasSuffix(strings.ToLower(p), ".zip") {
		p = strings.TrimSuffix(p, path.Ext(p)) + ".zip"
	}
	e := CleanPath(entry)
	if e == "" {
		e = DefaultEntry
	}
	return Ref{Root: p, Entry: p + "/" + e}, nil
}

// CleanPath converts p to a slash-separated relative path: no leading "/",
// no "." segments, and ".." segments collapsed without escaping the root.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
			continue
		}
		stack = append(stack, part)
	}
	return strings.Join(stack, "/")
}

// decodePointer URL-decodes a pointer once. Strings that are not valid
// escapes are taken literally; double-encoded pointers are rejected so that
// resolving an already resolved entry is a no-op.
func decodePointer(link string) (string, error) {
	p, err := url.PathUnescape(link)
	if err != nil {
		return link, nil
	}
	if p != link {
		if again, err := url.PathUnescape(p); err == nil && again != p {
			return "", InvalidPathf("%q is encoded more than once", link)
		}
	}
	return p, nil
}

func stripPrefix(p, prefix string) string {
	prefix = strings.Trim(prefix, "/")
	for {
		p = strings.TrimLeft(p, "/")
		if prefix == "" || !strings.HasPrefix(p, prefix+"/") {
			return p
		}
		p = p[len(prefix)+1:]
	}
}
