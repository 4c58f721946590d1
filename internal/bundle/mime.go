package bundle

import (
	"path"
	"strings"
)

const octetStream = "application/octet-stream"

// contentTypes is the fixed extension table. Types are never sniffed.
var contentTypes = map[string]string{
	"js":       "application/javascript",
	"css":      "text/css",
	"html":     "text/html",
	"json":     "application/json",
	"png":      "image/png",
	"jpg":      "image/jpeg",
	"jpeg":     "image/jpeg",
	"gif":      "image/gif",
	"svg":      "image/svg+xml",
	"wasm":     "application/wasm",
	"unityweb": octetStream,
	"zip":      "application/zip",
}

// ContentType returns the content type for a member path from the
// extension table, falling back to application/octet-stream.
func ContentType(p string) string {
	ct, _ := lookupContentType(p)
	return ct
}

// ContentTypeWithFallback returns the table type for p. For extensions
// missing from the table, a non-empty upstream header is used for binary
// members; text members never trust the upstream header.
func ContentTypeWithFallback(p, upstream string) string {
	ct, known := lookupContentType(p)
	if known || upstream == "" || KindOf(p).IsText() {
		return ct
	}
	return upstream
}

func lookupContentType(p string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ct, ok := contentTypes[ext]; ok {
		return ct, true
	}
	return octetStream, false
}
