// Package bundle defines the shared vocabulary of the proxy: bundle
// references, members, fetched content and the error taxonomy.
package bundle

import (
	"io"
	"path"
	"strings"
)

// Backend identifiers.
const (
	BackendTree    = "tree"
	BackendMirror  = "mirror"
	BackendArchive = "archive"
)

// Ref identifies a requested bundle. Entry always starts with Root + "/".
type Ref struct {
	Root  string `json:"root"`
	Entry string `json:"entry"`
}

// Folder returns everything before the last "/" of the entry path.
func (r Ref) Folder() string {
	if i := strings.LastIndexByte(r.Entry, '/'); i >= 0 {
		return r.Entry[:i]
	}
	return ""
}

// EntryMember returns the entry path relative to Root.
func (r Ref) EntryMember() string {
	return strings.TrimPrefix(r.Entry, r.Root+"/")
}

// MemberPath joins Root and a root-relative member path.
func (r Ref) MemberPath(rel string) string {
	if r.Root == "" {
		return rel
	}
	return r.Root + "/" + rel
}

// WithEntry returns a copy of r whose entry is the given root-relative member.
func (r Ref) WithEntry(rel string) Ref {
	r.Entry = r.MemberPath(rel)
	return r
}

// Kind classifies a member by how the rewriter treats it.
type Kind int

const (
	KindBinary Kind = iota
	KindHTML
	KindScript
	KindStyle
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindScript:
		return "script"
	case KindStyle:
		return "style"
	case KindImage:
		return "image"
	default:
		return "binary"
	}
}

// IsText reports whether members of this kind are decoded as text.
func (k Kind) IsText() bool {
	return k == KindHTML || k == KindScript || k == KindStyle
}

// KindOf derives a member kind from its file extension.
func KindOf(p string) Kind {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(p), ".")) {
	case "html", "htm":
		return KindHTML
	case "js", "mjs":
		return KindScript
	case "css":
		return KindStyle
	case "png", "jpg", "jpeg", "gif", "svg", "webp", "ico":
		return KindImage
	default:
		return KindBinary
	}
}

// Member is one file of a bundle, addressed relative to the bundle root.
type Member struct {
	Path     string `json:"path"`
	Kind     Kind   `json:"kind"`
	SizeHint int64  `json:"size_hint,omitempty"`
	Entry    bool   `json:"entry,omitempty"`
}

// NewMember builds a member with its kind derived from the path.
func NewMember(rel string, size int64) Member {
	return Member{Path: rel, Kind: KindOf(rel), SizeHint: size}
}

// Content is a fully buffered member.
type Content struct {
	Bytes       []byte
	ContentType string
}

// Stream is an unbuffered member body. The caller must close Body.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64 // -1 when unknown
}
