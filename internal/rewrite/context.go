// Package rewrite transforms a bundle's entry document so every relative
// reference resolves from wherever the document is served. The pipeline is
// pure: everything it needs, including inlinable asset content, is passed
// in through Context.
package rewrite

import (
	"regexp"
	"strings"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
)

// Context carries the per-document inputs of a rewrite.
type Context struct {
	// BaseHref is the URL injected as <base href>; normally
	// Map(Folder) + "/".
	BaseHref string

	// Folder is the backend path of the entry document's folder.
	Folder string

	// Scope is the backend path that root-relative ("/x") references
	// resolve against. "" is the backend root.
	Scope string

	// Map turns a backend path into the URL emitted in the document.
	Map func(backendPath string) string

	// Inline holds fetched assets by cleaned backend path. Nil disables
	// inlining.
	Inline map[string]bundle.Content

	// emitted remembers which backend path each emitted URL came from so
	// later steps can recognise references rewritten by earlier ones.
	emitted map[string]string
}

var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*:`)

// Skip reports whether a reference is left untouched: empty values,
// fragments, protocol-relative URLs and anything with a scheme
// (http:, https:, data:, javascript:, blob: ...).
func Skip(value string) bool {
	v := strings.TrimSpace(value)
	switch {
	case v == "":
		return true
	case strings.HasPrefix(v, "#"):
		return true
	case strings.HasPrefix(v, "//"):
		return true
	}
	return schemeRe.MatchString(v)
}

// target joins a relative or root-relative value onto its base backend
// path without normalizing, so URL(v) == BaseHref + v for relative v.
func (c *Context) target(value string) string {
	if strings.HasPrefix(value, "/") {
		return join(c.Scope, value[1:])
	}
	return join(c.Folder, value)
}

// URL resolves a reference to the URL to emit. ok is false for values that
// must not be rewritten.
func (c *Context) URL(value string) (string, bool) {
	if Skip(value) {
		return value, false
	}
	u := c.mapPath(c.target(value))
	if c.emitted == nil {
		c.emitted = make(map[string]string)
	}
	c.emitted[u] = c.BackendPath(value)
	return u, true
}

// BackendPath resolves a reference to the cleaned backend path it names,
// without query or fragment. It returns "" for skipped values.
func (c *Context) BackendPath(value string) string {
	if Skip(value) {
		return ""
	}
	if i := strings.IndexAny(value, "?#"); i >= 0 {
		value = value[:i]
	}
	return bundle.CleanPath(c.target(value))
}

// lookup returns the backend path for a value that is either still
// relative or was emitted by URL earlier in this rewrite.
func (c *Context) lookup(value string) string {
	if p, ok := c.emitted[value]; ok {
		return p
	}
	return c.BackendPath(value)
}

func (c *Context) mapPath(p string) string {
	if c.Map == nil {
		return p
	}
	return c.Map(p)
}

// Relative returns a copy of c whose relative references resolve against
// folder. Used for the url()s of an inlined stylesheet.
func (c *Context) Relative(folder string) *Context {
	cp := *c
	cp.Folder = folder
	cp.emitted = nil
	return &cp
}

func join(base, rel string) string {
	if base == "" {
		return rel
	}
	return base + "/" + rel
}

// replaceSubmatches is ReplaceAllStringFunc with access to submatches.
// Unmatched groups are "".
func replaceSubmatches(re *regexp.Regexp, s string, fn func(m []string) string) string {
	idx := re.FindAllStringSubmatchIndex(s, -1)
	if len(idx) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, loc := range idx {
		m := make([]string, len(loc)/2)
		for i := range m {
			if loc[2*i] >= 0 {
				m[i] = s[loc[2*i]:loc[2*i+1]]
			}
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(fn(m))
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}
