// Package source implements the three bundle backends: a remote repository
// tree, a flat CDN mirror and zip archives. Each backend enumerates the
// members of a bundle and fetches member content.
package source

import (
	"context"
	"iter"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
)

// Source is one backend. Backend paths are slash-separated and relative to
// the backend root; a member's backend path is ref.MemberPath(member.Path).
type Source interface {
	// ID is the backend identifier used in cache keys and URLs.
	ID() string

	// BaseURL is the absolute URL of the backend root, ending in "/", or ""
	// when members are only reachable through the proxy.
	BaseURL() string

	// Scope is the backend path that root-relative ("/x") references of ref
	// resolve against. "" means the backend root.
	Scope(ref bundle.Ref) string

	// Enumerates reports whether List returns the complete member set. When
	// false, members are discovered as they are requested.
	Enumerates() bool

	// ResolveEntry returns ref with its entry replaced by the document the
	// backend will actually serve.
	ResolveEntry(ctx context.Context, ref bundle.Ref) (bundle.Ref, error)

	// List enumerates the members of ref, relative to ref.Root. The
	// sequence performs its upstream calls when iterated and may be
	// iterated again.
	List(ctx context.Context, ref bundle.Ref) iter.Seq2[bundle.Member, error]

	// Fetch buffers the member at a backend path.
	Fetch(ctx context.Context, p string) (bundle.Content, error)

	// Open streams the member at a backend path.
	Open(ctx context.Context, p string) (*bundle.Stream, error)
}

// Forgetter is implemented by sources that memoize per-bundle state.
type Forgetter interface {
	Forget(root string)
}

// Registry holds the configured sources by ID.
type Registry struct {
	sources map[string]Source
	order   []string
}

// NewRegistry creates a registry from sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	for _, s := range sources {
		if s == nil {
			continue
		}
		if _, dup := r.sources[s.ID()]; !dup {
			r.order = append(r.order, s.ID())
		}
		r.sources[s.ID()] = s
	}
	return r
}

// Get returns the source with id.
func (r *Registry) Get(id string) (Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

// IDs returns the registered source IDs in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Collect drains a member sequence, stopping at the first error.
func Collect(seq iter.Seq2[bundle.Member, error]) ([]bundle.Member, error) {
	var out []bundle.Member
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
