package source

import (
	"context"
	"iter"
	"strings"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/internal/treeapi"
	"github.com/fruitsalade/bundleproxy/internal/upstream"
)

// TreeConfig configures a TreeSource.
type TreeConfig struct {
	Branch string
	// RawURL is the raw-file base for the repository and branch, e.g.
	// https://raw.githubusercontent.com/owner/repo/main/
	RawURL string
}

// TreeSource enumerates bundles through the recursive tree API and fetches
// members from the raw-file host.
type TreeSource struct {
	api    *treeapi.Client
	raw    *upstream.Client
	branch string
	rawURL string
}

// NewTree creates a tree-backed source.
func NewTree(api *treeapi.Client, raw *upstream.Client, cfg TreeConfig) *TreeSource {
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return &TreeSource{
		api:    api,
		raw:    raw,
		branch: cfg.Branch,
		rawURL: strings.TrimRight(cfg.RawURL, "/") + "/",
	}
}

func (s *TreeSource) ID() string              { return bundle.BackendTree }
func (s *TreeSource) BaseURL() string         { return s.rawURL }
func (s *TreeSource) Scope(bundle.Ref) string { return "" }
func (s *TreeSource) Enumerates() bool        { return true }

// ResolveEntry returns ref unchanged; a missing entry surfaces on fetch.
func (s *TreeSource) ResolveEntry(_ context.Context, ref bundle.Ref) (bundle.Ref, error) {
	return ref, nil
}

// List resolves the branch head, lists the tree and keeps blobs under the
// bundle folder. The entry document is appended when the listing lacks it.
func (s *TreeSource) List(ctx context.Context, ref bundle.Ref) iter.Seq2[bundle.Member, error] {
	return func(yield func(bundle.Member, error) bool) {
		blobs, err := s.api.Blobs(ctx, s.branch)
		if err != nil {
			yield(bundle.Member{}, err)
			return
		}

		prefix := ref.Root + "/"
		entry := ref.EntryMember()
		sawEntry := false
		n := 0
		for _, b := range blobs {
			if !strings.HasPrefix(b.Path, prefix) {
				continue
			}
			m := bundle.NewMember(strings.TrimPrefix(b.Path, prefix), b.Size)
			if m.Path == entry {
				m.Entry = true
				sawEntry = true
			}
			n++
			if !yield(m, nil) {
				return
			}
		}

		if !sawEntry {
			logging.WithContext(ctx).Debug("entry document missing from tree listing",
				logging.String("root", ref.Root),
				logging.String("entry", ref.Entry),
				logging.Int("members", n),
			)
			m := bundle.NewMember(entry, 0)
			m.Entry = true
			yield(m, nil)
		}
	}
}

// Fetch downloads a member from the raw-file host. The extension table
// decides the content type; the upstream header is only a fallback for
// binary members.
func (s *TreeSource) Fetch(ctx context.Context, p string) (bundle.Content, error) {
	data, ct, err := s.raw.GetBytes(ctx, s.rawURL+upstream.EscapePath(p))
	if err != nil {
		return bundle.Content{}, err
	}
	return bundle.Content{Bytes: data, ContentType: bundle.ContentTypeWithFallback(p, ct)}, nil
}

// Open streams a member from the raw-file host.
func (s *TreeSource) Open(ctx context.Context, p string) (*bundle.Stream, error) {
	st, err := s.raw.Open(ctx, s.rawURL+upstream.EscapePath(p))
	if err != nil {
		return nil, err
	}
	st.ContentType = bundle.ContentTypeWithFallback(p, st.ContentType)
	return st, nil
}
