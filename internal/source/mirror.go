package source

import (
	"context"
	"iter"
	"strings"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/upstream"
)

// MirrorSource serves members from a flat same-layout mirror (a CDN in
// front of the repository). It has no listing call: the known member set
// starts with the entry document and grows as members are requested.
type MirrorSource struct {
	http    *upstream.Client
	baseURL string
}

// NewMirror creates a mirror-backed source rooted at baseURL.
func NewMirror(http *upstream.Client, baseURL string) *MirrorSource {
	return &MirrorSource{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/") + "/",
	}
}

func (s *MirrorSource) ID() string              { return bundle.BackendMirror }
func (s *MirrorSource) BaseURL() string         { return s.baseURL }
func (s *MirrorSource) Scope(bundle.Ref) string { return "" }
func (s *MirrorSource) Enumerates() bool        { return false }

func (s *MirrorSource) ResolveEntry(_ context.Context, ref bundle.Ref) (bundle.Ref, error) {
	return ref, nil
}

// List yields only the entry document.
func (s *MirrorSource) List(_ context.Context, ref bundle.Ref) iter.Seq2[bundle.Member, error] {
	return func(yield func(bundle.Member, error) bool) {
		m := bundle.NewMember(ref.EntryMember(), 0)
		m.Entry = true
		yield(m, nil)
	}
}

func (s *MirrorSource) Fetch(ctx context.Context, p string) (bundle.Content, error) {
	data, ct, err := s.http.GetBytes(ctx, s.baseURL+upstream.EscapePath(p))
	if err != nil {
		return bundle.Content{}, err
	}
	return bundle.Content{Bytes: data, ContentType: bundle.ContentTypeWithFallback(p, ct)}, nil
}

func (s *MirrorSource) Open(ctx context.Context, p string) (*bundle.Stream, error) {
	st, err := s.http.Open(ctx, s.baseURL+upstream.EscapePath(p))
	if err != nil {
		return nil, err
	}
	st.ContentType = bundle.ContentTypeWithFallback(p, st.ContentType)
	return st, nil
}
