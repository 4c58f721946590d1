// Package engine wires the resolver, the backends, the bundle cache and the
// rewriter into the operations the HTTP layer serves: play a bundle, serve
// one of its members, describe and invalidate cached bundles.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/bundleproxy/internal/addrspace"
	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/cache"
	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/internal/metrics"
	"github.com/fruitsalade/bundleproxy/internal/rewrite"
	"github.com/fruitsalade/bundleproxy/internal/source"
)

// Config holds engine settings.
type Config struct {
	// Prefix is the bundle-root prefix stripped from pointers.
	Prefix string
	// ProxyAssets emits proxied URLs for every backend. Otherwise backends
	// with a base URL are addressed directly.
	ProxyAssets bool
	// Inline is the inlining policy per backend ID.
	Inline map[string]bool
	// MaxStreamBytes is the size above which members are streamed instead
	// of cached. Zero caches everything.
	MaxStreamBytes int64
	// InlineConcurrency bounds asset fetches for inlining.
	InlineConcurrency int
}

// Engine serves bundles from the configured backends.
type Engine struct {
	cfg     Config
	cache   *cache.BundleCache
	sources *source.Registry

	// spaces address members in rewritten documents; proxies always
	// address them through this process.
	spaces  map[string]*addrspace.Space
	proxies map[string]*addrspace.Space
}

// New creates an engine over a cache and the registered backends.
func New(c *cache.BundleCache, sources *source.Registry, cfg Config) *Engine {
	if cfg.InlineConcurrency <= 0 {
		cfg.InlineConcurrency = 8
	}
	e := &Engine{
		cfg:     cfg,
		cache:   c,
		sources: sources,
		spaces:  make(map[string]*addrspace.Space),
		proxies: make(map[string]*addrspace.Space),
	}
	for _, id := range sources.IDs() {
		src, _ := sources.Get(id)
		mode := addrspace.Direct
		if cfg.ProxyAssets {
			mode = addrspace.Proxied
		}
		e.spaces[id] = addrspace.New(id, src.BaseURL(), mode, c)
		e.proxies[id] = addrspace.New(id, "", addrspace.Proxied, c)
	}
	return e
}

// Backends returns the configured backend IDs.
func (e *Engine) Backends() []string {
	return e.sources.IDs()
}

// Cache returns the bundle cache.
func (e *Engine) Cache() *cache.BundleCache {
	return e.cache
}

// Space returns the address space rewritten documents of a backend use.
func (e *Engine) Space(backend string) (*addrspace.Space, bool) {
	s, ok := e.spaces[backend]
	return s, ok
}

func (e *Engine) source(backend string) (source.Source, error) {
	src, ok := e.sources.Get(backend)
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", addrspace.ErrNotFound, backend)
	}
	return src, nil
}

// Resolve turns a pointer into a bundle reference for a backend. For the
// archive backend the pointer is the archive path and entry names the
// document inside it; elsewhere a non-empty entry replaces the document
// the pointer names.
func (e *Engine) Resolve(backend, pointer, entry string) (bundle.Ref, error) {
	if _, err := e.source(backend); err != nil {
		return bundle.Ref{}, err
	}
	if backend == bundle.BackendArchive {
		return bundle.ResolveArchive(pointer, entry)
	}
	ref, err := bundle.Resolve(pointer, e.cfg.Prefix)
	if err != nil {
		return ref, err
	}
	if rel := bundle.CleanPath(entry); rel != "" {
		ref = ref.WithEntry(rel)
	}
	return ref, nil
}

// Prepare resolves a pointer, settles its entry document and makes sure
// the bundle is cached.
func (e *Engine) Prepare(ctx context.Context, backend, pointer, entry string) (bundle.Ref, *cache.State, error) {
	src, err := e.source(backend)
	if err != nil {
		return bundle.Ref{}, nil, err
	}
	ref, err := e.Resolve(backend, pointer, entry)
	if err != nil {
		return bundle.Ref{}, nil, err
	}
	ref, err = src.ResolveEntry(ctx, ref)
	if err != nil {
		return ref, nil, err
	}
	st, err := e.cache.EnsureCached(ctx, ref, src)
	if err != nil {
		return ref, nil, err
	}
	return ref, st, nil
}

// PlayRequest selects the bundle to play.
type PlayRequest struct {
	Backend string
	Pointer string
	Entry   string
	// Inline overrides the backend's inlining policy when non-nil.
	Inline *bool
}

// Document is a rewritten entry document.
type Document struct {
	Ref      bundle.Ref
	State    *cache.State
	BaseHref string
	HTML     string
	Inlined  int
}

// Play caches a bundle and returns its rewritten entry document.
func (e *Engine) Play(ctx context.Context, req PlayRequest) (*Document, error) {
	ref, st, err := e.Prepare(ctx, req.Backend, req.Pointer, req.Entry)
	if err != nil {
		return nil, err
	}
	src, _ := e.sources.Get(req.Backend)

	content, err := e.member(ctx, src, ref.Entry)
	if err != nil {
		return nil, fmt.Errorf("entry document: %w", err)
	}
	doc := strings.ToValidUTF8(string(content.Bytes), "�")

	space := e.spaces[req.Backend]
	rctx := &rewrite.Context{
		BaseHref: space.ToExternal(ref.Folder()) + "/",
		Folder:   ref.Folder(),
		Scope:    src.Scope(ref),
		Map:      space.ToExternal,
	}

	inline := e.cfg.Inline[req.Backend]
	if req.Inline != nil {
		inline = *req.Inline
	}
	if inline {
		rctx.Inline = e.inlineAssets(ctx, src, rewrite.InlineCandidates(doc, rctx))
	}

	start := time.Now()
	html := rewrite.Rewrite(doc, rctx)
	metrics.RecordRewrite(time.Since(start))

	logging.WithContext(ctx).Debug("bundle rewritten",
		logging.String("backend", req.Backend),
		logging.String("entry", ref.Entry),
		logging.Int("inlined", len(rctx.Inline)),
	)
	return &Document{
		Ref:      ref,
		State:    st,
		BaseHref: rctx.BaseHref,
		HTML:     html,
		Inlined:  len(rctx.Inline),
	}, nil
}

// inlineAssets fetches the inlining candidates of a document. Failures are
// logged and leave the reference as it is.
func (e *Engine) inlineAssets(ctx context.Context, src source.Source, paths []string) map[string]bundle.Content {
	out := make(map[string]bundle.Content, len(paths))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.cfg.InlineConcurrency)
	for _, p := range paths {
		g.Go(func() error {
			c, err := e.member(ctx, src, p)
			metrics.RecordInline(err == nil)
			if err != nil {
				logging.WithContext(ctx).Debug("asset not inlined", logging.String("path", p), logging.Err(err))
				return nil
			}
			mu.Lock()
			out[p] = c
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// member returns a member's content from the cache, fetching and caching
// it on a miss.
func (e *Engine) member(ctx context.Context, src source.Source, p string) (bundle.Content, error) {
	key := cache.Key(src.ID(), "", p)
	if ent, ok := e.cache.Get(ctx, key); ok {
		return bundle.Content{Bytes: ent.Bytes, ContentType: ent.ContentType}, nil
	}
	c, err := src.Fetch(ctx, p)
	if err != nil {
		return bundle.Content{}, err
	}
	if err := e.cache.Put(ctx, key, c.Bytes, c.ContentType); err != nil {
		logging.WithContext(ctx).Warn("cache write failed", logging.String("key", key), logging.Err(err))
	}
	e.cache.Remember(src.ID(), p)
	return c, nil
}

// Asset is a member ready to be served. Exactly one of Bytes and Body is
// set; Body must be closed by the caller.
type Asset struct {
	Path        string
	ContentType string
	Bytes       []byte
	Body        io.ReadCloser
	Size        int64
	Cached      bool
}

// Asset serves a request path of the proxied address space of a backend.
// Paths not belonging to a cached bundle fail with addrspace.ErrNotFound.
func (e *Engine) Asset(ctx context.Context, backend, requestPath string) (*Asset, error) {
	space, ok := e.proxies[backend]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", addrspace.ErrNotFound, backend)
	}
	p, err := space.FromExternal(requestPath)
	if err != nil {
		return nil, err
	}
	return e.Member(ctx, backend, p)
}

// Member serves a member by backend path without a membership check. Cache
// misses are fetched; members larger than MaxStreamBytes are streamed and
// not cached.
func (e *Engine) Member(ctx context.Context, backend, p string) (*Asset, error) {
	src, err := e.source(backend)
	if err != nil {
		return nil, err
	}
	key := cache.Key(backend, "", p)
	if ent, ok := e.cache.Get(ctx, key); ok {
		return &Asset{Path: p, ContentType: ent.ContentType, Bytes: ent.Bytes, Size: ent.Size(), Cached: true}, nil
	}

	if e.cfg.MaxStreamBytes <= 0 {
		c, err := e.member(ctx, src, p)
		if err != nil {
			return nil, err
		}
		return &Asset{Path: p, ContentType: c.ContentType, Bytes: c.Bytes, Size: int64(len(c.Bytes))}, nil
	}

	st, err := src.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	if st.Size > e.cfg.MaxStreamBytes {
		return &Asset{Path: p, ContentType: st.ContentType, Body: st.Body, Size: st.Size}, nil
	}

	// Unknown sizes are buffered up to the limit; anything longer is
	// streamed with the buffered head in front.
	head, err := io.ReadAll(io.LimitReader(st.Body, e.cfg.MaxStreamBytes+1))
	if err != nil {
		st.Body.Close()
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	if int64(len(head)) > e.cfg.MaxStreamBytes {
		return &Asset{
			Path:        p,
			ContentType: st.ContentType,
			Body:        readCloser{io.MultiReader(bytes.NewReader(head), st.Body), st.Body},
			Size:        st.Size,
		}, nil
	}
	st.Body.Close()

	if err := e.cache.Put(ctx, key, head, st.ContentType); err != nil {
		logging.WithContext(ctx).Warn("cache write failed", logging.String("key", key), logging.Err(err))
	}
	e.cache.Remember(backend, p)
	return &Asset{Path: p, ContentType: st.ContentType, Bytes: head, Size: int64(len(head))}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Status returns the cache state of the bundle a pointer names. Unknown
// bundles report StatusAbsent.
func (e *Engine) Status(backend, pointer, entry string) (bundle.Ref, *cache.State, error) {
	ref, err := e.Resolve(backend, pointer, entry)
	if err != nil {
		return ref, nil, err
	}
	if st, ok := e.cache.State(backend, ref.Root); ok {
		return ref, st, nil
	}
	return ref, &cache.State{Backend: backend, Root: ref.Root, Entry: ref.Entry, Status: cache.StatusAbsent}, nil
}

// EntryURL returns the URL a rewritten document of ref is served from in
// its backend's address space.
func (e *Engine) EntryURL(backend string, ref bundle.Ref) string {
	if s, ok := e.spaces[backend]; ok {
		return s.ToExternal(ref.Entry)
	}
	return ""
}

// Invalidate drops a cached bundle by root and any state the backend keeps
// for it.
func (e *Engine) Invalidate(ctx context.Context, backend, root string) error {
	src, err := e.source(backend)
	if err != nil {
		return err
	}
	if err := e.cache.Invalidate(ctx, backend, root); err != nil {
		return err
	}
	if f, ok := src.(source.Forgetter); ok {
		f.Forget(root)
	}
	return nil
}

// InvalidatePointer resolves a pointer and invalidates its bundle.
func (e *Engine) InvalidatePointer(ctx context.Context, backend, pointer string) (bundle.Ref, error) {
	ref, err := e.Resolve(backend, pointer, "")
	if err != nil {
		return ref, err
	}
	return ref, e.Invalidate(ctx, backend, ref.Root)
}
