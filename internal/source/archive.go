package source

import (
	"container/list"
	"context"
	"iter"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/bundleproxy/internal/archive"
	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/logging"
)

// ArchiveSource serves bundles packed as zip archives, optionally split
// into volume parts, from part storage. Opened archives are kept in a small
// LRU since every member read needs the central directory.
type ArchiveSource struct {
	store archive.PartStore
	max   int

	loads singleflight.Group

	mu    sync.Mutex
	lru   *list.List
	items map[string]*list.Element
}

type openArchive struct {
	path string
	a    *archive.Archive
}

// NewArchive creates an archive-backed source keeping up to maxOpen
// assembled archives in memory.
func NewArchive(store archive.PartStore, maxOpen int) *ArchiveSource {
	if maxOpen <= 0 {
		maxOpen = 4
	}
	return &ArchiveSource{
		store: store,
		max:   maxOpen,
		lru:   list.New(),
		items: make(map[string]*list.Element),
	}
}

func (s *ArchiveSource) ID() string                  { return bundle.BackendArchive }
func (s *ArchiveSource) BaseURL() string             { return "" }
func (s *ArchiveSource) Scope(ref bundle.Ref) string { return ref.Root }
func (s *ArchiveSource) Enumerates() bool            { return true }

// ResolveEntry applies the entry fallback order of the archive.
func (s *ArchiveSource) ResolveEntry(ctx context.Context, ref bundle.Ref) (bundle.Ref, error) {
	a, err := s.load(ctx, ref.Root)
	if err != nil {
		return ref, err
	}
	name, err := a.FindEntry(ref.EntryMember())
	if err != nil {
		return ref, err
	}
	return ref.WithEntry(name), nil
}

// List enumerates the archive central directory.
func (s *ArchiveSource) List(ctx context.Context, ref bundle.Ref) iter.Seq2[bundle.Member, error] {
	return func(yield func(bundle.Member, error) bool) {
		a, err := s.load(ctx, ref.Root)
		if err != nil {
			yield(bundle.Member{}, err)
			return
		}
		entry := ref.EntryMember()
		for _, m := range a.Members() {
			m.Entry = m.Path == entry
			if !yield(m, nil) {
				return
			}
		}
	}
}

// Fetch decompresses the member named by a backend path
// "<archive>.zip/<member>".
func (s *ArchiveSource) Fetch(ctx context.Context, p string) (bundle.Content, error) {
	archivePath, member, err := SplitArchivePath(p)
	if err != nil {
		return bundle.Content{}, err
	}
	a, err := s.load(ctx, archivePath)
	if err != nil {
		return bundle.Content{}, err
	}
	data, err := a.Read(member)
	if err != nil {
		return bundle.Content{}, err
	}
	return bundle.Content{Bytes: data, ContentType: bundle.ContentType(member)}, nil
}

// Open streams one member out of the buffered archive.
func (s *ArchiveSource) Open(ctx context.Context, p string) (*bundle.Stream, error) {
	archivePath, member, err := SplitArchivePath(p)
	if err != nil {
		return nil, err
	}
	a, err := s.load(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	rc, size, err := a.OpenMember(member)
	if err != nil {
		return nil, err
	}
	return &bundle.Stream{Body: rc, ContentType: bundle.ContentType(member), Size: size}, nil
}

// Archive returns the opened archive at archivePath, loading it if needed.
func (s *ArchiveSource) Archive(ctx context.Context, archivePath string) (*archive.Archive, error) {
	return s.load(ctx, archivePath)
}

// Forget drops a memoized archive so the next access reloads its parts.
func (s *ArchiveSource) Forget(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[root]; ok {
		s.lru.Remove(el)
		delete(s.items, root)
	}
}

func (s *ArchiveSource) load(ctx context.Context, archivePath string) (*archive.Archive, error) {
	s.mu.Lock()
	if el, ok := s.items[archivePath]; ok {
		s.lru.MoveToFront(el)
		a := el.Value.(*openArchive).a
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()

	v, err, _ := s.loads.Do(archivePath, func() (any, error) {
		a, err := archive.Load(ctx, s.store, archivePath)
		if err != nil {
			return nil, err
		}
		s.remember(archivePath, a)
		logging.WithContext(ctx).Info("archive loaded",
			logging.String("archive", archivePath),
			logging.Int("members", len(a.Entries())),
			logging.Int64("bytes", a.Size()),
		)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*archive.Archive), nil
}

func (s *ArchiveSource) remember(archivePath string, a *archive.Archive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[archivePath]; ok {
		el.Value.(*openArchive).a = a
		s.lru.MoveToFront(el)
		return
	}
	s.items[archivePath] = s.lru.PushFront(&openArchive{path: archivePath, a: a})
	for s.lru.Len() > s.max {
		last := s.lru.Back()
		s.lru.Remove(last)
		delete(s.items, last.Value.(*openArchive).path)
	}
}

// SplitArchivePath splits "zips/game.zip/Build/a.js" into the archive path
// and the member name. The archive is the first segment ending in ".zip".
func SplitArchivePath(p string) (string, string, error) {
	p = bundle.CleanPath(p)
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		if strings.HasSuffix(strings.ToLower(seg), ".zip") && i < len(segs)-1 {
			return strings.Join(segs[:i+1], "/"), strings.Join(segs[i+1:], "/"), nil
		}
	}
	return "", "", bundle.InvalidPathf("%q does not name a member of a .zip archive", p)
}
