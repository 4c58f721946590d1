package engine

import (
	"context"
	"path"
	"strings"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/cache"
	"github.com/fruitsalade/bundleproxy/pkg/models"
	"github.com/fruitsalade/bundleproxy/pkg/tree"
)

// Listing is the member tree of one bundle.
type Listing struct {
	Ref   bundle.Ref
	Count int
	Tree  *models.FileNode
}

// Members lists a bundle's members as a tree. For backends that discover
// members on demand, paths remembered by the cache are included.
func (e *Engine) Members(ctx context.Context, backend, pointer, entry string) (*Listing, error) {
	src, err := e.source(backend)
	if err != nil {
		return nil, err
	}
	ref, err := e.Resolve(backend, pointer, entry)
	if err != nil {
		return nil, err
	}
	if ref, err = src.ResolveEntry(ctx, ref); err != nil {
		return nil, err
	}

	var leaves []tree.Leaf
	entryMember := ref.EntryMember()
	for m, err := range src.List(ctx, ref) {
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf(m.Path, m.SizeHint, m.Path == entryMember))
	}

	if st, ok := e.cache.State(backend, ref.Root); ok && st.Open {
		prefix := cache.RootPrefix(backend, ref.Root)
		for k := range st.MemberKeys {
			if rel, ok := strings.CutPrefix(k, prefix); ok {
				leaves = append(leaves, leaf(rel, 0, rel == entryMember))
			}
		}
	}

	root := tree.Build(path.Base(ref.Root), leaves)
	return &Listing{Ref: ref, Count: tree.CountFiles(root), Tree: root}, nil
}

func leaf(rel string, size int64, entry bool) tree.Leaf {
	return tree.Leaf{
		Path:        rel,
		Size:        size,
		Kind:        bundle.KindOf(rel).String(),
		ContentType: bundle.ContentType(rel),
		Entry:       entry,
	}
}
