// Package tree provides utilities for working with bundle member trees.
package tree

import (
	"sort"
	"strings"

	"github.com/fruitsalade/bundleproxy/pkg/models"
)

// Leaf describes one file to place in a tree.
type Leaf struct {
	Path        string
	Size        int64
	Kind        string
	ContentType string
	Entry       bool
}

// Build assembles a member tree from slash-separated file paths relative to
// the bundle root. Directories are created as needed; children are sorted
// with directories first, then by name.
func Build(rootName string, leaves []Leaf) *models.FileNode {
	root := &models.FileNode{Name: rootName, Path: "/", IsDir: true}
	dirs := map[string]*models.FileNode{"": root}
	seen := make(map[string]bool)

	for _, l := range leaves {
		p := strings.Trim(l.Path, "/")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		parent := ensureDir(dirs, dirOf(p))
		name := p[strings.LastIndexByte(p, '/')+1:]
		parent.Children = append(parent.Children, &models.FileNode{
			Name:        name,
			Path:        "/" + p,
			Size:        l.Size,
			Kind:        l.Kind,
			ContentType: l.ContentType,
			Entry:       l.Entry,
		})
	}
	sortTree(root)
	return root
}

func dirOf(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func ensureDir(dirs map[string]*models.FileNode, dir string) *models.FileNode {
	if n, ok := dirs[dir]; ok {
		return n
	}
	parent := ensureDir(dirs, dirOf(dir))
	name := dir[strings.LastIndexByte(dir, '/')+1:]
	n := &models.FileNode{
		Name:  name,
		Path:  BuildChildPath(parent.Path, name),
		IsDir: true,
	}
	parent.Children = append(parent.Children, n)
	dirs[dir] = n
	return n
}

// BuildChildPath joins a directory path and a child name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

func sortTree(n *models.FileNode) {
	sort.Slice(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return a.Name < b.Name
	})
	for _, c := range n.Children {
		if c.IsDir {
			sortTree(c)
		}
	}
}

// FindByPath resolves a path in the tree (recursive).
func FindByPath(root *models.FileNode, path string) *models.FileNode {
	if root == nil {
		return nil
	}
	if root.Path == path {
		return root
	}
	for _, child := range root.Children {
		if found := FindByPath(child, path); found != nil {
			return found
		}
	}
	return nil
}

// CountFiles counts the file nodes of a tree.
func CountFiles(root *models.FileNode) int {
	n := 0
	Walk(root, func(node *models.FileNode, _ int) {
		if !node.IsDir {
			n++
		}
	})
	return n
}

// TotalSize sums the sizes of all files in a tree.
func TotalSize(root *models.FileNode) int64 {
	if root == nil {
		return 0
	}
	size := root.Size
	for _, child := range root.Children {
		size += TotalSize(child)
	}
	return size
}

// Walk calls fn for every node in depth-first order.
func Walk(root *models.FileNode, fn func(n *models.FileNode, depth int)) {
	walk(root, 0, fn)
}

func walk(n *models.FileNode, depth int, fn func(*models.FileNode, int)) {
	if n == nil {
		return
	}
	fn(n, depth)
	for _, c := range n.Children {
		walk(c, depth+1, fn)
	}
}
