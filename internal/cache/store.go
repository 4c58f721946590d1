// Package cache holds fetched bundle members and the per-bundle build state
// machine. Entries live in a pluggable Store (memory, disk or redis); the
// BundleCache guarantees at most one enumeration and fetch pass per bundle
// root at a time.
package cache

import (
	"context"
	"strings"
	"time"
)

// Entry is one cached member.
type Entry struct {
	Key         string    `json:"key"`
	Bytes       []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	FetchedAt   time.Time `json:"fetched_at"`
	Generation  int       `json:"generation"`
}

// Size returns the payload size in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Bytes))
}

// Key builds the cache key of a member: the backend ID and the member's
// backend path. Key(b, "games/foo", "a.js") == Key(b, "", "games/foo/a.js").
func Key(backendID, root, memberPath string) string {
	p := strings.Trim(memberPath, "/")
	if root = strings.Trim(root, "/"); root != "" {
		if p == "" {
			p = root + "/"
		} else {
			p = root + "/" + p
		}
	}
	return backendID + ":" + p
}

// RootPrefix returns the key prefix shared by every member of a root.
func RootPrefix(backendID, root string) string {
	return Key(backendID, root, "")
}

// StoreStats summarizes a store's contents.
type StoreStats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Store persists entries. Get reports a miss with ok == false and a nil
// error; errors are reserved for storage failures.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, e *Entry) error
	// DeletePrefix removes every entry whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Prune removes every entry whose generation differs from generation.
	Prune(ctx context.Context, generation int) (int, error)
	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}

// Marker records that a bundle root was fully cached, so a restarted
// process can serve it without enumerating again.
type Marker struct {
	Entry      string    `json:"entry"`
	Members    []string  `json:"members"`
	Open       bool      `json:"open,omitempty"`
	Generation int       `json:"generation"`
	CachedAt   time.Time `json:"cached_at"`
}

// MarkerStore is implemented by stores that persist Ready markers.
type MarkerStore interface {
	GetMarker(ctx context.Context, backendID, root string) (*Marker, bool, error)
	PutMarker(ctx context.Context, backendID, root string, m *Marker) error
	DeleteMarker(ctx context.Context, backendID, root string) error
}
