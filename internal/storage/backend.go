// Package storage holds zip archives and their volume parts for the
// archive backend.
package storage

import (
	"context"
	"io"
)

// Backend stores archive parts under slash-separated keys such as
// "zips/game.z01". Missing objects are reported with errors matching
// fs.ErrNotExist.
type Backend interface {
	// GetObject opens length bytes of key from offset, or the rest of
	// the object when length is 0. The returned size is the byte count.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// ListObjects returns the keys of objects directly under the directory
	// prefix (no recursion), sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns TypeLocal or TypeS3.
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
