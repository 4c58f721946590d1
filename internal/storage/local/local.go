// Package local serves archive parts from a directory tree.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// tempPrefix marks partially written uploads, hidden from listings.
const tempPrefix = ".upload-"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Dir is a storage backend rooted at a directory. Keys map to paths below
// the root and cannot climb out of it.
type Dir struct {
	root       string
	createDirs bool
}

// New opens the root directory, creating it when cfg.CreateDirs is set.
func New(cfg Config) (*Dir, error) {
	if cfg.RootPath == "" {
		return nil, errors.New("root_path is required")
	}
	info, err := os.Stat(cfg.RootPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && cfg.CreateDirs:
		if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
			return nil, fmt.Errorf("create archive root: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("archive root: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("archive root %s is not a directory", cfg.RootPath)
	}
	return &Dir{root: cfg.RootPath, createDirs: cfg.CreateDirs}, nil
}

// NewFromJSON decodes a Config and calls New.
func NewFromJSON(raw json.RawMessage) (*Dir, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

func (d *Dir) path(key string) string {
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	return filepath.Join(d.root, filepath.FromSlash(clean))
}

// GetObject returns length bytes of key starting at offset. length 0
// reads to the end of the file.
func (d *Dir) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	f, err := os.Open(d.path(key))
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err == nil && info.IsDir() {
		err = fs.ErrNotExist
	}
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	offset = min(offset, info.Size())
	n := info.Size() - offset
	if length > 0 {
		n = min(length, n)
	}
	return sectionFile{io.NewSectionReader(f, offset, n), f}, n, nil
}

type sectionFile struct {
	*io.SectionReader
	f *os.File
}

func (s sectionFile) Close() error { return s.f.Close() }

// PutObject writes body to a temporary file next to key and renames it
// into place. A body shorter than a positive size is rejected.
func (d *Dir) PutObject(_ context.Context, key string, body io.Reader, size int64) (err error) {
	dst := d.path(key)
	if d.createDirs {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if size > 0 && n != size {
		return fmt.Errorf("put %s: short body (%d of %d bytes)", key, n, size)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// ListObjects returns the regular files directly inside the prefix
// directory, sorted.
func (d *Dir) ListObjects(_ context.Context, prefix string) ([]string, error) {
	prefix = strings.Trim(prefix, "/")
	entries, err := os.ReadDir(d.path(prefix))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	var keys []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		keys = append(keys, path.Join(prefix, e.Name()))
	}
	slices.Sort(keys)
	return keys, nil
}

// ObjectExists reports whether key names a regular file.
func (d *Dir) ObjectExists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (d *Dir) Type() string { return "local" }

func (d *Dir) Close() error { return nil }
