package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"testing"
)

func newBackend(t *testing.T) *Dir {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func put(t *testing.T, b *Dir, key, body string) {
	t.Helper()
	if err := b.PutObject(context.Background(), key, bytes.NewBufferString(body), int64(len(body))); err != nil {
		t.Fatalf("PutObject(%s): %v", key, err)
	}
}

func TestPutGet(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	put(t, b, "zips/game.zip", "0123456789")

	rc, size, err := b.GetObject(ctx, "zips/game.zip", 2, 3)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "234" || size != 3 {
		t.Errorf("range read = %q (%d)", data, size)
	}

	rc, size, err = b.GetObject(ctx, "zips/game.zip", 0, 0)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	rc.Close()
	if size != 10 {
		t.Errorf("size = %d, want 10", size)
	}
}

func TestGetMissing(t *testing.T) {
	b := newBackend(t)
	_, _, err := b.GetObject(context.Background(), "zips/none.zip", 0, 0)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestListObjects(t *testing.T) {
	b := newBackend(t)
	put(t, b, "zips/game.zip", "b")
	put(t, b, "zips/game.z01", "a")
	put(t, b, "zips/sub/other.zip", "c")

	keys, err := b.ListObjects(context.Background(), "/zips/")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	want := []string{"zips/game.z01", "zips/game.zip"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestKeysStayInsideRoot(t *testing.T) {
	b := newBackend(t)
	put(t, b, "../../escape.zip", "x")

	ok, err := b.ObjectExists(context.Background(), "escape.zip")
	if err != nil || !ok {
		t.Fatalf("expected escape.zip under root, ok=%v err=%v", ok, err)
	}
}

func TestRangeClampedToSize(t *testing.T) {
	b := newBackend(t)
	put(t, b, "zips/game.zip", "0123456789")

	rc, size, err := b.GetObject(context.Background(), "zips/game.zip", 8, 10)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "89" || size != 2 {
		t.Errorf("range read = %q (%d)", data, size)
	}
}

func TestShortBodyRejected(t *testing.T) {
	b := newBackend(t)
	err := b.PutObject(context.Background(), "zips/game.zip", bytes.NewBufferString("abc"), 10)
	if err == nil {
		t.Fatal("expected short body error")
	}
	keys, err := b.ListObjects(context.Background(), "zips")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no objects after failed put, got %v", keys)
	}
}
