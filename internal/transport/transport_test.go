package transport_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/transferarr/transferarr/internal/transport"
	"github.com/transferarr/transferarr/internal/transport/localfs"
)

func openLocal(t *testing.T, root string) transport.Session {
	t.Helper()
	s, err := localfs.New(root).Open(context.Background())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCopyFileThenSkipsUnchanged(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := t.TempDir()

	if err := os.WriteFile(filepath.Join(srcRoot, "movie.mkv"), []byte("hello world"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	src := openLocal(t, srcRoot)
	dst := openLocal(t, dstRoot)

	var calls int
	n, err := transport.Copy(context.Background(), src, dst, "movie.mkv", "", func(path string, sent, total int64) { calls++ })
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 11 {
		t.Fatalf("expected 11 bytes copied, got %d", n)
	}
	if calls == 0 {
		t.Fatalf("expected progress callback to fire")
	}

	data, err := os.ReadFile(filepath.Join(dstRoot, "movie.mkv"))
	if err != nil || string(data) != "hello world" {
		t.Fatalf("unexpected destination contents: %q, err=%v", data, err)
	}

	// Second copy should skip since size already matches.
	n2, err := transport.Copy(context.Background(), src, dst, "movie.mkv", "", nil)
	if err != nil {
		t.Fatalf("second Copy: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected skip-if-size-matches to copy 0 bytes, got %d", n2)
	}
}

func TestCopyDirectoryRecursively(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := t.TempDir()

	if err := os.MkdirAll(filepath.Join(srcRoot, "show", "s01"), 0755); err != nil {
		t.Fatalf("mkdir fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "show", "s01", "e01.mkv"), []byte("abc"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "show", "s01", "e02.mkv"), []byte("de"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	src := openLocal(t, srcRoot)
	dst := openLocal(t, dstRoot)

	n, err := transport.Copy(context.Background(), src, dst, "show", "", nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 total bytes copied, got %d", n)
	}

	if _, err := os.Stat(filepath.Join(dstRoot, "show", "s01", "e01.mkv")); err != nil {
		t.Fatalf("expected e01.mkv to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstRoot, "show", "s01", "e02.mkv")); err != nil {
		t.Fatalf("expected e02.mkv to exist: %v", err)
	}
}

func TestCountFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("y"), 0644)

	s := openLocal(t, root)
	n, err := transport.CountFiles(context.Background(), s, "")
	if err != nil {
		t.Fatalf("CountFiles: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 files, got %d", n)
	}
}
