// Package localfs implements transport.Transport against the local
// filesystem, grounding transport.Session in plain os/io calls the
// way the teacher's own file-handling code
// (internal/scanner/discovery.go) walks local paths with os.ReadDir
// and os.Stat.
package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/transferarr/transferarr/internal/transport"
)

// Transport is a transport.Transport rooted at the local filesystem.
// Root is optional; when set, relative paths passed to Session
// methods are joined under it.
type Transport struct {
	Root string
}

func New(root string) *Transport {
	return &Transport{Root: root}
}

func (t *Transport) Open(ctx context.Context) (transport.Session, error) {
	return &session{root: t.Root}, nil
}

type session struct {
	root string
}

func (s *session) resolve(path string) string {
	if s.root == "" {
		return path
	}
	return filepath.Join(s.root, path)
}

func (s *session) Stat(ctx context.Context, path string) (int64, bool, error) {
	info, err := os.Stat(s.resolve(path))
	if err != nil {
		return 0, false, err
	}
	return info.Size(), info.IsDir(), nil
}

func (s *session) ReadDir(ctx context.Context, path string) ([]transport.Entry, error) {
	entries, err := os.ReadDir(s.resolve(path))
	if err != nil {
		return nil, err
	}
	out := make([]transport.Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		out = append(out, transport.Entry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	return out, nil
}

func (s *session) MkdirAll(ctx context.Context, path string) error {
	return os.MkdirAll(s.resolve(path), 0o755)
}

func (s *session) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return os.Open(s.resolve(path))
}

func (s *session) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	return os.Create(s.resolve(path))
}

func (s *session) Close() error { return nil }
