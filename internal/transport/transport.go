// Package transport defines the file-copy capability the executor
// drives when moving a torrent's payload from a source location to a
// destination location, generalizing the source/destination split in
// original_source/transferarr/clients/transfer_client.py
// (LocalAndSFTPClient, SFTPAndSFTPClient) into a single interface with
// two endpoints.
package transport

import (
	"context"
	"io"
)

// Entry is one directory entry as reported by ReadDir.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// ProgressFunc is invoked periodically during Copy with the number of
// bytes written so far for the current file and that file's total
// size. It mirrors transfer_client.py's progress_callback(sent,
// total); Copy calls it from the destination-write side only.
type ProgressFunc func(fileRelPath string, sent, total int64)

// Session is an open, authenticated handle to one side (source or
// destination) of a transfer. A Transport hands out Sessions; callers
// must Close them.
type Session interface {
	// Stat reports whether path exists and, if so, its size and
	// whether it is a directory.
	Stat(ctx context.Context, path string) (size int64, isDir bool, err error)

	// ReadDir lists the immediate children of a directory.
	ReadDir(ctx context.Context, path string) ([]Entry, error)

	// MkdirAll creates path and any missing parents; it is a no-op
	// success if path already exists (mirrors the Python clients'
	// blanket "except OSError: pass # Directory exists").
	MkdirAll(ctx context.Context, path string) error

	// Open opens path for reading.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Create opens path for writing, truncating any existing file.
	Create(ctx context.Context, path string) (io.WriteCloser, error)

	// Close releases the underlying connection.
	Close() error
}

// Transport constructs Sessions for one named endpoint side.
type Transport interface {
	// Open returns a ready-to-use Session. Implementations should be
	// safe to call concurrently from multiple executor workers; each
	// call yields an independent Session.
	Open(ctx context.Context) (Session, error)
}

// CountFiles walks path (a file or directory) and returns the total
// number of regular files underneath it, mirroring
// transfer_client.py's sftp_count_files/local_count_files used to
// size the progress bar before a transfer starts.
func CountFiles(ctx context.Context, s Session, path string) (int, error) {
	size, isDir, err := s.Stat(ctx, path)
	if err != nil {
		return 0, err
	}
	if !isDir {
		_ = size
		return 1, nil
	}

	entries, err := s.ReadDir(ctx, path)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		child := joinPath(path, e.Name)
		n, err := CountFiles(ctx, s, child)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// joinPath joins with a forward slash regardless of host OS, since
// both localfs and sftp sessions address their targets with
// slash-separated paths (the sftp side always does; localfs is kept
// consistent with it rather than switching to filepath.Join, matching
// the single os.path.join convention in the Python original across
// both local and remote sides).
func joinPath(a, b string) string {
	if a == "" {
		return b
	}
	if a[len(a)-1] == '/' {
		return a + b
	}
	return a + "/" + b
}
