// Package endpoint defines the capability surface a torrent-client
// implementation must provide to the orchestrator, and the universal,
// endpoint-neutral state vocabulary the orchestrator reasons about.
package endpoint

import (
	"context"
	"fmt"
	"strings"
)

// State is the orchestrator's endpoint-neutral vocabulary. Every
// endpoint implementation maps its native states into this set; the
// orchestrator never inspects a native state directly.
type State string

const (
	HomeQueued      State = "HOME_QUEUED"
	HomeChecking    State = "HOME_CHECKING"
	HomeDownloading State = "HOME_DOWNLOADING"
	HomeSeeding     State = "HOME_SEEDING"
	HomePaused      State = "HOME_PAUSED"
	HomeError       State = "HOME_ERROR"

	TargetQueued      State = "TARGET_QUEUED"
	TargetChecking    State = "TARGET_CHECKING"
	TargetDownloading State = "TARGET_DOWNLOADING"
	TargetSeeding     State = "TARGET_SEEDING"
	TargetPaused      State = "TARGET_PAUSED"
	TargetError       State = "TARGET_ERROR"
)

// IsHome reports whether s belongs to the HOME_* partition.
func (s State) IsHome() bool { return strings.HasPrefix(string(s), "HOME_") }

// IsTarget reports whether s belongs to the TARGET_* partition.
func (s State) IsTarget() bool { return strings.HasPrefix(string(s), "TARGET_") }

// IsSeeding reports whether s is a seeding-like state in either
// partition, the two meaningful partitions called out in spec.md §9.
func (s State) IsSeeding() bool { return s == HomeSeeding || s == TargetSeeding }

// ToTarget rewrites a HOME_* state into its TARGET_* mirror, or
// returns s unchanged if it is not a HOME_* state.
func (s State) ToTarget() State {
	if !s.IsHome() {
		return s
	}
	return State("TARGET_" + strings.TrimPrefix(string(s), "HOME_"))
}

// FileEntry is one file belonging to a torrent, as reported by list().
type FileEntry struct {
	Path string // path relative to the torrent's save directory
	Size int64
}

// TorrentInfo is the snapshot list() and has() resolve to for one hash.
type TorrentInfo struct {
	Name     string
	State    State
	Progress float64 // 0.0-1.0, endpoint-reported, informational only
	Files    []FileEntry
}

// AddOptions configures add_metainfo (spec.md §4.B).
type AddOptions struct {
	SavePath string
	Paused   bool
}

// Client is the capability surface spec.md §4.B requires of every
// torrent-client implementation.
type Client interface {
	// Name is the endpoint's configured name, used to resolve
	// connections by name (spec.md §9, "Connection object referencing
	// endpoints by name").
	Name() string

	// EnsureConnected is idempotent, thread-safe, and returns a
	// TransientError on failure; it never returns a fatal error.
	EnsureConnected(ctx context.Context) error

	// List returns a snapshot mapping lowercase hash to TorrentInfo.
	List(ctx context.Context) (map[string]TorrentInfo, error)

	// Has derives presence from List by default; implementations may
	// override with a cheaper native call.
	Has(ctx context.Context, hash string) (bool, error)

	// AddMetainfo is idempotent by hash: adding an already-present
	// hash is a no-op success.
	AddMetainfo(ctx context.Context, metainfo []byte, opts AddOptions) error

	// Remove is a success both when the torrent was removed and when
	// it was already absent ("not present" is non-fatal).
	Remove(ctx context.Context, hash string, deleteData bool) error
}

// TransientError wraps a failure the orchestrator should retry on the
// next tick without ever recording it on a TorrentRecord (spec.md §7).
type TransientError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("endpoint %s: %s: %v (transient)", e.Endpoint, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is an endpoint failure that surfaces on the record
// (spec.md §7's ConfigurationError/fatal distinction applied at the
// endpoint boundary). The executor records a fatal add_metainfo
// failure as a CopyFailed RecordError like any other failed copy, so
// the driver re-enqueues the job until K_COPY_RETRY is exhausted; it
// does not move the record to ERROR at once.
type FatalError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("endpoint %s: %s: %v (fatal)", e.Endpoint, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// NormalizeHash lowercases a hash for use as the store's identity key
// (spec.md §3: "compare case-insensitive", managers uppercase,
// torrent clients may lowercase).
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
