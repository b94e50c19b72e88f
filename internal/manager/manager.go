// Package manager defines the media-manager adapter surface:
// "managers" are external services (Radarr, Sonarr, ...) that enqueue
// torrents for Transferarr to migrate and later confirm when a
// migrated torrent may be removed from its home client, mirroring
// RadarrManager in
// original_source/transferarr/services/media_managers.py generalized
// to any manager kind.
package manager

import (
	"context"
	"fmt"
)

// QueueItem is one entry a manager reports as queued, identified by
// its torrent hash (download_id in the Python original).
type QueueItem struct {
	Hash    string
	Name    string
	QueueID string
}

// Adapter is the capability surface spec.md §4.D requires of every
// media-manager implementation.
type Adapter interface {
	// Kind identifies the manager type ("radarr", "sonarr", ...),
	// stored on TorrentRecord.ManagerKind so the orchestrator can route
	// ready_to_remove checks back to the owning adapter.
	Kind() string

	// Name is the configured instance name, distinguishing multiple
	// Radarr instances from one another.
	Name() string

	// Queue lists everything the manager currently has queued.
	Queue(ctx context.Context) ([]QueueItem, error)

	// ReadyToRemove reports whether the queue entry identified by
	// queueID (a QueueItem.QueueID this adapter returned earlier) is no
	// longer present in the manager's queue, meaning its home-client
	// copy may be safely deleted.
	ReadyToRemove(ctx context.Context, queueID string) (bool, error)
}

// TransientError wraps a manager API failure the orchestrator should
// retry on the next tick, mirroring media_managers.py's broad
// try/except around the Radarr SDK calls.
type TransientError struct {
	Manager string
	Op      string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("manager %s: %s: %v (transient)", e.Manager, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
