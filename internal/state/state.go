// Package state owns the persistent, crash-safe map of tracked
// torrents (component A of SPEC_FULL.md §2). It replaces the source
// system's setter-side-effect persistence
// (original_source/transferarr/models/torrent.py's `state.setter`
// calling save_callback on every assignment) with explicit calls:
// records change through Put, Mutate, Range and Handle.Complete, and
// reach disk only when the caller calls Save, per SPEC_FULL.md §9's
// instruction not to replicate the language-specific hook.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TorrentState is the record's position in the state machine
// (spec.md §3, §4.F). It is a superset of endpoint.State: the extra
// values (MANAGER_QUEUED, UNCLAIMED, COPYING, COPIED, ERROR) are
// orchestrator-only phases that never come from an endpoint.
type TorrentState string

const (
	ManagerQueued TorrentState = "MANAGER_QUEUED"
	Unclaimed     TorrentState = "UNCLAIMED"

	HomeQueued      TorrentState = "HOME_QUEUED"
	HomeChecking    TorrentState = "HOME_CHECKING"
	HomeDownloading TorrentState = "HOME_DOWNLOADING"
	HomeSeeding     TorrentState = "HOME_SEEDING"
	HomePaused      TorrentState = "HOME_PAUSED"
	HomeError       TorrentState = "HOME_ERROR"

	Copying TorrentState = "COPYING"
	Copied  TorrentState = "COPIED"

	TargetQueued      TorrentState = "TARGET_QUEUED"
	TargetChecking    TorrentState = "TARGET_CHECKING"
	TargetDownloading TorrentState = "TARGET_DOWNLOADING"
	TargetSeeding     TorrentState = "TARGET_SEEDING"
	TargetPaused      TorrentState = "TARGET_PAUSED"
	TargetError       TorrentState = "TARGET_ERROR"

	Error TorrentState = "ERROR"
)

// ProgressView is the last-observed copy progress, published whole by
// executor workers per spec.md §5 ("publish whole value, not
// partial").
type ProgressView struct {
	CurrentFileIndex int     `json:"current_file_index"`
	TotalFiles       int     `json:"total_files"`
	CurrentFileName  string  `json:"current_file_name"`
	ByteProgress     int64   `json:"byte_progress"`
	TotalBytes       int64   `json:"total_bytes"`
	TransferSpeed    float64 `json:"transfer_speed"` // bytes/sec, sliding window
}

// RecordError is a structured, fatal-to-record failure (spec.md §7).
type RecordError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// FileRef is one file in a torrent's payload, snapshotted at
// HOME_SEEDING→COPYING time for the executor job (spec.md §4.E step
// 2).
type FileRef struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// TorrentRecord is one tracked torrent (spec.md §3).
type TorrentRecord struct {
	Hash           string       `json:"hash"`
	Name           string       `json:"name"`
	State          TorrentState `json:"state"`
	HomeClient     string       `json:"home_client"`
	TargetClient   string       `json:"target_client"`
	ManagerKind    string       `json:"manager_kind"`
	ManagerQueueID string       `json:"manager_queue_id"`
	Progress       ProgressView `json:"progress_view"`
	UnclaimedCount int          `json:"unclaimed_count"`
	CopyRetryCount int          `json:"copy_retry_count"`
	CopiedAtTick   int64        `json:"copied_at_tick,omitempty"`
	Error          *RecordError `json:"error,omitempty"`

	// FileList is the snapshot handed to the executor job when the
	// record transitions to COPYING; it is retained across restarts so
	// a re-enqueue after a crash (spec.md §4.E "Ordering & atomicity")
	// does not need to re-query the endpoint.
	FileList []FileRef `json:"file_list,omitempty"`

	// PriorState remembers the state a record was in before it went
	// UNCLAIMED, so relocating it can restore rather than reclassify
	// (spec.md §4.F "UNCLAIMED ⇒ prior").
	PriorState TorrentState `json:"prior_state,omitempty"`

	// Unknown carries forward any fields this version of the record
	// schema does not recognise (spec.md §4.A "unknown fields are
	// preserved on load/save").
	Unknown map[string]json.RawMessage `json:"-"`
}

// document is the on-disk shape (spec.md §6: `{"torrents": {hash:
// TorrentRecord}}`).
type document struct {
	Torrents map[string]json.RawMessage `json:"torrents"`
}

// Store is the crash-safe, mutex-guarded map of tracked records. The
// driver (internal/orchestrator) is the sole mutator; executor
// workers get access only through a Handle exposing the two fields
// spec.md §5 allows them to write.
type Store struct {
	path string

	mu      sync.Mutex
	records map[string]*TorrentRecord
}

// NewStore creates a Store backed by path, without loading it. Call
// Load to populate from disk.
func NewStore(path string) *Store {
	return &Store{path: path, records: make(map[string]*TorrentRecord)}
}

// Load reads the state file. A missing or malformed file is
// recoverable: it is logged by the caller and the store starts empty
// (spec.md §4.A).
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.records = make(map[string]*TorrentRecord)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}

	records := make(map[string]*TorrentRecord, len(doc.Torrents))
	for hash, raw := range doc.Torrents {
		var rec TorrentRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("parse record %s: %w", hash, err)
		}
		rec.Unknown = unknownFields(raw, &rec)
		records[hash] = &rec
	}
	s.records = records
	return nil
}

// unknownFields diffs raw's top-level keys against known struct tags
// so a future version's extra fields survive a load/save round trip
// unmodified.
func unknownFields(raw json.RawMessage, rec *TorrentRecord) map[string]json.RawMessage {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil
	}
	known := map[string]bool{
		"hash": true, "name": true, "state": true, "home_client": true,
		"target_client": true, "manager_kind": true, "manager_queue_id": true,
		"progress_view": true, "unclaimed_count": true, "copy_retry_count": true,
		"copied_at_tick": true, "error": true, "file_list": true, "prior_state": true,
	}
	out := make(map[string]json.RawMessage)
	for k, v := range all {
		if !known[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Save atomically writes the current snapshot (write-to-temp +
// rename, spec.md §4.A). It must be called with the caller already
// holding no lock of its own; Save takes the store's lock internally
// only long enough to copy the snapshot, then serialises outside the
// lock so a slow disk never blocks the driver's other bookkeeping.
func (s *Store) Save() error {
	snapshot := s.snapshotForSave()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		tmp.Close()
		return fmt.Errorf("encode state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func (s *Store) snapshotForSave() document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{Torrents: make(map[string]json.RawMessage, len(s.records))}
	for hash, rec := range s.records {
		raw, err := marshalWithUnknown(rec)
		if err != nil {
			continue
		}
		doc.Torrents[hash] = raw
	}
	return doc
}

func marshalWithUnknown(rec *TorrentRecord) (json.RawMessage, error) {
	base, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if len(rec.Unknown) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range rec.Unknown {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Get returns a copy of the record for hash, if present.
func (s *Store) Get(hash string) (TorrentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return TorrentRecord{}, false
	}
	return *rec, true
}

// All returns copies of every tracked record, for read-only consumers
// like the HTTP status surface (spec.md §5: "the process also hosts
// an HTTP server that reads record state concurrently").
func (s *Store) All() []TorrentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TorrentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// Put inserts or replaces the record for hash. Used by the driver
// during ingest and locate steps (spec.md §4.F steps 1-2).
func (s *Store) Put(hash string, rec TorrentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Hash = hash
	s.records[hash] = &rec
}

// Delete removes the record for hash (spec.md §4.F "drop stale" and
// retirement).
func (s *Store) Delete(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, hash)
}

// Mutate applies fn to the record for hash while holding the store
// lock, the only way the driver should read-modify-write a record
// (spec.md §5: "any read-modify-write of a record within a tick is
// atomic with respect to other ticks"). fn returning false leaves the
// record untouched (used for conditional transitions).
func (s *Store) Mutate(hash string, fn func(rec *TorrentRecord) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return false
	}
	return fn(rec)
}

// Range calls fn for every record while holding the store lock. fn
// must not call back into the Store. Used by the driver's per-tick
// advance step, which needs a stable view of all records while it
// decides transitions.
func (s *Store) Range(fn func(rec *TorrentRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		fn(rec)
	}
}

// Handle is the narrow, concurrency-safe view of one record exposed
// to executor workers: exactly the two fields spec.md §5 permits them
// to write (progress_view, and their own terminal state at job
// completion).
type Handle struct {
	store *Store
	hash  string
}

// NewHandle returns a Handle for hash. The executor obtains one per
// job when a worker starts running it.
func (s *Store) NewHandle(hash string) *Handle {
	return &Handle{store: s, hash: hash}
}

// SetProgress publishes a full ProgressView atomically (spec.md §5:
// "publish whole value, not partial").
func (h *Handle) SetProgress(p ProgressView) {
	h.store.Mutate(h.hash, func(rec *TorrentRecord) bool {
		rec.Progress = p
		return true
	})
}

// Complete marks the job's terminal outcome: state becomes Copied on
// success. On failure the state stays COPYING, CopyRetryCount is
// incremented and Error is set to the given RecordError. It is the
// only state write a worker may perform.
func (h *Handle) Complete(success bool, recErr *RecordError) {
	h.store.Mutate(h.hash, func(rec *TorrentRecord) bool {
		if success {
			rec.State = Copied
			rec.Error = nil
			return true
		}
		// Left at COPYING; the driver's advance step decides whether
		// the retry budget (K_COPY_RETRY) is exhausted.
		rec.CopyRetryCount++
		rec.Error = recErr
		return true
	})
}
