package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/transferarr/transferarr/internal/endpoint"
	"github.com/transferarr/transferarr/internal/executor"
	"github.com/transferarr/transferarr/internal/manager"
	"github.com/transferarr/transferarr/internal/state"
	"github.com/transferarr/transferarr/internal/transport/localfs"
)

// fakeAdapter is a manager.Adapter test double with a fixed queue and
// a controllable ReadyToRemove answer.
type fakeAdapter struct {
	kind  string
	name  string
	queue []manager.QueueItem

	mu    sync.Mutex
	ready map[string]bool
}

func (f *fakeAdapter) Kind() string { return f.kind }
func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Queue(ctx context.Context) ([]manager.QueueItem, error) {
	return f.queue, nil
}
func (f *fakeAdapter) ReadyToRemove(ctx context.Context, queueID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[queueID], nil
}

// fakeClient is an endpoint.Client test double whose List snapshot and
// AddMetainfo/Remove behavior the test controls directly.
type fakeClient struct {
	name string

	mu        sync.Mutex
	torrents  map[string]endpoint.TorrentInfo
	removed   map[string]bool
	addErr    error
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{name: name, torrents: make(map[string]endpoint.TorrentInfo), removed: make(map[string]bool)}
}

func (f *fakeClient) Name() string                              { return f.name }
func (f *fakeClient) EnsureConnected(ctx context.Context) error { return nil }
func (f *fakeClient) List(ctx context.Context) (map[string]endpoint.TorrentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]endpoint.TorrentInfo, len(f.torrents))
	for k, v := range f.torrents {
		out[k] = v
	}
	return out, nil
}
func (f *fakeClient) Has(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.torrents[hash]
	return ok, nil
}
func (f *fakeClient) AddMetainfo(ctx context.Context, metainfo []byte, opts endpoint.AddOptions) error {
	return f.addErr
}
func (f *fakeClient) Remove(ctx context.Context, hash string, deleteData bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[hash] = true
	delete(f.torrents, hash)
	return nil
}

func (f *fakeClient) setTorrent(hash string, info endpoint.TorrentInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torrents[hash] = info
}

func newTestOrchestrator(t *testing.T, managers []manager.Adapter, endpoints []EndpointBinding, connections []ConnectionBinding) (*Orchestrator, *state.Store) {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	tun := DefaultTunables()
	tun.UnclaimedLimit = 2
	tun.CopyRetryLimit = 2
	tun.PostIngestTicks = 1
	o := New(store, managers, endpoints, connections, tun, nil)
	return o, store
}

func TestIngestFromManagersCreatesAndUpdatesRecords(t *testing.T) {
	adapter := &fakeAdapter{kind: "radarr", name: "radarr-1", queue: []manager.QueueItem{
		{Hash: "ABCDEF", Name: "movie one", QueueID: "q1"},
	}}
	o, store := newTestOrchestrator(t, []manager.Adapter{adapter}, nil, nil)

	if !o.ingestFromManagers(context.Background()) {
		t.Fatalf("expected ingest to report a change for a brand new record")
	}
	rec, ok := store.Get("abcdef")
	if !ok {
		t.Fatalf("expected record stored under lowercased hash")
	}
	if rec.State != state.ManagerQueued {
		t.Fatalf("expected MANAGER_QUEUED, got %s", rec.State)
	}

	// Re-ingesting the same item is a no-op.
	if o.ingestFromManagers(context.Background()) {
		t.Fatalf("expected re-ingest of an unchanged item to report no change")
	}

	// A renamed item (manager-side rename) should update in place.
	adapter.queue[0].Name = "movie one (renamed)"
	if !o.ingestFromManagers(context.Background()) {
		t.Fatalf("expected a rename to be detected as a change")
	}
	rec, _ = store.Get("abcdef")
	if rec.Name != "movie one (renamed)" {
		t.Fatalf("expected name to update, got %s", rec.Name)
	}
}

func TestAdvanceOneLocatesHomeAndEntersHomeSeeding(t *testing.T) {
	o, store := newTestOrchestrator(t, nil, []EndpointBinding{{Name: "src", Client: newFakeClient("src")}}, nil)
	store.Put("hash1", state.TorrentRecord{Hash: "hash1", State: state.ManagerQueued})

	lists := map[string]map[string]endpoint.TorrentInfo{
		"src": {"hash1": {Name: "movie", State: endpoint.HomeSeeding}},
	}
	changed := o.locateAndAdvance(lists)
	if !changed {
		t.Fatalf("expected a state change")
	}
	rec, _ := store.Get("hash1")
	if rec.State != state.HomeSeeding {
		t.Fatalf("expected HOME_SEEDING, got %s", rec.State)
	}
	if rec.HomeClient != "src" {
		t.Fatalf("expected home_client bound to src, got %s", rec.HomeClient)
	}
}

func TestAdvanceOneUnclaimedThenRestoredKeepsPriorState(t *testing.T) {
	o, store := newTestOrchestrator(t, nil, []EndpointBinding{{Name: "src", Client: newFakeClient("src")}}, nil)
	store.Put("hash1", state.TorrentRecord{Hash: "hash1", State: state.HomeDownloading, HomeClient: "src"})

	// Tick with no endpoint reporting the hash: goes UNCLAIMED.
	lists := map[string]map[string]endpoint.TorrentInfo{"src": {}}
	if !o.locateAndAdvance(lists) {
		t.Fatalf("expected a change on the first unclaimed tick")
	}
	rec, _ := store.Get("hash1")
	if rec.State != state.Unclaimed {
		t.Fatalf("expected UNCLAIMED, got %s", rec.State)
	}
	if rec.PriorState != state.HomeDownloading {
		t.Fatalf("expected prior_state to remember HOME_DOWNLOADING, got %s", rec.PriorState)
	}
	if rec.UnclaimedCount != 1 {
		t.Fatalf("expected unclaimed_count 1, got %d", rec.UnclaimedCount)
	}

	// The torrent reappears: restored to its prior state.
	lists = map[string]map[string]endpoint.TorrentInfo{
		"src": {"hash1": {Name: "movie", State: endpoint.HomeDownloading}},
	}
	if !o.locateAndAdvance(lists) {
		t.Fatalf("expected a change on relocation")
	}
	rec, _ = store.Get("hash1")
	if rec.State != state.HomeDownloading {
		t.Fatalf("expected restored to HOME_DOWNLOADING, got %s", rec.State)
	}
	if rec.UnclaimedCount != 0 {
		t.Fatalf("expected unclaimed_count reset to 0, got %d", rec.UnclaimedCount)
	}
}

func TestLocateAndAdvanceDeletesBeyondUnclaimedLimit(t *testing.T) {
	o, store := newTestOrchestrator(t, nil, []EndpointBinding{{Name: "src", Client: newFakeClient("src")}}, nil)
	store.Put("hash1", state.TorrentRecord{Hash: "hash1", State: state.HomeDownloading, HomeClient: "src"})

	lists := map[string]map[string]endpoint.TorrentInfo{"src": {}}
	// UnclaimedLimit is 2 in the test fixture's tunables.
	o.locateAndAdvance(lists) // unclaimed_count -> 1
	o.locateAndAdvance(lists) // unclaimed_count -> 2, at the limit: deleted

	if _, ok := store.Get("hash1"); ok {
		t.Fatalf("expected record to be deleted once unclaimed_count reaches the limit")
	}
}

func newLocalConnFixture(t *testing.T, target *fakeClient, workers int, handles func(hash string) *state.Handle) (ConnectionBinding, string) {
	t.Helper()
	srcRoot := t.TempDir()
	dstRoot := t.TempDir()

	conn := executor.Connection{
		Name:                 "src->dst",
		HomeClientName:       "src",
		TargetClientName:     "dst",
		SourceTransport:      localfs.New(srcRoot),
		TargetTransport:      localfs.New(dstRoot),
		TargetClient:         target,
		SourceMetainfoDir:    "metainfo",
		SourcePayloadDir:     "payload",
		TargetMetainfoTmpDir: "tmp",
		TargetPayloadDir:     "payload",
		Workers:              workers,
	}
	binding := ConnectionBinding{Name: conn.Name, From: "src", To: "dst", Executor: executor.New(conn, nil, handles)}
	return binding, srcRoot
}

func TestAdvanceOneHomeSeedingEnqueuesAndRespectsBackpressure(t *testing.T) {
	target := newFakeClient("dst")
	connBinding, _ := newLocalConnFixture(t, target, 1, nil) // buffer size 1

	o, store := newTestOrchestrator(t, nil, []EndpointBinding{{Name: "src", Client: newFakeClient("src")}}, []ConnectionBinding{connBinding})
	store.Put("hash1", state.TorrentRecord{Hash: "hash1", State: state.HomeSeeding, HomeClient: "src"})
	store.Put("hash2", state.TorrentRecord{Hash: "hash2", State: state.HomeSeeding, HomeClient: "src"})

	lists := map[string]map[string]endpoint.TorrentInfo{
		"src": {
			"hash1": {Name: "movie1", State: endpoint.HomeSeeding, Files: []endpoint.FileEntry{{Path: "a.mkv", Size: 10}}},
			"hash2": {Name: "movie2", State: endpoint.HomeSeeding, Files: []endpoint.FileEntry{{Path: "b.mkv", Size: 5}}},
		},
	}
	o.locateAndAdvance(lists)

	rec1, _ := store.Get("hash1")
	rec2, _ := store.Get("hash2")

	copyingCount := 0
	seedingCount := 0
	for _, rec := range []state.TorrentRecord{rec1, rec2} {
		switch rec.State {
		case state.Copying:
			copyingCount++
		case state.HomeSeeding:
			seedingCount++
		}
	}
	if copyingCount != 1 || seedingCount != 1 {
		t.Fatalf("expected exactly one record enqueued (COPYING) and one left behind (HOME_SEEDING) under a 1-slot queue, got copying=%d seeding=%d", copyingCount, seedingCount)
	}
}

func TestAdvanceOneCopyingRetryBudgetExhaustedMovesToError(t *testing.T) {
	target := newFakeClient("dst")
	connBinding, _ := newLocalConnFixture(t, target, 1, nil)

	o, store := newTestOrchestrator(t, nil, nil, []ConnectionBinding{connBinding})
	store.Put("hash1", state.TorrentRecord{
		Hash:           "hash1",
		State:          state.Copying,
		HomeClient:     "src",
		CopyRetryCount: 2, // already at the test fixture's CopyRetryLimit
		Error:          &state.RecordError{Kind: "CopyFailed", Message: "disk full"},
	})

	// The record must still be "located" (reachable in this tick's
	// endpoint snapshot) for advanceOne to reach the COPYING branch at
	// all, rather than falling into the unclaimed path.
	lists := map[string]map[string]endpoint.TorrentInfo{
		"src": {"hash1": {Name: "movie", State: endpoint.HomeSeeding}},
	}
	changed := o.locateAndAdvance(lists)
	if !changed {
		t.Fatalf("expected a change")
	}
	rec, _ := store.Get("hash1")
	if rec.State != state.Error {
		t.Fatalf("expected ERROR once the retry budget is exhausted, got %s", rec.State)
	}
}

// TestAdvanceOneCopyingWithNilErrorStillReenqueues covers a COPYING
// record whose Error is nil but which isn't in flight on this
// executor — the state left behind by a process restart mid-copy, or
// by a transient failure that never reported one. The driver must
// re-enqueue it rather than leaving it stuck at COPYING forever. The
// re-enqueue alone leaves the record's fields as they were, so the
// pass reports no record change.
func TestAdvanceOneCopyingWithNilErrorStillReenqueues(t *testing.T) {
	target := newFakeClient("dst")
	connBinding, _ := newLocalConnFixture(t, target, 1, nil)

	o, store := newTestOrchestrator(t, nil, nil, []ConnectionBinding{connBinding})
	store.Put("hash1", state.TorrentRecord{
		Hash:       "hash1",
		State:      state.Copying,
		HomeClient: "src",
	})

	lists := map[string]map[string]endpoint.TorrentInfo{
		"src": {"hash1": {Name: "movie", State: endpoint.HomeSeeding}},
	}
	if o.locateAndAdvance(lists) {
		t.Fatalf("expected no record change from a re-enqueue alone")
	}
	if !connBinding.Executor.InFlight("hash1") {
		t.Fatalf("expected the record to have been re-enqueued onto the executor")
	}
	rec, _ := store.Get("hash1")
	if rec.State != state.Copying {
		t.Fatalf("expected state to remain COPYING, got %s", rec.State)
	}
}

// TestLocateTargetRewritesHomeStateToTarget exercises the
// connection-fallback branch of locateTarget (no TargetClient bound
// yet) against a target endpoint reporting its state in the same
// HOME_* vocabulary every client uses, regardless of role. locateTarget
// must rewrite it to TARGET_* rather than require the client to have
// reported TARGET_* itself, which no real client ever does.
func TestLocateTargetRewritesHomeStateToTarget(t *testing.T) {
	target := newFakeClient("dst")
	connBinding, _ := newLocalConnFixture(t, target, 1, nil)

	o, _ := newTestOrchestrator(t, nil, nil, []ConnectionBinding{connBinding})
	rec := &state.TorrentRecord{Hash: "hash1", HomeClient: "src"}

	lists := map[string]map[string]endpoint.TorrentInfo{
		"dst": {"hash1": {Name: "movie", State: endpoint.HomeSeeding}},
	}
	name, info, ok := o.locateTarget(rec, lists)
	if !ok {
		t.Fatalf("expected the target to be located")
	}
	if name != "dst" {
		t.Fatalf("expected target client dst, got %s", name)
	}
	if info.State != endpoint.TargetSeeding {
		t.Fatalf("expected HOME_SEEDING rewritten to TARGET_SEEDING, got %s", info.State)
	}
	if mapTargetState(info.State) != state.TargetSeeding {
		t.Fatalf("expected mapTargetState to resolve to TARGET_SEEDING, got %s", mapTargetState(info.State))
	}
}

func TestAdvanceOneCopiedMovesToTargetQueued(t *testing.T) {
	o, store := newTestOrchestrator(t, nil, []EndpointBinding{{Name: "src", Client: newFakeClient("src")}}, nil)
	store.Put("hash1", state.TorrentRecord{Hash: "hash1", State: state.Copied, HomeClient: "src"})

	lists := map[string]map[string]endpoint.TorrentInfo{
		"src": {"hash1": {Name: "movie", State: endpoint.HomeSeeding}},
	}
	if !o.locateAndAdvance(lists) {
		t.Fatalf("expected a change")
	}
	rec, _ := store.Get("hash1")
	if rec.State != state.TargetQueued {
		t.Fatalf("expected TARGET_QUEUED, got %s", rec.State)
	}
	if rec.CopiedAtTick != o.tickCount {
		t.Fatalf("expected copied_at_tick stamped with the current tick")
	}
}

func TestAdvanceOneTargetSeedingRetiresOnceReady(t *testing.T) {
	home := newFakeClient("src")
	adapter := &fakeAdapter{kind: "radarr", name: "radarr-1", ready: map[string]bool{"q1": true}}

	o, store := newTestOrchestrator(t, []manager.Adapter{adapter}, []EndpointBinding{{Name: "src", Client: home}}, nil)
	o.tickCount = 5
	store.Put("hash1", state.TorrentRecord{
		Hash: "hash1", State: state.TargetSeeding, HomeClient: "src", TargetClient: "dst",
		ManagerKind: "radarr", ManagerQueueID: "q1", CopiedAtTick: 1,
	})
	home.setTorrent("hash1", endpoint.TorrentInfo{Name: "movie", State: endpoint.HomeSeeding})

	lists := map[string]map[string]endpoint.TorrentInfo{
		"src": {"hash1": {Name: "movie", State: endpoint.HomeSeeding}},
		"dst": {"hash1": {Name: "movie", State: endpoint.TargetSeeding}},
	}
	if !o.locateAndAdvance(lists) {
		t.Fatalf("expected retirement to report a change")
	}
	if _, ok := store.Get("hash1"); ok {
		t.Fatalf("expected the record to be deleted once retired")
	}
	if !home.removed["hash1"] {
		t.Fatalf("expected the home client's copy to be removed")
	}
}

func TestAdvanceOneTargetSeedingWaitsForPostIngestTicks(t *testing.T) {
	adapter := &fakeAdapter{kind: "radarr", name: "radarr-1", ready: map[string]bool{"q1": true}}
	o, store := newTestOrchestrator(t, []manager.Adapter{adapter}, nil, nil)
	o.tickCount = 1 // PostIngestTicks is 1 in the fixture; ticksSinceCopy == 0 must wait
	store.Put("hash1", state.TorrentRecord{
		Hash: "hash1", State: state.TargetSeeding, TargetClient: "dst",
		ManagerKind: "radarr", ManagerQueueID: "q1", CopiedAtTick: 1,
	})

	lists := map[string]map[string]endpoint.TorrentInfo{
		"dst": {"hash1": {Name: "movie", State: endpoint.TargetSeeding}},
	}
	if o.locateAndAdvance(lists) {
		t.Fatalf("expected no change: post-ingest settle window has not elapsed")
	}
	rec, _ := store.Get("hash1")
	if rec.State != state.TargetSeeding {
		t.Fatalf("expected the record to remain TARGET_SEEDING, got %s", rec.State)
	}
}

// TestEndToEndSeedingThroughRetirement drives a full Tick-by-Tick
// migration using a real executor worker to perform the copy, the way
// spec.md §8's S1 scenario describes: ManagerQueued -> HomeSeeding ->
// Copying -> Copied -> TargetQueued -> TargetSeeding -> retired.
func TestEndToEndSeedingThroughRetirement(t *testing.T) {
	src := newFakeClient("src")
	dst := newFakeClient("dst")
	// The executor resolves record handles through the orchestrator's
	// store, which newTestOrchestrator creates further down.
	var store *state.Store
	connBinding, srcRoot := newLocalConnFixture(t, dst, 2, func(hash string) *state.Handle { return store.NewHandle(hash) })

	if err := os.MkdirAll(filepath.Join(srcRoot, "metainfo"), 0o755); err != nil {
		t.Fatalf("mkdir metainfo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, "metainfo", "cafe01.torrent"), []byte("d8:announce..."), 0o644); err != nil {
		t.Fatalf("write metainfo fixture: %v", err)
	}

	adapter := &fakeAdapter{
		kind:  "radarr",
		name:  "radarr-1",
		queue: []manager.QueueItem{{Hash: "cafe01", Name: "movie", QueueID: "q1"}},
		ready: map[string]bool{"q1": true},
	}

	o, store := newTestOrchestrator(t, []manager.Adapter{adapter},
		[]EndpointBinding{{Name: "src", Client: src}, {Name: "dst", Client: dst}},
		[]ConnectionBinding{connBinding})
	o.tunables.PostIngestTicks = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	connBinding.Executor.Start(ctx)
	defer connBinding.Executor.Stop()

	// The torrent is seeding at home from the start, and its
	// eventual target-side presence is pre-registered too: once the
	// driver binds a target client during the HOME_SEEDING->COPYING
	// transition, this snapshot is immediately visible. dst reports its
	// own state in the same HOME_* vocabulary every client uses
	// regardless of which role it's playing in this connection; the
	// driver is responsible for rewriting it to TARGET_SEEDING.
	src.setTorrent("cafe01", endpoint.TorrentInfo{Name: "movie", State: endpoint.HomeSeeding})
	dst.setTorrent("cafe01", endpoint.TorrentInfo{Name: "movie", State: endpoint.HomeSeeding})

	// Drive ticks (ManagerQueued -> HomeSeeding -> Copying -> [async
	// executor copy] -> Copied -> TargetQueued -> TargetSeeding ->
	// retired) until the record is deleted, or give up.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := o.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		if _, ok := store.Get("cafe01"); !ok {
			if !src.removed["cafe01"] {
				t.Fatalf("expected the home client's copy to have been removed before retirement")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := store.Get("cafe01")
	t.Fatalf("expected the record to retire (be deleted); last seen state=%s", rec.State)
}
