// Package orchestrator implements the single-threaded reconciliation
// driver (component F, spec.md §4.F): the TorrentManager that ticks on
// a fixed period, ingests manager queues, locates torrents on
// endpoints, advances the state machine, and persists changes. It is
// the direct Go translation of
// original_source/transferarr/services/torrent_service.py's
// TorrentManager (_run_loop/update_torrents), rewritten per spec.md
// §9's instruction to make state changes explicit instead of a
// property-setter hook: the driver changes records through
// state.Store's Put/Mutate/Range and persists them with one
// Store.Save at the end of each changing tick. Its
// ticker-driven loop shape follows
// internal/scanner/periodic.go's scheduleScans.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/transferarr/transferarr/internal/endpoint"
	"github.com/transferarr/transferarr/internal/executor"
	"github.com/transferarr/transferarr/internal/manager"
	"github.com/transferarr/transferarr/internal/state"
)

// retiredSentinel marks a record as fully retired within the current
// tick's advance pass; locateAndAdvance deletes any record left in
// this state after Range returns, since a record cannot be deleted
// from inside Range's callback.
const retiredSentinel state.TorrentState = "__retired__"

// Tunables are the configurable knobs of spec.md §6.
type Tunables struct {
	Tick            time.Duration // T_TICK, default 2s
	UnclaimedLimit  int           // K_UNCLAIMED, default 10
	CopyRetryLimit  int           // K_COPY_RETRY, default 3
	PostIngestTicks int           // K_POST_INGEST_TICKS, default 2
	CallTimeout     time.Duration // per-call timeout, default 30s
}

// DefaultTunables returns the defaults named throughout spec.md §6.
func DefaultTunables() Tunables {
	return Tunables{
		Tick:            2 * time.Second,
		UnclaimedLimit:  10,
		CopyRetryLimit:  3,
		PostIngestTicks: 2,
		CallTimeout:     30 * time.Second,
	}
}

// EndpointBinding pairs a configured endpoint name with its client.
// "Locate" (spec.md §4.F step 2) iterates endpoints in the order of
// the slice passed to New. cmd/transferarr builds that slice by
// ranging over the download_clients map, so the order is not the
// order of the configuration file and can differ from run to run.
type EndpointBinding struct {
	Name   string
	Client endpoint.Client
}

// ConnectionBinding is one configured connection (spec.md §3) wired to
// the executor that runs its copy jobs.
type ConnectionBinding struct {
	Name     string
	From     string
	To       string
	Executor *executor.Executor
}

// History is the subset of the history sink the driver itself writes
// to directly, distinct from executor.History (which the executor
// calls during a copy). Kept as its own interface so orchestrator does
// not need to import executor's definition.
type History interface {
	RecordCompleted(hash string)
	RecordFailed(hash, reason string)
}

// Notifier receives a best-effort signal after a tick changes the
// store, for an ambient live-view surface (internal/api's websocket
// hub) to relay to connected operators. It is never required for
// correctness; the driver does not wait on it.
type Notifier interface {
	NotifyTick(tickCount int64, changed []state.TorrentRecord)
}

// Orchestrator is the TorrentManager driver.
type Orchestrator struct {
	store       *state.Store
	managers    []manager.Adapter
	endpoints   []EndpointBinding
	connections []ConnectionBinding
	tunables    Tunables
	history     History
	notifier    Notifier

	tickCount int64
}

// New constructs an Orchestrator. Callers build endpoints and
// connections (including their executors) before calling New, and are
// responsible for starting each connection's executor.
func New(store *state.Store, managers []manager.Adapter, endpoints []EndpointBinding, connections []ConnectionBinding, tunables Tunables, history History) *Orchestrator {
	return &Orchestrator{
		store:       store,
		managers:    managers,
		endpoints:   endpoints,
		connections: connections,
		tunables:    tunables,
		history:     history,
	}
}

// SetNotifier attaches an optional live-view notifier after
// construction, so cmd/transferarr can wire the API's hub without
// New needing an extra always-nil parameter in the common no-HTTP
// case.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// Run ticks the driver until ctx is cancelled. A StateStoreUnwritable
// failure (spec.md §7) is fatal to the process: Run returns the error
// so main can exit with the documented status code.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.tunables.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick runs one reconciliation pass (spec.md §4.F steps 1-5).
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.tickCount++

	callCtx, cancel := context.WithTimeout(ctx, o.tunables.CallTimeout)
	defer cancel()

	lists := o.fetchEndpointLists(callCtx)

	changed := o.ingestFromManagers(callCtx)
	if o.locateAndAdvance(lists) {
		changed = true
	}

	if !changed {
		return nil
	}
	if err := o.store.Save(); err != nil {
		log.Printf("[orchestrator] FATAL: state store unwritable: %v", err)
		return fmt.Errorf("state store unwritable: %w", err)
	}
	if o.notifier != nil {
		o.notifier.NotifyTick(o.tickCount, o.store.All())
	}
	return nil
}

func (o *Orchestrator) fetchEndpointLists(ctx context.Context) map[string]map[string]endpoint.TorrentInfo {
	lists := make(map[string]map[string]endpoint.TorrentInfo, len(o.endpoints))
	for _, ep := range o.endpoints {
		torrents, err := ep.Client.List(ctx)
		if err != nil {
			log.Printf("[orchestrator] list on endpoint %s failed (transient): %v", ep.Name, err)
			continue
		}
		lists[ep.Name] = torrents
	}
	return lists
}

// ingestFromManagers implements spec.md §4.F step 1.
func (o *Orchestrator) ingestFromManagers(ctx context.Context) bool {
	changed := false
	for _, m := range o.managers {
		items, err := m.Queue(ctx)
		if err != nil {
			log.Printf("[orchestrator] queue() on manager %s failed (transient): %v", m.Name(), err)
			continue
		}
		for _, item := range items {
			hash := endpoint.NormalizeHash(item.Hash)
			if hash == "" {
				continue
			}
			if existing, ok := o.store.Get(hash); ok {
				if existing.Name != item.Name || existing.ManagerQueueID != item.QueueID {
					o.store.Mutate(hash, func(rec *state.TorrentRecord) bool {
						rec.Name = item.Name
						rec.ManagerQueueID = item.QueueID
						return true
					})
					changed = true
				}
				continue
			}
			o.store.Put(hash, state.TorrentRecord{
				Hash:           hash,
				Name:           item.Name,
				State:          state.ManagerQueued,
				ManagerKind:    m.Kind(),
				ManagerQueueID: item.QueueID,
			})
			changed = true
		}
	}
	return changed
}

// locateAndAdvance implements spec.md §4.F steps 2-4: for every
// tracked record, resolve its home/target presence against this
// tick's endpoint snapshots, then apply at most one transition.
func (o *Orchestrator) locateAndAdvance(lists map[string]map[string]endpoint.TorrentInfo) bool {
	changed := false

	var toDelete []string
	o.store.Range(func(rec *state.TorrentRecord) {
		if o.advanceOne(rec, lists) {
			changed = true
		}
		if rec.State == state.Unclaimed && rec.UnclaimedCount >= o.tunables.UnclaimedLimit {
			toDelete = append(toDelete, rec.Hash)
		}
		if rec.State == retiredSentinel {
			toDelete = append(toDelete, rec.Hash)
		}
	})

	for _, hash := range toDelete {
		o.store.Delete(hash)
		changed = true
	}
	return changed
}

// advanceOne applies the transition table of spec.md §4.F to one
// record, given this tick's endpoint snapshots. It returns whether the
// record was mutated.
func (o *Orchestrator) advanceOne(rec *state.TorrentRecord, lists map[string]map[string]endpoint.TorrentInfo) bool {
	home, homeInfo, homeFound := o.locateHome(rec, lists)
	target, targetInfo, targetFound := o.locateTarget(rec, lists)

	located := homeFound || targetFound

	switch {
	case !located && rec.State != state.Unclaimed:
		rec.PriorState = rec.State
		rec.State = state.Unclaimed
		rec.UnclaimedCount++
		return true

	case !located && rec.State == state.Unclaimed:
		rec.UnclaimedCount++
		return true

	case located && rec.State == state.Unclaimed:
		rec.State = rec.PriorState
		rec.UnclaimedCount = 0
		// Re-evaluate the restored state below in the same tick so a
		// record doesn't sit one extra tick in limbo. The restore
		// itself is always a change, independent of whether this
		// further re-evaluation advances the state any further.
		o.advanceLocated(rec, home, homeInfo, homeFound, target, targetInfo, targetFound)
		return true
	}

	return o.advanceLocated(rec, home, homeInfo, homeFound, target, targetInfo, targetFound)
}

func (o *Orchestrator) advanceLocated(rec *state.TorrentRecord, home string, homeInfo endpoint.TorrentInfo, homeFound bool, target string, targetInfo endpoint.TorrentInfo, targetFound bool) bool {
	changed := false

	switch rec.State {
	case state.ManagerQueued:
		if homeFound {
			rec.HomeClient = home
			rec.State = mapHomeState(homeInfo.State)
			changed = true
		}

	case state.HomeQueued, state.HomeChecking, state.HomeDownloading, state.HomePaused, state.HomeError:
		if !homeFound {
			break
		}
		newState := mapHomeState(homeInfo.State)
		if newState != rec.State {
			rec.State = newState
			changed = true
		}

	case state.HomeSeeding:
		if !homeFound {
			break
		}
		if newState := mapHomeState(homeInfo.State); newState != state.HomeSeeding {
			rec.State = newState
			changed = true
			break
		}
		conn := o.connectionFrom(rec.HomeClient)
		if conn == nil {
			break // no matching connection: no-op, wait
		}
		if rec.TargetClient == "" {
			rec.TargetClient = conn.To
		}
		fileList := fileListFrom(homeInfo.Files)
		job := executor.Job{Hash: rec.Hash, Name: rec.Name, FileList: fileList}
		if conn.Executor.Enqueue(job) {
			rec.State = state.Copying
			rec.FileList = fileList
			changed = true
		}
		// Queue saturated: leave at HOME_SEEDING, retry next tick
		// (spec.md §5 "Capacity & backpressure").

	case state.Copying:
		conn := o.connectionFrom(rec.HomeClient)
		if conn == nil {
			break
		}
		if conn.Executor.InFlight(rec.Hash) {
			break // still running; driver observes completion via rec.State/rec.Error
		}
		// Not in flight and still COPYING: either a transient failure
		// left rec.Error set, or the process restarted mid-copy and the
		// freshly built Executor never heard about this job at all. Both
		// cases need the same re-enqueue-or-fail-out decision.
		if rec.Error != nil && rec.CopyRetryCount >= o.tunables.CopyRetryLimit {
			rec.State = state.Error
			changed = true
			if o.history != nil {
				o.history.RecordFailed(rec.Hash, rec.Error.Message)
			}
			break
		}
		if conn.Executor.Enqueue(executor.Job{Hash: rec.Hash, Name: rec.Name, FileList: rec.FileList}) {
			if rec.Error != nil {
				rec.Error = nil
				changed = true
			}
		}
		// rec.State == Copied is set directly by the executor's Handle;
		// nothing further to do here this tick.

	case state.Copied:
		rec.CopiedAtTick = o.tickCount
		rec.State = state.TargetQueued
		changed = true

	case state.TargetQueued, state.TargetChecking, state.TargetDownloading, state.TargetPaused, state.TargetError:
		if !targetFound {
			break
		}
		newState := mapTargetState(targetInfo.State)
		if newState != rec.State {
			rec.State = newState
			changed = true
		}

	case state.TargetSeeding:
		if !targetFound {
			break
		}
		ticksSinceCopy := o.tickCount - rec.CopiedAtTick
		if ticksSinceCopy < int64(o.tunables.PostIngestTicks) {
			break
		}
		adapter := o.managerByKind(rec.ManagerKind)
		if adapter == nil {
			break
		}
		ready, err := adapter.ReadyToRemove(context.Background(), rec.ManagerQueueID)
		if err != nil {
			log.Printf("[orchestrator] ready_to_remove(%s) failed (transient): %v", rec.Hash, err)
			break
		}
		if !ready {
			break
		}
		homeClient := o.endpointClient(rec.HomeClient)
		if homeClient != nil {
			if err := homeClient.Remove(context.Background(), rec.Hash, true); err != nil {
				log.Printf("[orchestrator] remove(%s) on %s failed (transient): %v", rec.Hash, rec.HomeClient, err)
				break
			}
		}
		if o.history != nil {
			o.history.RecordCompleted(rec.Hash)
		}
		rec.State = retiredSentinel
		changed = true

	case state.Error:
		// Never auto-resolves; surfaced until operator intervention.
	}

	return changed
}

// locateHome resolves a record's home endpoint: the first configured
// endpoint reporting the hash if none is bound yet, or a
// confirmation/loss check against the currently-bound one.
func (o *Orchestrator) locateHome(rec *state.TorrentRecord, lists map[string]map[string]endpoint.TorrentInfo) (string, endpoint.TorrentInfo, bool) {
	if rec.HomeClient != "" {
		if info, ok := lists[rec.HomeClient][rec.Hash]; ok {
			return rec.HomeClient, info, true
		}
		return rec.HomeClient, endpoint.TorrentInfo{}, false
	}
	for _, ep := range o.endpoints {
		if info, ok := lists[ep.Name][rec.Hash]; ok {
			return ep.Name, info, true
		}
	}
	return "", endpoint.TorrentInfo{}, false
}

// locateTarget resolves a record's target endpoint the same way, but
// only among endpoints reachable via a configured connection from the
// record's home client.
func (o *Orchestrator) locateTarget(rec *state.TorrentRecord, lists map[string]map[string]endpoint.TorrentInfo) (string, endpoint.TorrentInfo, bool) {
	if rec.TargetClient != "" {
		if info, ok := lists[rec.TargetClient][rec.Hash]; ok {
			info.State = info.State.ToTarget()
			return rec.TargetClient, info, true
		}
		return rec.TargetClient, endpoint.TorrentInfo{}, false
	}
	for _, conn := range o.connections {
		if conn.From != rec.HomeClient {
			continue
		}
		// Every client implementation reports its native state in the
		// HOME_* vocabulary regardless of which side of a connection
		// it's acting as; rewrite to TARGET_* before handing it back.
		if info, ok := lists[conn.To][rec.Hash]; ok {
			info.State = info.State.ToTarget()
			return conn.To, info, true
		}
	}
	return "", endpoint.TorrentInfo{}, false
}

func (o *Orchestrator) connectionFrom(homeClient string) *ConnectionBinding {
	for i := range o.connections {
		if o.connections[i].From == homeClient {
			return &o.connections[i]
		}
	}
	return nil
}

func (o *Orchestrator) endpointClient(name string) endpoint.Client {
	for _, ep := range o.endpoints {
		if ep.Name == name {
			return ep.Client
		}
	}
	return nil
}

func (o *Orchestrator) managerByKind(kind string) manager.Adapter {
	for _, m := range o.managers {
		if m.Kind() == kind {
			return m
		}
	}
	return nil
}

func fileListFrom(files []endpoint.FileEntry) []state.FileRef {
	out := make([]state.FileRef, len(files))
	for i, f := range files {
		out[i] = state.FileRef{Path: f.Path, Size: f.Size}
	}
	return out
}

// mapHomeState and mapTargetState translate the endpoint package's
// universal State into the orchestrator's TorrentState vocabulary;
// the two sets share the same string values by convention, so this is
// a type conversion plus a defensive prefix check rather than a
// lookup table (spec.md §9: "the orchestrator never interprets
// native states" — the endpoint implementation already did that).
func mapHomeState(s endpoint.State) state.TorrentState {
	if !s.IsHome() {
		return state.HomeError
	}
	return state.TorrentState(s)
}

func mapTargetState(s endpoint.State) state.TorrentState {
	if !s.IsTarget() {
		return state.TargetError
	}
	return state.TorrentState(s)
}
