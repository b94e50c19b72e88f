// Package executor implements the bounded per-connection worker pool
// that copies a torrent's payload and metainfo from a home endpoint to
// a target endpoint (spec.md §4.E). The worker-count bookkeeping and
// panic-recovering goroutine dispatch follow
// internal/torrent/queue.go's QueueManager (workers/maxWorkers counters
// guarded by a mutex, "go func(it *QueueItem) { defer recover() ... }"
// dispatch); the domain, and the explicit bounded channel used for
// backpressure instead of a DB-backed claim, are this package's own.
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transferarr/transferarr/internal/endpoint"
	"github.com/transferarr/transferarr/internal/state"
	"github.com/transferarr/transferarr/internal/transport"
)

// History is the narrow slice of the history sink (component G) the
// executor needs to report progress as it happens (spec.md §6's
// history sink contract: transfer_started/transfer_progress/
// transfer_completed/transfer_failed).
type History interface {
	RecordTransferStarted(hash, name, from, to string, size int64)
	RecordProgress(hash string, bytesDone, bytesTotal int64, speed float64)
	RecordCompleted(hash string)
	RecordFailed(hash, reason string)
}

// Connection is the static configuration of one executor: the
// source/target transports and directories a copy job runs between,
// matching the Connection entity of spec.md §3.
type Connection struct {
	Name             string
	HomeClientName   string
	TargetClientName string

	SourceTransport transport.Transport
	TargetTransport transport.Transport
	TargetClient    endpoint.Client

	SourceMetainfoDir    string
	SourcePayloadDir     string
	TargetMetainfoTmpDir string
	TargetPayloadDir     string

	// Workers is W, the bounded pool size (spec.md §4.E, default 3).
	Workers int
}

// Job is one unit of work: copy hash's payload and metainfo along
// this executor's connection.
type Job struct {
	Hash     string
	Name     string
	FileList []state.FileRef
}

// Executor runs Connection.Workers goroutines draining a bounded job
// queue. Enqueue returns false when the queue is saturated so the
// driver can leave the record in HOME_SEEDING and retry next tick
// (spec.md §5 "Capacity & backpressure").
type Executor struct {
	conn    Connection
	history History

	jobs    chan Job
	handles func(hash string) *state.Handle

	mu       sync.Mutex
	inFlight map[string]bool

	shutdownDeadline time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Executor for conn. handles resolves a hash to the
// state.Handle the job should publish progress and terminal state
// through.
func New(conn Connection, history History, handles func(hash string) *state.Handle) *Executor {
	if conn.Workers <= 0 {
		conn.Workers = 3
	}
	return &Executor{
		conn:             conn,
		history:          history,
		jobs:             make(chan Job, conn.Workers),
		handles:          handles,
		inFlight:         make(map[string]bool),
		shutdownDeadline: 30 * time.Second,
	}
}

// Start launches the worker pool. Call once.
func (e *Executor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.conn.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
}

// Enqueue submits job, returning false without blocking if the queue
// is full (spec.md §5: "no unbounded queuing ever occurs"). The
// caller (driver) must have already transitioned the record to
// COPYING before calling Enqueue (spec.md §4.E step 1).
func (e *Executor) Enqueue(job Job) bool {
	e.mu.Lock()
	if e.inFlight[job.Hash] {
		e.mu.Unlock()
		return true // spec.md §8 property 8: no duplicate concurrent job
	}
	// Gate admission on jobs already accepted but not yet finished, not
	// on buffer occupancy: a worker draining the channel frees a buffer
	// slot well before the job it took finishes, and admitting against
	// the buffer alone lets up to 2*Workers run concurrently.
	if len(e.inFlight) >= e.conn.Workers {
		e.mu.Unlock()
		return false
	}
	e.inFlight[job.Hash] = true
	e.mu.Unlock()

	select {
	case e.jobs <- job:
		return true
	default:
		// Unreachable in practice: admission is already bounded to
		// Workers and the channel is buffered to Workers.
		e.mu.Lock()
		delete(e.inFlight, job.Hash)
		e.mu.Unlock()
		return false
	}
}

// InFlight reports whether hash currently has a job queued or
// running, used by the driver's COPYING-state handling (spec.md
// §4.F: "Check if the torrent is in any connection's active
// transfers" in the original, generalized here to a direct lookup).
func (e *Executor) InFlight(hash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[hash]
}

// Stop waits up to the shutdown deadline for in-flight jobs to
// finish, then returns. Workers still running past the deadline are
// abandoned; the driver will find their records still at COPYING on
// the next restart and re-enqueue them (spec.md §4.E "Cancellation").
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.shutdownDeadline):
		log.Printf("[executor %s] shutdown deadline exceeded, abandoning in-flight jobs", e.conn.Name)
	}
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-e.jobs:
			if !ok {
				return
			}
			e.runJob(ctx, job)
			e.mu.Lock()
			delete(e.inFlight, job.Hash)
			e.mu.Unlock()
		}
	}
}

func (e *Executor) runJob(ctx context.Context, job Job) {
	handle := e.handles(job.Hash)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[executor %s] panic copying %s: %v", e.conn.Name, job.Hash, r)
			handle.Complete(false, &state.RecordError{
				Kind:    "CopyFailed",
				Message: fmt.Sprintf("internal error (panic): %v", r),
				When:    time.Now(),
			})
			if e.history != nil {
				e.history.RecordFailed(job.Hash, "internal error")
			}
		}
	}()

	var totalSize int64
	for _, f := range job.FileList {
		totalSize += f.Size
	}
	if e.history != nil {
		e.history.RecordTransferStarted(job.Hash, job.Name, e.conn.HomeClientName, e.conn.TargetClientName, totalSize)
	}

	if err := e.copyPayload(ctx, job, handle, totalSize); err != nil {
		log.Printf("[executor %s] copy failed for %s: %v", e.conn.Name, job.Hash, err)
		handle.Complete(false, &state.RecordError{Kind: "CopyFailed", Message: err.Error(), When: time.Now()})
		if e.history != nil {
			e.history.RecordFailed(job.Hash, err.Error())
		}
		return
	}

	_, metainfoBytes, err := e.copyMetainfo(ctx, job.Hash)
	if err != nil {
		log.Printf("[executor %s] metainfo copy failed for %s: %v", e.conn.Name, job.Hash, err)
		handle.Complete(false, &state.RecordError{Kind: "MetainfoMissing", Message: err.Error(), When: time.Now()})
		if e.history != nil {
			e.history.RecordFailed(job.Hash, err.Error())
		}
		return
	}

	addErr := e.conn.TargetClient.AddMetainfo(ctx, metainfoBytes, endpoint.AddOptions{
		SavePath: e.conn.TargetPayloadDir,
		Paused:   false,
	})
	if addErr != nil {
		var fatal *endpoint.FatalError
		if isFatal(addErr, &fatal) {
			handle.Complete(false, &state.RecordError{Kind: "CopyFailed", Message: addErr.Error(), When: time.Now()})
			if e.history != nil {
				e.history.RecordFailed(job.Hash, addErr.Error())
			}
			return
		}
		// Transient add_metainfo failure: record it so the driver sees
		// the record still at COPYING with an error next tick and
		// re-enqueues against the retry budget.
		log.Printf("[executor %s] add_metainfo transient failure for %s: %v", e.conn.Name, job.Hash, addErr)
		handle.Complete(false, &state.RecordError{Kind: "CopyFailed", Message: addErr.Error(), When: time.Now()})
		return
	}

	handle.Complete(true, nil)
	if e.history != nil {
		e.history.RecordCompleted(job.Hash)
	}
}

func isFatal(err error, target **endpoint.FatalError) bool {
	fe, ok := err.(*endpoint.FatalError)
	if ok {
		*target = fe
		return true
	}
	return false
}

// copyPayload implements spec.md §4.E steps 2-3: dedupe the file list
// by first path component, then recursively replicate each top-level
// path, publishing a whole-value progress snapshot as it goes.
func (e *Executor) copyPayload(ctx context.Context, job Job, handle *state.Handle, totalSize int64) error {
	srcSession, err := e.conn.SourceTransport.Open(ctx)
	if err != nil {
		return fmt.Errorf("open source transport: %w", err)
	}
	// Deferred via closures, not a bound method value: the retry path
	// below reassigns srcSession/dstSession, and a closure looks up the
	// variable at defer-execution time rather than capturing today's
	// value, so this always closes whichever session is current.
	defer func() { srcSession.Close() }()

	dstSession, err := e.conn.TargetTransport.Open(ctx)
	if err != nil {
		return fmt.Errorf("open target transport: %w", err)
	}
	defer func() { dstSession.Close() }()

	topLevel := dedupeTopLevel(job.FileList)

	tracker := newProgressTracker(len(topLevel), totalSize, handle)

	for i, rel := range topLevel {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tracker.beginFile(i, rel)

		srcPath := path.Join(e.conn.SourcePayloadDir, rel)
		_, err := transport.Copy(ctx, srcSession, dstSession, srcPath, e.conn.TargetPayloadDir, tracker.onProgress(rel))
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Retry the current path once per job, per spec.md §7
		// TransportError policy. The failed sessions may be dead, so
		// close and reopen both before retrying rather than reusing
		// them: a transport that pools connections (e.g. sftp) will
		// hand back a fresh one in place of whatever just failed.
		log.Printf("[executor %s] copy %s failed, reopening transports and retrying once: %v", e.conn.Name, rel, err)
		srcSession.Close()
		dstSession.Close()

		srcSession, err = e.conn.SourceTransport.Open(ctx)
		if err != nil {
			return fmt.Errorf("reopen source transport: %w", err)
		}
		dstSession, err = e.conn.TargetTransport.Open(ctx)
		if err != nil {
			return fmt.Errorf("reopen target transport: %w", err)
		}

		_, retryErr := transport.Copy(ctx, srcSession, dstSession, srcPath, e.conn.TargetPayloadDir, tracker.onProgress(rel))
		if retryErr != nil {
			return fmt.Errorf("copy %s: %w", rel, retryErr)
		}
	}
	return nil
}

// dedupeTopLevel collapses a multi-file torrent's file list down to
// its distinct first path components, so a directory with many files
// is copied once recursively rather than file-by-file (spec.md §4.E
// step 2).
func dedupeTopLevel(files []state.FileRef) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range files {
		top := f.Path
		if idx := firstSlash(f.Path); idx >= 0 {
			top = f.Path[:idx]
		}
		if !seen[top] {
			seen[top] = true
			out = append(out, top)
		}
	}
	return out
}

func firstSlash(p string) int {
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			return i
		}
	}
	return -1
}

// copyMetainfo implements spec.md §4.E step 4: read the source
// metainfo file for hash, write it under a unique name into the
// connection's target_metainfo_tmp_dir, and return its bytes for
// add_metainfo.
func (e *Executor) copyMetainfo(ctx context.Context, hash string) (string, []byte, error) {
	srcSession, err := e.conn.SourceTransport.Open(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("open source transport: %w", err)
	}
	defer srcSession.Close()

	srcPath := path.Join(e.conn.SourceMetainfoDir, hash+".torrent")
	r, err := srcSession.Open(ctx, srcPath)
	if err != nil {
		return "", nil, fmt.Errorf("open metainfo %s: %w", srcPath, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return "", nil, fmt.Errorf("read metainfo %s: %w", srcPath, err)
	}

	tmpName := fmt.Sprintf("%s-%s.torrent", hash, uuid.New().String())
	tmpPath := path.Join(e.conn.TargetMetainfoTmpDir, tmpName)

	dstSession, err := e.conn.TargetTransport.Open(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("open target transport: %w", err)
	}
	defer dstSession.Close()

	if err := dstSession.MkdirAll(ctx, e.conn.TargetMetainfoTmpDir); err != nil {
		return "", nil, fmt.Errorf("mkdir %s: %w", e.conn.TargetMetainfoTmpDir, err)
	}
	w, err := dstSession.Create(ctx, tmpPath)
	if err != nil {
		return "", nil, fmt.Errorf("create %s: %w", tmpPath, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", nil, fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("close %s: %w", tmpPath, err)
	}

	return tmpPath, data, nil
}

