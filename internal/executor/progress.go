package executor

import (
	"time"

	"github.com/transferarr/transferarr/internal/state"
)

// progressTracker accumulates byte-level progress across the files of
// one job and periodically publishes a whole ProgressView through a
// state.Handle, computing transfer speed over a ~2s sliding window
// the way transfer_client.py's progress_callback does (bytes_diff /
// time_diff, resampled when enough time has passed).
type progressTracker struct {
	handle *state.Handle

	totalFiles int
	totalBytes int64

	fileIndex   int
	fileName    string
	bytesBefore int64 // bytes completed in files before the current one

	windowStart time.Time
	windowSent  int64
	speed       float64

	lastPublish time.Time
}

const progressWriteThrottle = 2 * time.Second

func newProgressTracker(totalFiles int, totalBytes int64, handle *state.Handle) *progressTracker {
	return &progressTracker{
		handle:      handle,
		totalFiles:  totalFiles,
		totalBytes:  totalBytes,
		windowStart: time.Now(),
	}
}

func (t *progressTracker) beginFile(index int, relPath string) {
	t.fileIndex = index
	t.fileName = relPath
	t.windowStart = time.Now()
	t.windowSent = 0
}

// onProgress returns a transport.ProgressFunc closed over the current
// file's accumulated-before-it byte count, so the published
// byte_progress is a running total across the whole job, not just the
// current file.
func (t *progressTracker) onProgress(relPath string) func(fileRelPath string, sent, total int64) {
	fileStart := t.bytesBefore
	return func(fileRelPath string, sent, total int64) {
		if sent >= total {
			t.bytesBefore = fileStart + total
		}
		t.maybePublish(fileStart+sent, sent, total)
	}
}

func (t *progressTracker) maybePublish(cumulativeBytes, fileSent, fileTotal int64) {
	now := time.Now()
	elapsed := now.Sub(t.windowStart)
	if elapsed >= 2*time.Second {
		bytesDiff := fileSent - t.windowSent
		if elapsed > 0 {
			t.speed = float64(bytesDiff) / elapsed.Seconds()
		}
		t.windowSent = fileSent
		t.windowStart = now
	}

	if now.Sub(t.lastPublish) < progressWriteThrottle && fileSent < fileTotal {
		return
	}
	t.lastPublish = now

	t.handle.SetProgress(state.ProgressView{
		CurrentFileIndex: t.fileIndex,
		TotalFiles:       t.totalFiles,
		CurrentFileName:  t.fileName,
		ByteProgress:     cumulativeBytes,
		TotalBytes:       t.totalBytes,
		TransferSpeed:    t.speed,
	})
}
