// Package radarr adapts a Radarr instance into manager.Adapter using
// the real Radarr API client, golift.io/starr/radarr, in place of the
// original implementation's own generated radarr SDK
// (original_source/transferarr/services/media_managers.py's
// RadarrManager).
package radarr

import (
	"context"
	"strings"
	"time"

	"golift.io/starr"
	"golift.io/starr/radarr"

	"github.com/transferarr/transferarr/internal/manager"
)

// Config holds one Radarr instance's connection parameters, matching
// the media_managers[] entry shape in spec.md §6.
type Config struct {
	Name    string
	URL     string
	APIKey  string
	Timeout int // seconds, 0 uses the starr default
}

// Adapter is a manager.Adapter backed by a Radarr instance.
type Adapter struct {
	name   string
	client *radarr.Radarr
}

func New(cfg Config) *Adapter {
	c := starr.New(cfg.APIKey, cfg.URL, time.Duration(cfg.Timeout)*time.Second)
	return &Adapter{
		name:   cfg.Name,
		client: radarr.New(c),
	}
}

func (a *Adapter) Kind() string { return "radarr" }
func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Queue(ctx context.Context) ([]manager.QueueItem, error) {
	queue, err := a.client.GetQueueContext(ctx, 1000, 1)
	if err != nil {
		return nil, &manager.TransientError{Manager: a.name, Op: "queue", Err: err}
	}

	items := make([]manager.QueueItem, 0, len(queue.Records))
	for _, rec := range queue.Records {
		if rec.DownloadID == "" {
			continue
		}
		items = append(items, manager.QueueItem{
			Hash:    strings.ToLower(rec.DownloadID),
			Name:    rec.Title,
			QueueID: strings.ToLower(rec.DownloadID),
		})
	}
	return items, nil
}

// ReadyToRemove mirrors RadarrManager.torrent_ready_to_remove: a
// torrent is safe to remove from its home client once Radarr's queue
// no longer references queueID, which Queue sets to the lowercased
// download_id.
func (a *Adapter) ReadyToRemove(ctx context.Context, queueID string) (bool, error) {
	queue, err := a.client.GetQueueContext(ctx, 1000, 1)
	if err != nil {
		return false, &manager.TransientError{Manager: a.name, Op: "ready_to_remove", Err: err}
	}

	target := strings.ToLower(queueID)
	for _, rec := range queue.Records {
		if strings.ToLower(rec.DownloadID) == target {
			return false, nil
		}
	}
	return true, nil
}
