// Package sonarr adapts a Sonarr instance into manager.Adapter,
// mirroring internal/manager/radarr's use of golift.io/starr for the
// sibling Radarr API surface — Sonarr's queue endpoint has the same
// shape (spec.md §4.D groups both managers under one contract).
package sonarr

import (
	"context"
	"strings"

	"golift.io/starr"
	"golift.io/starr/sonarr"

	"github.com/transferarr/transferarr/internal/manager"
)

// Config holds one Sonarr instance's connection parameters.
type Config struct {
	Name   string
	URL    string
	APIKey string
}

// Adapter is a manager.Adapter backed by a Sonarr instance.
type Adapter struct {
	name   string
	client *sonarr.Sonarr
}

func New(cfg Config) *Adapter {
	c := starr.New(cfg.APIKey, cfg.URL, 0)
	return &Adapter{
		name:   cfg.Name,
		client: sonarr.New(c),
	}
}

func (a *Adapter) Kind() string { return "sonarr" }
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
