package downloader

import (
	"context"
	"fmt"

	"github.com/italolelis/chat_downloader/internal/cleanup"
	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/storage"
)

// Recover brings persisted state in line with the running process after a
// start. Downloading and pending records without a live job are re-queued and
// their partial files removed; the queue is then admitted up to capacity in
// priority order. Calling it again with nothing to fix changes nothing.
func (d *Downloader) Recover(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	interrupted, err := d.repo.List(ctx, storage.Filter{
		Statuses: []storage.Status{storage.StatusDownloading, storage.StatusPending},
	})
	if err != nil {
		return fmt.Errorf("failed to list interrupted downloads: %w", err)
	}

	var orphans []storage.DownloadRecord

	for _, rec := range interrupted {
		if _, ok := d.registry.Get(rec.ID); ok {
			continue
		}

		if err := d.repo.Update(ctx, rec.ID, storage.StatusUpdate(storage.StatusQueued, "")); err != nil {
			return fmt.Errorf("failed to re-queue download %d: %w", rec.ID, err)
		}

		orphans = append(orphans, rec)
	}

	if err := cleanup.DeleteStalePartials(ctx, orphans); err != nil {
		logger.Warn("failed to remove stale partial files", "err", err)
	}

	queued, err := d.repo.List(ctx, storage.Filter{Statuses: []storage.Status{storage.StatusQueued}})
	if err != nil {
		return fmt.Errorf("failed to list queued downloads: %w", err)
	}

	sortQueue(queued)

	var started int

	for _, rec := range queued {
		admitted, err := d.admitLocked(ctx, rec.ID)
		if err != nil {
			return err
		}

		if !admitted {
			break
		}

		started++

		d.dispatchLocked(ctx, rec, nil)
	}

	logger.Info("recovery finished", "requeued", len(orphans), "queued", len(queued), "started", started)

	return nil
}
