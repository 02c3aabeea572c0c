package downloader

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/notifier"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/transport"
)

// TryAdmit moves the record to downloading and registers its job when a slot
// is free, or to queued otherwise. Only pending, queued and paused records are
// eligible; any other status yields false without a write. The caller
// dispatches an admitted record.
func (d *Downloader) TryAdmit(ctx context.Context, id int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.admitLocked(ctx, id)
}

func (d *Downloader) admitLocked(ctx context.Context, id int64) (bool, error) {
	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}

	switch rec.Status {
	case storage.StatusPending, storage.StatusQueued, storage.StatusPaused:
	default:
		return false, nil
	}

	active, err := d.countActiveLocked(ctx)
	if err != nil {
		return false, err
	}

	if active < d.opts.MaxConcurrent {
		if _, ok := d.registry.Register(id); !ok {
			return false, nil
		}

		if err := d.repo.Update(ctx, id, storage.StatusUpdate(storage.StatusDownloading, "")); err != nil {
			d.registry.Clear(id)

			return false, fmt.Errorf("failed to mark download %d as downloading: %w", id, err)
		}

		d.telemetry.RecordAdmission("admitted")

		return true, nil
	}

	if rec.Status != storage.StatusQueued {
		if err := d.repo.Update(ctx, id, storage.StatusUpdate(storage.StatusQueued, "")); err != nil {
			return false, fmt.Errorf("failed to queue download %d: %w", id, err)
		}
	}

	d.telemetry.RecordAdmission("queued")

	return false, nil
}

func (d *Downloader) countActiveLocked(ctx context.Context) (int, error) {
	running, err := d.repo.List(ctx, storage.Filter{Statuses: []storage.Status{storage.StatusDownloading}})
	if err != nil {
		return 0, fmt.Errorf("failed to count active downloads: %w", err)
	}

	return len(running), nil
}

// Dispatch hands an admitted record to the fetcher of its origin on a new
// goroutine: Start when the inbound message is available, Restore otherwise.
func (d *Downloader) Dispatch(ctx context.Context, rec storage.DownloadRecord, msg *transport.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dispatchLocked(ctx, rec, msg)
}

func (d *Downloader) dispatchLocked(ctx context.Context, rec storage.DownloadRecord, msg *transport.Message) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", rec.ID, "origin", rec.Origin)

	job, ok := d.registry.Get(rec.ID)
	if !ok {
		logger.Warn("dispatch without a live job")

		return
	}

	fetcher, ok := d.fetchers[rec.Origin]
	if !ok {
		logger.Error("no fetcher for origin")

		reason := fmt.Sprintf("%v: %s", ErrNoFetcher, rec.Origin)
		if err := d.repo.Update(ctx, rec.ID, storage.StatusUpdate(storage.StatusFailed, reason)); err != nil {
			logger.Error("failed to mark download as failed", "err", err)
		}

		d.registry.Clear(rec.ID)

		return
	}

	rec.Status = storage.StatusDownloading
	d.notify(ctx, notifier.Event{Kind: notifier.EventStarted, Download: rec})

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		if msg != nil {
			fetcher.Start(job, rec, msg)

			return
		}

		fetcher.Restore(job, rec)
	}()
}

// OnFinished fills free slots with the best queued records and dispatches
// them. It is a no-op without queued work.
func (d *Downloader) OnFinished(ctx context.Context, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	logctx.LoggerFromContext(ctx).Debug("download left the running set", "download_id", id)

	d.promoteLocked(ctx)
}

func (d *Downloader) promoteLocked(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		active, err := d.countActiveLocked(ctx)
		if err != nil {
			logger.Error("failed to promote queued downloads", "err", err)

			return
		}

		if active >= d.opts.MaxConcurrent {
			return
		}

		queued, err := d.repo.List(ctx, storage.Filter{Statuses: []storage.Status{storage.StatusQueued}})
		if err != nil {
			logger.Error("failed to list queued downloads", "err", err)

			return
		}

		if len(queued) == 0 {
			return
		}

		sortQueue(queued)
		next := queued[0]

		admitted, err := d.admitLocked(ctx, next.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}

			logger.Error("failed to admit queued download", "download_id", next.ID, "err", err)

			return
		}

		if !admitted {
			return
		}

		logger.Info("promoted queued download", "download_id", next.ID, "priority", next.Priority)

		d.dispatchLocked(ctx, next, nil)
	}
}

// sortQueue orders records by priority (highest first), then creation time,
// then id.
func sortQueue(records []storage.DownloadRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}

		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}

		return a.ID < b.ID
	})
}

// finish records how a job ended, releases it and promotes queued work. Every
// dispatched job passes through here exactly once. A nil update leaves the
// record untouched.
func (d *Downloader) finish(job *Job, update *storage.Update, event *notifier.Event) {
	ctx := context.WithoutCancel(job.Context())
	logger := logctx.LoggerFromContext(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shuttingDown() {
		// The record stays downloading; Recover re-queues it on the next start.
		d.registry.Clear(job.ID)

		return
	}

	// A cancel or delete that arrived while a paused job wound down decides
	// the final state.
	if reason := job.Reason(); reason.final() && pausing(update) {
		update = reason.outcome()
		event = restate(event, update)
	}

	if update != nil {
		if err := d.repo.Update(ctx, job.ID, *update); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Error("failed to persist final download state", "download_id", job.ID, "err", err)
		}
	}

	d.registry.Clear(job.ID)

	if event != nil {
		d.notify(ctx, *event)
	}

	d.promoteLocked(ctx)
}

// restate rewrites a stop event for the update that replaced it.
func restate(event *notifier.Event, update *storage.Update) *notifier.Event {
	if event == nil || update == nil {
		return nil
	}

	e := *event
	e.Download.Status = *update.Status
	e.Kind = eventFor(e.Download.Status)
	e.Reason = *update.Error

	return &e
}
