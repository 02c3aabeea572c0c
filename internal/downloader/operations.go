package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/italolelis/chat_downloader/internal/cleanup"
	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/notifier"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/transport"
)

// Candidate is an inbound request to download one file.
type Candidate struct {
	Origin     storage.Origin
	Ref        storage.OriginRef
	Content    *storage.ContentIdentity
	FileName   string
	TargetPath string
	SizeBytes  int64
	Priority   int
	// Message is the inbound message, when the fetcher can use it directly.
	Message *transport.Message
}

// Submit records a candidate and admits it. Content that was already
// downloaded is rejected with a *DuplicateError before any record is created.
func (d *Downloader) Submit(ctx context.Context, c Candidate) (*storage.DownloadRecord, error) {
	logger := logctx.LoggerFromContext(ctx)

	if c.Content != nil && c.Content.FileID != "" {
		existing, err := d.repo.FindCompleted(ctx, *c.Content)
		switch {
		case err == nil:
			return existing, &DuplicateError{ExistingID: existing.ID, TargetPath: existing.TargetPath}
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("failed to check for duplicates: %w", err)
		}
	}

	rec := &storage.DownloadRecord{
		Origin:     c.Origin,
		OriginRef:  c.Ref,
		Content:    c.Content,
		FileName:   c.FileName,
		TargetPath: c.TargetPath,
		SizeBytes:  c.SizeBytes,
		Priority:   c.Priority,
		Status:     storage.StatusPending,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.repo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record download: %w", err)
	}

	if err := d.claimTargetLocked(ctx, rec); err != nil {
		return rec, err
	}

	admitted, err := d.admitLocked(ctx, rec.ID)
	if err != nil {
		return rec, err
	}

	if admitted {
		rec.Status = storage.StatusDownloading
		logger.Info("download admitted", "download_id", rec.ID, "origin", rec.Origin)

		d.dispatchLocked(ctx, *rec, c.Message)

		return rec, nil
	}

	rec.Status = storage.StatusQueued
	logger.Info("download queued", "download_id", rec.ID, "origin", rec.Origin)

	d.notify(ctx, notifier.Event{Kind: notifier.EventQueued, Download: *rec})

	return rec, nil
}

// targetHolders are the statuses whose records own their target path.
var targetHolders = []storage.Status{
	storage.StatusPending, storage.StatusQueued, storage.StatusDownloading,
	storage.StatusPaused, storage.StatusCompleted,
}

// claimTargetLocked moves rec to "<name>_<id><ext>" when another record
// already owns its target path.
func (d *Downloader) claimTargetLocked(ctx context.Context, rec *storage.DownloadRecord) error {
	if rec.TargetPath == "" {
		return nil
	}

	holders, err := d.repo.List(ctx, storage.Filter{Statuses: targetHolders})
	if err != nil {
		return fmt.Errorf("failed to list downloads: %w", err)
	}

	for _, other := range holders {
		if other.ID == rec.ID || other.TargetPath != rec.TargetPath {
			continue
		}

		path := suffixedPath(rec.TargetPath, rec.ID)
		if err := d.repo.Update(ctx, rec.ID, storage.Update{TargetPath: &path}); err != nil {
			return fmt.Errorf("failed to move target path: %w", err)
		}

		logctx.LoggerFromContext(ctx).Info("target path taken, renaming download",
			"download_id", rec.ID, "held_by", other.ID, "target_path", path)

		rec.TargetPath = path

		return nil
	}

	return nil
}

func suffixedPath(path string, id int64) string {
	ext := filepath.Ext(path)

	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(path, ext), id, ext)
}

// Pause stops a running download, leaving it paused, or parks a waiting one.
func (d *Downloader) Pause(ctx context.Context, id int64) error {
	return d.stop(ctx, id, ReasonPause, "pause",
		[]storage.Status{storage.StatusPending, storage.StatusQueued})
}

// Cancel stops a running or waiting download for good.
func (d *Downloader) Cancel(ctx context.Context, id int64) error {
	return d.stop(ctx, id, ReasonCancel, "cancel",
		[]storage.Status{storage.StatusPending, storage.StatusQueued, storage.StatusPaused})
}

func (d *Downloader) stop(ctx context.Context, id int64, reason CancelReason, action string, idle []storage.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.Status == storage.StatusDownloading && d.registry.RequestCancel(id, reason) {
		logctx.LoggerFromContext(ctx).Info("cancellation requested", "download_id", id, "reason", reason)

		return nil
	}

	// A downloading record without a job has no transfer to stop.
	if rec.Status == storage.StatusDownloading || contains(idle, rec.Status) {
		heldSlot := rec.Status == storage.StatusDownloading

		update := reason.outcome()
		if err := d.repo.Update(ctx, id, *update); err != nil {
			return err
		}

		rec.Status = *update.Status
		d.notify(ctx, notifier.Event{Kind: eventFor(rec.Status), Download: *rec, Reason: *update.Error})

		if heldSlot {
			d.promoteLocked(ctx)
		}

		return nil
	}

	return &StateError{Action: action, Status: rec.Status}
}

// Resume re-enters a paused download into admission.
func (d *Downloader) Resume(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Status != storage.StatusPaused {
		return nil, &StateError{Action: "resume", Status: rec.Status}
	}

	admitted, err := d.admitLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	if admitted {
		rec.Status = storage.StatusDownloading
		d.dispatchLocked(ctx, *rec, nil)

		return rec, nil
	}

	rec.Status = storage.StatusQueued
	d.notify(ctx, notifier.Event{Kind: notifier.EventQueued, Download: *rec})

	return rec, nil
}

// SetPriority persists a new priority. Raising a queued or downloading record
// above the preemption threshold while every slot is taken stops one running
// download of lower priority, which ends up paused as "preempted"; the freed
// slot goes to the best queued record.
func (d *Downloader) SetPriority(ctx context.Context, id int64, priority int) (*storage.DownloadRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.setPriorityLocked(ctx, id, priority)
}

// TogglePriority switches a download between normal and HighPriority.
func (d *Downloader) TogglePriority(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := HighPriority
	if rec.Priority >= HighPriority {
		next = 0
	}

	return d.setPriorityLocked(ctx, id, next)
}

func (d *Downloader) setPriorityLocked(ctx context.Context, id int64, priority int) (*storage.DownloadRecord, error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := rec.Priority

	if err := d.repo.Update(ctx, id, storage.PriorityUpdate(priority)); err != nil {
		return nil, err
	}

	rec.Priority = priority

	raised := priority > previous && priority > d.opts.PreemptThreshold
	if !raised || (rec.Status != storage.StatusQueued && rec.Status != storage.StatusDownloading) {
		return rec, nil
	}

	active, err := d.countActiveLocked(ctx)
	if err != nil {
		return rec, err
	}

	if active < d.opts.MaxConcurrent {
		if rec.Status == storage.StatusQueued {
			d.promoteLocked(ctx)
		}

		return rec, nil
	}

	victim, err := d.pickVictimLocked(ctx, id, priority)
	if err != nil {
		return rec, err
	}

	if victim == nil {
		logger.Debug("no download to preempt")

		return rec, nil
	}

	if d.registry.RequestCancel(victim.ID, ReasonPreempt) {
		d.telemetry.RecordPreemption()
		logger.Info("preempting download", "victim_id", victim.ID, "victim_priority", victim.Priority, "priority", priority)
	}

	return rec, nil
}

// pickVictimLocked returns the running download, other than exclude, with a
// priority below the given one that the victim policy selects.
func (d *Downloader) pickVictimLocked(ctx context.Context, exclude int64, below int) (*storage.DownloadRecord, error) {
	running, err := d.repo.List(ctx, storage.Filter{Statuses: []storage.Status{storage.StatusDownloading}})
	if err != nil {
		return nil, fmt.Errorf("failed to list running downloads: %w", err)
	}

	var (
		victim    *storage.DownloadRecord
		victimJob *Job
	)

	for i := range running {
		rec := &running[i]
		if rec.ID == exclude || rec.Priority >= below {
			continue
		}

		job, ok := d.registry.Get(rec.ID)
		if !ok || job.Cancelled() {
			continue
		}

		if victim == nil {
			victim, victimJob = rec, job

			continue
		}

		// running is ordered by creation already.
		if d.opts.PreemptVictim == VictimOldestStarted && job.StartedAt.Before(victimJob.StartedAt) {
			victim, victimJob = rec, job
		}
	}

	return victim, nil
}

// Delete removes a download and its files. A running transfer is stopped
// first and frees its slot when it exits.
func (d *Downloader) Delete(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	running := rec.Status == storage.StatusDownloading && d.registry.RequestCancel(id, ReasonDelete)

	if err := d.repo.Delete(ctx, id); err != nil {
		return err
	}

	if err := cleanup.RemoveOutput(ctx, rec.TargetPath, rec.ID); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to remove download files", "download_id", id, "err", err)
	}

	if !running {
		d.promoteLocked(ctx)
	}

	return nil
}

// Get returns a download record.
func (d *Downloader) Get(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	return d.repo.Get(ctx, id)
}

// List returns download records, oldest first.
func (d *Downloader) List(ctx context.Context, filter storage.Filter) ([]storage.DownloadRecord, error) {
	return d.repo.List(ctx, filter)
}

func eventFor(status storage.Status) notifier.EventKind {
	switch status {
	case storage.StatusPaused:
		return notifier.EventPaused
	case storage.StatusCancelled:
		return notifier.EventCancelled
	case storage.StatusCompleted:
		return notifier.EventCompleted
	case storage.StatusFailed:
		return notifier.EventFailed
	case storage.StatusQueued, storage.StatusPending:
		return notifier.EventQueued
	}

	return notifier.EventStarted
}

func contains(statuses []storage.Status, s storage.Status) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}

	return false
}
