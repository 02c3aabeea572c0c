package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/italolelis/chat_downloader/internal/cleanup"
	"github.com/italolelis/chat_downloader/internal/downloader/progress"
	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/notifier"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/transport"
)

// resolveFunc returns the media to fetch for a job.
type resolveFunc func(ctx context.Context) (*transport.Media, error)

// run performs the transfer of one admitted record and hands the job back
// through finish. The bytes land in "<target>.<id>.part" and are renamed into
// place only on success.
func (d *Downloader) run(job *Job, rec storage.DownloadRecord, client transport.Client, resolve resolveFunc) {
	ctx := logctx.WithDownloadID(job.Context(), job.ID)
	logger := logctx.LoggerFromContext(ctx).With("origin", rec.Origin)
	ctx = logctx.WithLogger(ctx, logger)

	d.telemetry.InstrumentDownload(ctx, string(rec.Origin), func(ctx context.Context) string {
		var (
			update *storage.Update
			event  *notifier.Event
		)

		defer func() {
			if r := recover(); r != nil {
				logger.Error("download panic", "panic", r, "stack", string(debug.Stack()))
				d.telemetry.RecordSystemError("downloader", "panic")

				u := storage.StatusUpdate(storage.StatusFailed, fmt.Sprintf("internal error: %v", r))
				update = &u
				event = &notifier.Event{Kind: notifier.EventFailed, Download: rec, Reason: *u.Error}
			}

			d.finish(job, update, event)
		}()

		tracker := progress.NewTracker(d.opts.NotifyInterval, progress.WithClock(d.now))

		err := d.transfer(ctx, job, &rec, client, resolve, tracker)

		update, event = d.outcome(ctx, job, rec, tracker, err)

		if update == nil {
			return "deleted"
		}

		return string(*update.Status)
	})
}

func (d *Downloader) transfer(ctx context.Context, job *Job, rec *storage.DownloadRecord, client transport.Client, resolve resolveFunc, tracker *progress.Tracker) error {
	logger := logctx.LoggerFromContext(ctx)

	media, err := resolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to locate media: %w", err)
	}

	if media.Size > 0 && rec.SizeBytes != media.Size {
		rec.SizeBytes = media.Size
		if err := d.repo.Update(ctx, rec.ID, storage.Update{SizeBytes: &media.Size}); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("failed to persist media size", "err", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(rec.TargetPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	partial := cleanup.PartialPath(rec.TargetPath, rec.ID)

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	body, err := client.Download(ctx, media)
	if err != nil {
		out.Close()

		return fmt.Errorf("failed to open download stream: %w", err)
	}
	defer body.Close()

	logger.Info("download started", "file_name", rec.FileName, "size", rec.SizeBytes, "target", rec.TargetPath)

	reader := progress.NewReader(body, rec.SizeBytes, d.opts.ReportBytes, func(written, total int64) error {
		if err := job.Checkpoint(); err != nil {
			return err
		}

		snap, due := tracker.Observe(written, total)
		d.persistProgress(ctx, rec.ID, snap)

		if due {
			d.notify(ctx, notifier.Event{
				Kind:       notifier.EventProgress,
				Download:   *rec,
				Bytes:      snap.Bytes,
				Total:      snap.Total,
				Percent:    snap.Percent,
				Throughput: snap.Throughput,
				Elapsed:    tracker.Elapsed(),
			})
		}

		return nil
	})

	if _, err := io.Copy(out, reader); err != nil {
		out.Close()

		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	if job.Cancelled() {
		return ErrCancellationRequested
	}

	if err := os.Rename(partial, rec.TargetPath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	rec.SizeBytes = reader.Written()

	return nil
}

// persistProgress writes a progress snapshot with its own deadline so a slow
// database never stalls the byte stream.
func (d *Downloader) persistProgress(ctx context.Context, id int64, snap progress.Snapshot) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.ProgressWriteTimeout)
	defer cancel()

	err := d.repo.Update(writeCtx, id, storage.ProgressUpdate(snap.Percent, snap.Throughput))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logctx.LoggerFromContext(ctx).Warn("failed to persist progress", "err", err)
	}
}

// outcome maps the transfer result to the final record update and event.
func (d *Downloader) outcome(ctx context.Context, job *Job, rec storage.DownloadRecord, tracker *progress.Tracker, err error) (*storage.Update, *notifier.Event) {
	logger := logctx.LoggerFromContext(ctx)

	if job.Cancelled() {
		if rmErr := cleanup.RemovePartial(ctx, rec.TargetPath, rec.ID); rmErr != nil {
			logger.Warn("failed to remove partial file", "err", rmErr)
		}

		reason := job.Reason()
		update := reason.outcome()

		logger.Info("download stopped", "reason", reason)

		if update == nil {
			return nil, nil
		}

		rec.Status = *update.Status

		return update, &notifier.Event{Kind: eventFor(rec.Status), Download: rec, Reason: *update.Error, Elapsed: tracker.Elapsed()}
	}

	if err != nil {
		if d.shuttingDown() {
			logger.Info("download interrupted by shutdown")
		} else {
			logger.Error("download failed", "err", err)
		}

		if rmErr := cleanup.RemovePartial(ctx, rec.TargetPath, rec.ID); rmErr != nil {
			logger.Warn("failed to remove partial file", "err", rmErr)
		}

		update := storage.StatusUpdate(storage.StatusFailed, err.Error())
		rec.Status = storage.StatusFailed

		return &update, &notifier.Event{Kind: notifier.EventFailed, Download: rec, Reason: err.Error(), Elapsed: tracker.Elapsed()}
	}

	average := tracker.Average(rec.SizeBytes)

	update := storage.StatusUpdate(storage.StatusCompleted, "")
	update.Progress = ptr(100.0)
	update.Throughput = &average
	update.SizeBytes = &rec.SizeBytes

	rec.Status = storage.StatusCompleted
	rec.Progress = 100

	logger.Info("download completed", "file_name", rec.FileName, "elapsed", tracker.Elapsed(), "throughput", average)

	return &update, &notifier.Event{
		Kind:       notifier.EventCompleted,
		Download:   rec,
		Bytes:      rec.SizeBytes,
		Total:      rec.SizeBytes,
		Percent:    100,
		Throughput: average,
		Elapsed:    tracker.Elapsed(),
	}
}

func ptr[T any](v T) *T {
	return &v
}
