package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/italolelis/chat_downloader/internal/storage"
)

// Insert stores a new record and returns its id. A zero CreatedAt is set to now
// and a zero Status to pending.
func (r *DownloadRepository) Insert(ctx context.Context, record *storage.DownloadRecord) (int64, error) {
	now := r.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	if record.Status == "" {
		record.Status = storage.StatusPending
	}

	record.UpdatedAt = now

	var fileID, accessToken sql.NullString
	if record.Content != nil {
		fileID = sql.NullString{String: record.Content.FileID, Valid: true}
		accessToken = sql.NullString{String: record.Content.AccessToken, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (
			origin, chat_id, message_id, file_ref, rule_id, file_id, access_token,
			file_name, target_path, size_bytes, status, priority, progress, throughput, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(record.Origin), record.OriginRef.ChatID, record.OriginRef.MessageID, record.OriginRef.FileRef,
		record.OriginRef.RuleID, fileID, accessToken,
		record.FileName, record.TargetPath, record.SizeBytes, string(record.Status), record.Priority,
		record.Progress, record.Throughput, record.Error,
		record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read download id: %w", err)
	}

	record.ID = id

	return id, nil
}

// Update applies the non-nil fields of update to the record.
func (r *DownloadRepository) Update(ctx context.Context, id int64, update storage.Update) error {
	if update.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args []any
	)

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}

	if update.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *update.Priority)
	}

	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}

	if update.Throughput != nil {
		sets = append(sets, "throughput = ?")
		args = append(args, *update.Throughput)
	}

	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}

	if update.TargetPath != nil {
		sets = append(sets, "target_path = ?")
		args = append(args, *update.TargetPath)
	}

	if update.SizeBytes != nil {
		sets = append(sets, "size_bytes = ?")
		args = append(args, *update.SizeBytes)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, r.now().UnixNano(), id)

	res, err := r.db.ExecContext(ctx, `UPDATE downloads SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update download %d: %w", id, err)
	}

	return expectAffected(res)
}

// Delete removes the record.
func (r *DownloadRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete download %d: %w", id, err)
	}

	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}
