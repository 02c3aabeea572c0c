package sqlite

import (
	"database/sql"
	"time"

	"github.com/italolelis/chat_downloader/internal/storage"
)

const downloadColumns = `id, origin, chat_id, message_id, file_ref, rule_id, file_id, access_token,
	file_name, target_path, size_bytes, status, priority, progress, throughput, error,
	created_at, updated_at`

// DownloadRepository implements storage.DownloadRepository on SQLite.
type DownloadRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(s scanner) (storage.DownloadRecord, error) {
	var (
		record      storage.DownloadRecord
		origin      string
		status      string
		fileID      sql.NullString
		accessToken sql.NullString
		createdAt   int64
		updatedAt   int64
	)

	err := s.Scan(
		&record.ID, &origin,
		&record.OriginRef.ChatID, &record.OriginRef.MessageID, &record.OriginRef.FileRef, &record.OriginRef.RuleID,
		&fileID, &accessToken,
		&record.FileName, &record.TargetPath, &record.SizeBytes,
		&status, &record.Priority, &record.Progress, &record.Throughput, &record.Error,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	record.Origin = storage.Origin(origin)
	record.Status = storage.Status(status)
	record.CreatedAt = time.Unix(0, createdAt)
	record.UpdatedAt = time.Unix(0, updatedAt)

	if fileID.Valid {
		record.Content = &storage.ContentIdentity{FileID: fileID.String, AccessToken: accessToken.String}
	}

	return record, nil
}

func scanDownloads(rows *sql.Rows) ([]storage.DownloadRecord, error) {
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
