package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/chat_downloader/internal/storage"
)

// FindCompleted returns the oldest completed record with the given content
// identity, or storage.ErrNotFound. Records in any other status never match.
func (r *DownloadRepository) FindCompleted(ctx context.Context, identity storage.ContentIdentity) (*storage.DownloadRecord, error) {
	if identity.FileID == "" {
		return nil, storage.ErrNotFound
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads
		WHERE file_id = ? AND access_token = ? AND status = ?
		ORDER BY id ASC LIMIT 1`,
		identity.FileID, identity.AccessToken, string(storage.StatusCompleted),
	)

	record, err := scanDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("failed to look up content identity: %w", err)
	}

	return &record, nil
}
