package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/italolelis/chat_downloader/internal/storage"
)

// Get returns the record with the given id or storage.ErrNotFound.
func (r *DownloadRepository) Get(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	record, err := scanDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get download %d: %w", id, err)
	}

	return &record, nil
}

// List returns the records matching filter, oldest first.
func (r *DownloadRepository) List(ctx context.Context, filter storage.Filter) ([]storage.DownloadRecord, error) {
	var (
		where []string
		args  []any
	)

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}

		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	if filter.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, string(filter.Origin))
	}

	query := `SELECT ` + downloadColumns + ` FROM downloads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}

	downloads, err := scanDownloads(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan downloads: %w", err)
	}

	return downloads, nil
}
