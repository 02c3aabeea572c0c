package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/chat_downloader/internal/storage"
)

// DefaultMessageLimit caps ListMessages when no limit is given.
const DefaultMessageLimit = 50

// MessageRepository implements storage.MessageLog on SQLite.
type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(dbConn *sql.DB) *MessageRepository {
	return &MessageRepository{db: dbConn}
}

// AddMessage stores msg and returns its id.
func (r *MessageRepository) AddMessage(ctx context.Context, msg *storage.Message) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (
			chat_id, message_id, sender_id, sender_name, message_text,
			file_name, media_type, has_media, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatID, msg.MessageID, msg.SenderID, msg.SenderName, msg.Text,
		msg.FileName, msg.MediaType, msg.HasMedia, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}

	msg.ID = id

	return id, nil
}

// ListMessages returns up to limit messages, newest first.
func (r *MessageRepository) ListMessages(ctx context.Context, limit int) ([]storage.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chat_id, message_id, sender_id, sender_name, message_text,
			file_name, media_type, has_media, created_at
		FROM messages ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []storage.Message

	for rows.Next() {
		var (
			msg       storage.Message
			createdAt int64
		)

		if err := rows.Scan(
			&msg.ID, &msg.ChatID, &msg.MessageID, &msg.SenderID, &msg.SenderName, &msg.Text,
			&msg.FileName, &msg.MediaType, &msg.HasMedia, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg.CreatedAt = time.Unix(0, createdAt)
		out = append(out, msg)
	}

	return out, rows.Err()
}
