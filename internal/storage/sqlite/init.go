package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const dirPerm = 0755

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	origin TEXT NOT NULL,
	chat_id INTEGER NOT NULL DEFAULT 0,
	message_id INTEGER NOT NULL DEFAULT 0,
	file_ref TEXT NOT NULL DEFAULT '',
	rule_id INTEGER NOT NULL DEFAULT 0,
	file_id TEXT,
	access_token TEXT,
	file_name TEXT NOT NULL DEFAULT '',
	target_path TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	throughput REAL NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads (status, created_at);
CREATE INDEX IF NOT EXISTS idx_downloads_content ON downloads (file_id, access_token, status);

CREATE TABLE IF NOT EXISTS group_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id INTEGER NOT NULL,
	chat_title TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT 'monitor',
	enabled INTEGER NOT NULL DEFAULT 1,
	include_extensions TEXT NOT NULL DEFAULT '',
	min_size_bytes INTEGER NOT NULL DEFAULT 0,
	max_size_bytes INTEGER NOT NULL DEFAULT 0,
	save_dir TEXT NOT NULL DEFAULT '',
	filename_template TEXT NOT NULL DEFAULT '',
	include_keywords TEXT NOT NULL DEFAULT '',
	exclude_keywords TEXT NOT NULL DEFAULT '',
	match_mode TEXT NOT NULL DEFAULT 'all',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_group_rules_chat ON group_rules (chat_id, enabled);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	sender_id INTEGER NOT NULL DEFAULT 0,
	sender_name TEXT NOT NULL DEFAULT '',
	message_text TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	media_type TEXT NOT NULL DEFAULT '',
	has_media INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_created ON messages (created_at);
`

// InitDB opens the SQLite database at path and creates the schema if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
