package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/chat_downloader/internal/rules"
)

const ruleColumns = `id, chat_id, chat_title, mode, enabled, include_extensions, min_size_bytes,
	max_size_bytes, save_dir, filename_template, include_keywords, exclude_keywords, match_mode, created_at`

// RuleRepository implements rules.Repository on SQLite.
type RuleRepository struct {
	db *sql.DB
}

func NewRuleRepository(dbConn *sql.DB) *RuleRepository {
	return &RuleRepository{db: dbConn}
}

func scanRule(s scanner) (rules.Rule, error) {
	var (
		rule      rules.Rule
		mode      string
		matchMode string
		createdAt int64
	)

	err := s.Scan(
		&rule.ID, &rule.ChatID, &rule.ChatTitle, &mode, &rule.Enabled, &rule.IncludeExtensions,
		&rule.MinSizeBytes, &rule.MaxSizeBytes, &rule.SaveDir, &rule.FilenameTemplate,
		&rule.IncludeKeywords, &rule.ExcludeKeywords, &matchMode, &createdAt,
	)
	if err != nil {
		return rules.Rule{}, err
	}

	rule.Mode = rules.Mode(mode)
	rule.MatchMode = rules.MatchMode(matchMode)
	rule.CreatedAt = time.Unix(0, createdAt)

	return rule, nil
}

func (r *RuleRepository) query(ctx context.Context, query string, args ...any) ([]rules.Rule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule

	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		out = append(out, rule)
	}

	return out, rows.Err()
}

// List returns every rule in creation order.
func (r *RuleRepository) List(ctx context.Context) ([]rules.Rule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM group_rules ORDER BY id ASC`)
}

// ForChat returns the enabled rules for a chat in creation order.
func (r *RuleRepository) ForChat(ctx context.Context, chatID int64) ([]rules.Rule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM group_rules WHERE chat_id = ? AND enabled = 1 ORDER BY id ASC`, chatID)
}

// Get returns a rule by id or rules.ErrNotFound.
func (r *RuleRepository) Get(ctx context.Context, id int64) (*rules.Rule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM group_rules WHERE id = ?`, id)

	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rules.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}

	return &rule, nil
}

// Create stores a rule and returns its id.
func (r *RuleRepository) Create(ctx context.Context, rule *rules.Rule) (int64, error) {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO group_rules (
			chat_id, chat_title, mode, enabled, include_extensions, min_size_bytes, max_size_bytes,
			save_dir, filename_template, include_keywords, exclude_keywords, match_mode, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ChatID, rule.ChatTitle, string(rule.Mode), rule.Enabled, rule.IncludeExtensions,
		rule.MinSizeBytes, rule.MaxSizeBytes, rule.SaveDir, rule.FilenameTemplate,
		rule.IncludeKeywords, rule.ExcludeKeywords, string(rule.MatchMode), rule.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rule: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read rule id: %w", err)
	}

	rule.ID = id

	return id, nil
}

// Update overwrites the stored fields of rule.ID, leaving created_at alone.
func (r *RuleRepository) Update(ctx context.Context, rule *rules.Rule) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE group_rules SET
			chat_id = ?, chat_title = ?, mode = ?, enabled = ?, include_extensions = ?,
			min_size_bytes = ?, max_size_bytes = ?, save_dir = ?, filename_template = ?,
			include_keywords = ?, exclude_keywords = ?, match_mode = ?
		WHERE id = ?`,
		rule.ChatID, rule.ChatTitle, string(rule.Mode), rule.Enabled, rule.IncludeExtensions,
		rule.MinSizeBytes, rule.MaxSizeBytes, rule.SaveDir, rule.FilenameTemplate,
		rule.IncludeKeywords, rule.ExcludeKeywords, string(rule.MatchMode), rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return rules.ErrNotFound
	}

	return nil
}

// Delete removes a rule. Downloads already created by it keep their records.
func (r *RuleRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM group_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return rules.ErrNotFound
	}

	return nil
}
