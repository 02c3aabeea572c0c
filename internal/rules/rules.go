package rules

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRule = errors.New("invalid rule")
	ErrNotFound    = errors.New("rule not found")
)

type Mode string

const (
	ModeMonitor Mode = "monitor"
	ModeHistory Mode = "history"
)

type MatchMode string

const (
	MatchAll     MatchMode = "all"
	MatchInclude MatchMode = "include"
	MatchExclude MatchMode = "exclude"
)

// DefaultFilenameTemplate is used when a rule has no template of its own.
const DefaultFilenameTemplate = "{message_id}_{file_name}"

// Rule describes which files posted to a group chat get downloaded and where they go.
type Rule struct {
	ID                int64     `json:"id"`
	ChatID            int64     `json:"chat_id"`
	ChatTitle         string    `json:"chat_title"`
	Mode              Mode      `json:"mode"`
	Enabled           bool      `json:"enabled"`
	IncludeExtensions string    `json:"include_extensions"`
	MinSizeBytes      int64     `json:"min_size_bytes"`
	MaxSizeBytes      int64     `json:"max_size_bytes"`
	SaveDir           string    `json:"save_dir"`
	FilenameTemplate  string    `json:"filename_template"`
	IncludeKeywords   string    `json:"include_keywords"`
	ExcludeKeywords   string    `json:"exclude_keywords"`
	MatchMode         MatchMode `json:"match_mode"`
	CreatedAt         time.Time `json:"created_at"`
}

// Normalize fills in defaults for empty fields.
func (r *Rule) Normalize() {
	if r.Mode == "" {
		r.Mode = ModeMonitor
	}

	if r.MatchMode == "" {
		r.MatchMode = MatchAll
	}
}

// Validate reports whether the rule can be stored.
func (r Rule) Validate() error {
	if r.ChatID == 0 {
		return fmt.Errorf("%w: chat_id is required", ErrInvalidRule)
	}

	switch r.Mode {
	case ModeMonitor, ModeHistory:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRule, r.Mode)
	}

	switch r.MatchMode {
	case MatchAll, MatchInclude, MatchExclude:
	default:
		return fmt.Errorf("%w: unknown match mode %q", ErrInvalidRule, r.MatchMode)
	}

	if r.MinSizeBytes < 0 || r.MaxSizeBytes < 0 {
		return fmt.Errorf("%w: size bounds must not be negative", ErrInvalidRule)
	}

	if r.MaxSizeBytes > 0 && r.MinSizeBytes > r.MaxSizeBytes {
		return fmt.Errorf("%w: min_size_bytes exceeds max_size_bytes", ErrInvalidRule)
	}

	return nil
}

// Repository persists group rules.
type Repository interface {
	List(ctx context.Context) ([]Rule, error)
	ForChat(ctx context.Context, chatID int64) ([]Rule, error)
	Get(ctx context.Context, id int64) (*Rule, error)
	Create(ctx context.Context, rule *Rule) (int64, error)
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id int64) error
}
