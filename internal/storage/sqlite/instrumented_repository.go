package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/chat_downloader/internal/rules"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) Get(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Get(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) List(ctx context.Context, filter storage.Filter) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.List(ctx, filter)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) Insert(ctx context.Context, record *storage.DownloadRecord) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "insert_download", func(ctx context.Context) error {
		var err error
		id, err = r.repo.Insert(ctx, record)

		return err
	})

	return id, err
}

func (r *InstrumentedDownloadRepository) Update(ctx context.Context, id int64, update storage.Update) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download", func(ctx context.Context) error {
		return r.repo.Update(ctx, id, update)
	})
}

func (r *InstrumentedDownloadRepository) Delete(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) FindCompleted(ctx context.Context, identity storage.ContentIdentity) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "find_completed", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FindCompleted(ctx, identity)

		return err
	})

	return result, err
}

// InstrumentedRuleRepository wraps RuleRepository with telemetry.
type InstrumentedRuleRepository struct {
	repo      *RuleRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedRuleRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRuleRepository {
	return &InstrumentedRuleRepository{
		repo:      NewRuleRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedRuleRepository) List(ctx context.Context) ([]rules.Rule, error) {
	var result []rules.Rule

	err := r.telemetry.InstrumentDBOperation(ctx, "list_rules", func(ctx context.Context) error {
		var err error
		result, err = r.repo.List(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedRuleRepository) ForChat(ctx context.Context, chatID int64) ([]rules.Rule, error) {
	var result []rules.Rule

	err := r.telemetry.InstrumentDBOperation(ctx, "rules_for_chat", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ForChat(ctx, chatID)

		return err
	})

	return result, err
}

func (r *InstrumentedRuleRepository) Get(ctx context.Context, id int64) (*rules.Rule, error) {
	var result *rules.Rule

	err := r.telemetry.InstrumentDBOperation(ctx, "get_rule", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Get(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedRuleRepository) Create(ctx context.Context, rule *rules.Rule) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "create_rule", func(ctx context.Context) error {
		var err error
		id, err = r.repo.Create(ctx, rule)

		return err
	})

	return id, err
}

func (r *InstrumentedRuleRepository) Update(ctx context.Context, rule *rules.Rule) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_rule", func(ctx context.Context) error {
		return r.repo.Update(ctx, rule)
	})
}

func (r *InstrumentedRuleRepository) Delete(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_rule", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}

// InstrumentedMessageRepository wraps MessageRepository with telemetry.
type InstrumentedMessageRepository struct {
	repo      *MessageRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedMessageRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedMessageRepository {
	return &InstrumentedMessageRepository{
		repo:      NewMessageRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedMessageRepository) AddMessage(ctx context.Context, msg *storage.Message) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "add_message", func(ctx context.Context) error {
		var err error
		id, err = r.repo.AddMessage(ctx, msg)

		return err
	})

	return id, err
}

func (r *InstrumentedMessageRepository) ListMessages(ctx context.Context, limit int) ([]storage.Message, error) {
	var result []storage.Message

	err := r.telemetry.InstrumentDBOperation(ctx, "list_messages", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListMessages(ctx, limit)

		return err
	})

	return result, err
}
