// Package watcher turns inbound chat messages into download candidates.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/italolelis/chat_downloader/internal/downloader"
	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/rules"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/transport"
)

// Submitter accepts download candidates.
type Submitter interface {
	Submit(ctx context.Context, c downloader.Candidate) (*storage.DownloadRecord, error)
}

// Config tunes the watcher.
type Config struct {
	TargetDir    string
	AdminUserIDs []int64
	// RetryDelay is the pause after a failed poll.
	RetryDelay time.Duration
}

// Watcher long-polls the transport and submits a candidate for every message
// that carries media and is either sent privately by an administrator or
// matched by a group rule.
type Watcher struct {
	client    transport.Client
	messenger transport.Messenger
	submitter Submitter
	rules     rules.Repository
	messages  storage.MessageLog
	cfg       Config
	now       func() time.Time

	offset int64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithMessenger lets the watcher answer administrators directly, for example
// when they send a file that was already downloaded.
func WithMessenger(m transport.Messenger) Option {
	return func(w *Watcher) {
		w.messenger = m
	}
}

// WithMessageLog records every media message an administrator sends.
func WithMessageLog(log storage.MessageLog) Option {
	return func(w *Watcher) {
		w.messages = log
	}
}

// WithClock replaces time.Now for filename timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

func New(client transport.Client, submitter Submitter, repo rules.Repository, cfg Config, opts ...Option) *Watcher {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	w := &Watcher{
		client:    client,
		submitter: submitter,
		rules:     repo,
		cfg:       cfg,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run polls until ctx is cancelled. A panic while handling updates is logged
// and the loop restarts after a short pause.
func (w *Watcher) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("watching for inbound messages", "admins", len(w.cfg.AdminUserIDs))

	for {
		if !w.loop(ctx) || ctx.Err() != nil {
			logger.Info("watcher shutdown", "operation", "poll_updates", "reason", "context_cancelled")

			return nil
		}

		logger.Info("restarting watcher after panic", "operation", "poll_updates")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// loop reports whether it stopped because of a panic.
func (w *Watcher) loop(ctx context.Context) (panicked bool) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("watcher panic",
				"operation", "poll_updates",
				"panic", r,
				"stack", string(debug.Stack()))

			panicked = true
		}
	}()

	for {
		if ctx.Err() != nil {
			return false
		}

		if err := w.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}

			logger.Error("failed to poll updates", "err", err)

			select {
			case <-ctx.Done():
				return false
			case <-time.After(w.cfg.RetryDelay):
			}
		}
	}
}

// PollOnce fetches one batch of updates and handles each message. The offset
// advances past every update returned, handled or not.
func (w *Watcher) PollOnce(ctx context.Context) error {
	messages, err := w.client.Updates(ctx, w.offset)
	if err != nil {
		return fmt.Errorf("failed to get updates: %w", err)
	}

	for _, msg := range messages {
		if msg.UpdateID >= w.offset {
			w.offset = msg.UpdateID + 1
		}

		w.Handle(ctx, msg)
	}

	return nil
}

// Handle submits the candidate a message yields, if any.
func (w *Watcher) Handle(ctx context.Context, msg transport.Message) {
	if msg.Media == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx).With("chat_id", msg.ChatID, "message_id", msg.MessageID)
	ctx = logctx.WithLogger(ctx, logger)

	if msg.Private {
		w.handleDirect(ctx, msg)

		return
	}

	w.handleGroup(ctx, msg)
}

func (w *Watcher) handleDirect(ctx context.Context, msg transport.Message) {
	logger := logctx.LoggerFromContext(ctx)

	if !w.isAdmin(msg.SenderID) {
		logger.Warn("ignoring media from non-admin sender", "sender_id", msg.SenderID)

		return
	}

	w.record(ctx, msg)

	name := msg.Media.Name
	if name == "" {
		name = fmt.Sprintf("file_%d", msg.MessageID)
	}

	name = rules.SanitizeFileName(name)

	candidate := downloader.Candidate{
		Origin:     storage.OriginDirect,
		Ref:        storage.OriginRef{ChatID: msg.ChatID, MessageID: msg.MessageID, FileRef: msg.Media.FileRef},
		Content:    contentOf(msg.Media),
		FileName:   name,
		TargetPath: filepath.Join(w.cfg.TargetDir, name),
		SizeBytes:  msg.Media.Size,
		Message:    &msg,
	}

	rec, err := w.submitter.Submit(ctx, candidate)
	if err != nil {
		var dup *downloader.DuplicateError
		if errors.As(err, &dup) {
			logger.Info("skipping already downloaded file", "existing_id", dup.ExistingID)
			w.reply(ctx, msg, fmt.Sprintf("♻️ Already downloaded: %s", dup.TargetPath))

			return
		}

		logger.Error("failed to submit download", "err", err)
		w.reply(ctx, msg, fmt.Sprintf("❌ Could not start download: %s", name))

		return
	}

	logger.Info("direct download submitted", "download_id", rec.ID, "status", rec.Status)
}

func (w *Watcher) handleGroup(ctx context.Context, msg transport.Message) {
	logger := logctx.LoggerFromContext(ctx)

	candidates, err := w.rules.ForChat(ctx, msg.ChatID)
	if err != nil {
		logger.Error("failed to load rules", "err", err)

		return
	}

	subject := rules.Subject{
		MessageID: msg.MessageID,
		ChatTitle: msg.ChatTitle,
		FileName:  msg.Media.Name,
		Size:      msg.Media.Size,
		Text:      msg.Text,
	}

	for _, rule := range candidates {
		if rule.Mode != rules.ModeMonitor || !rules.Match(rule, subject) {
			continue
		}

		dir := rule.SaveDir
		if dir == "" {
			dir = w.cfg.TargetDir
		}

		name := rules.RenderFileName(rule, subject, w.now())

		rec, err := w.submitter.Submit(ctx, downloader.Candidate{
			Origin: storage.OriginRule,
			Ref: storage.OriginRef{
				ChatID:    msg.ChatID,
				MessageID: msg.MessageID,
				FileRef:   msg.Media.FileRef,
				RuleID:    rule.ID,
			},
			Content:    contentOf(msg.Media),
			FileName:   name,
			TargetPath: filepath.Join(dir, name),
			SizeBytes:  msg.Media.Size,
			Message:    &msg,
		})

		switch {
		case errors.Is(err, downloader.ErrDuplicate):
			logger.Debug("skipping already downloaded file", "rule_id", rule.ID)
		case err != nil:
			logger.Error("failed to submit download", "rule_id", rule.ID, "err", err)
		default:
			logger.Info("rule download submitted", "rule_id", rule.ID, "download_id", rec.ID, "status", rec.Status)
		}

		return
	}
}

func (w *Watcher) record(ctx context.Context, msg transport.Message) {
	if w.messages == nil {
		return
	}

	entry := &storage.Message{
		ChatID:     msg.ChatID,
		MessageID:  msg.MessageID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Text:       msg.Text,
		CreatedAt:  msg.Date,
	}

	if msg.Media != nil {
		entry.HasMedia = true
		entry.FileName = msg.Media.Name
		entry.MediaType = msg.Media.MimeType
	}

	if _, err := w.messages.AddMessage(ctx, entry); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to record message", "err", err)
	}
}

func (w *Watcher) isAdmin(id int64) bool {
	for _, admin := range w.cfg.AdminUserIDs {
		if admin == id {
			return true
		}
	}

	return false
}

func (w *Watcher) reply(ctx context.Context, msg transport.Message, text string) {
	if w.messenger == nil {
		return
	}

	if _, err := w.messenger.SendMessage(ctx, msg.ChatID, text, msg.MessageID); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to reply", "err", err)
	}
}

func contentOf(media *transport.Media) *storage.ContentIdentity {
	if media.FileID == "" {
		return nil
	}

	return &storage.ContentIdentity{FileID: media.FileID, AccessToken: media.AccessToken}
}
