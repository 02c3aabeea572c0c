package downloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/chat_downloader/internal/rules"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/transport"
)

// ErrRuleGone is the failure reason of a rule download whose rule was
// deleted or disabled while it waited.
var ErrRuleGone = errors.New("rule no longer exists")

// RuleFetcher downloads media matched by a group rule.
type RuleFetcher struct {
	d      *Downloader
	client transport.Client
	rules  rules.Repository
}

func NewRuleFetcher(d *Downloader, client transport.Client, repo rules.Repository) *RuleFetcher {
	return &RuleFetcher{d: d, client: client, rules: repo}
}

func (f *RuleFetcher) Start(job *Job, rec storage.DownloadRecord, msg *transport.Message) {
	f.d.run(job, rec, f.client, func(ctx context.Context) (*transport.Media, error) {
		if msg.Media != nil {
			return msg.Media, nil
		}

		return f.resolve(ctx, rec)
	})
}

// Restore checks that the rule still applies before locating the media again.
func (f *RuleFetcher) Restore(job *Job, rec storage.DownloadRecord) {
	f.d.run(job, rec, f.client, func(ctx context.Context) (*transport.Media, error) {
		return f.resolve(ctx, rec)
	})
}

func (f *RuleFetcher) resolve(ctx context.Context, rec storage.DownloadRecord) (*transport.Media, error) {
	ref := rec.OriginRef

	rule, err := f.rules.Get(ctx, ref.RuleID)
	if err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			return nil, ErrRuleGone
		}

		return nil, fmt.Errorf("failed to load rule %d: %w", ref.RuleID, err)
	}

	if !rule.Enabled {
		return nil, ErrRuleGone
	}

	return f.client.Locate(ctx, ref.ChatID, ref.MessageID, ref.FileRef)
}
