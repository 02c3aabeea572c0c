package downloader

import (
	"context"

	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/transport"
)

// DirectFetcher downloads media an administrator sent to the bot.
type DirectFetcher struct {
	d      *Downloader
	client transport.Client
}

func NewDirectFetcher(d *Downloader, client transport.Client) *DirectFetcher {
	return &DirectFetcher{d: d, client: client}
}

// Start uses the media attached to the inbound message, locating it only
// when the message carries none.
func (f *DirectFetcher) Start(job *Job, rec storage.DownloadRecord, msg *transport.Message) {
	f.d.run(job, rec, f.client, func(ctx context.Context) (*transport.Media, error) {
		if msg.Media != nil {
			return msg.Media, nil
		}

		return f.locate(ctx, rec)
	})
}

// Restore re-resolves the media from the stored message reference.
func (f *DirectFetcher) Restore(job *Job, rec storage.DownloadRecord) {
	f.d.run(job, rec, f.client, func(ctx context.Context) (*transport.Media, error) {
		return f.locate(ctx, rec)
	})
}

func (f *DirectFetcher) locate(ctx context.Context, rec storage.DownloadRecord) (*transport.Media, error) {
	ref := rec.OriginRef

	return f.client.Locate(ctx, ref.ChatID, ref.MessageID, ref.FileRef)
}
