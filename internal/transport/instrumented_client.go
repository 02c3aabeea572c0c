package transport

import (
	"context"
	"io"

	"github.com/italolelis/chat_downloader/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented transport client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Updates polls for new messages with telemetry.
func (c *InstrumentedClient) Updates(ctx context.Context, offset int64) ([]Message, error) {
	var result []Message

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "get_updates", func(ctx context.Context) error {
		var err error
		result, err = c.client.Updates(ctx, offset)

		return err
	})

	return result, err
}

// Locate resolves media with telemetry.
func (c *InstrumentedClient) Locate(ctx context.Context, chatID, messageID int64, fileRef string) (*Media, error) {
	var result *Media

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "locate", func(ctx context.Context) error {
		var err error
		result, err = c.client.Locate(ctx, chatID, messageID, fileRef)

		return err
	})

	return result, err
}

// Download opens a media stream with telemetry.
func (c *InstrumentedClient) Download(ctx context.Context, media *Media) (io.ReadCloser, error) {
	var body io.ReadCloser

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "download", func(ctx context.Context) error {
		var err error
		body, err = c.client.Download(ctx, media)

		return err
	})

	return body, err
}
