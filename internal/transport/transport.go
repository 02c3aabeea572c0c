package transport

import (
	"context"
	"io"
	"time"
)

// Media is a downloadable object attached to a chat message.
type Media struct {
	// FileRef is the handle used to fetch the bytes. It may change between
	// sessions and is re-resolved through Locate after a restart.
	FileRef string
	// FileID and AccessToken form the stable content identity.
	FileID      string
	AccessToken string
	Name        string
	Size        int64
	MimeType    string
}

// Message is an inbound chat message as seen by the watcher.
type Message struct {
	UpdateID   int64
	ChatID     int64
	ChatTitle  string
	MessageID  int64
	SenderID   int64
	SenderName string
	Text       string
	Private    bool
	Media      *Media
	Date       time.Time
}

// Client is the inbound side of the chat network.
type Client interface {
	// Updates long-polls for messages with an update id >= offset.
	Updates(ctx context.Context, offset int64) ([]Message, error)
	// Locate resolves the media of a previously seen message.
	Locate(ctx context.Context, chatID, messageID int64, fileRef string) (*Media, error)
	// Download opens a stream of the media's bytes. Closing it releases the
	// underlying connection.
	Download(ctx context.Context, media *Media) (io.ReadCloser, error)
}

// Messenger sends and edits plain text messages.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
}
