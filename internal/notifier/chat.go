package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/transport"
)

type chatMessage struct {
	chatID    int64
	messageID int64
}

// ChatNotifier keeps one status message per download in the chat and edits it
// in place as the download moves along. Direct downloads are answered in the
// requester's chat; rule downloads are reported to the operator chat.
type ChatNotifier struct {
	messenger    transport.Messenger
	operatorChat int64

	mu       sync.Mutex
	messages map[int64]chatMessage
}

func NewChatNotifier(messenger transport.Messenger, operatorChat int64) *ChatNotifier {
	return &ChatNotifier{
		messenger:    messenger,
		operatorChat: operatorChat,
		messages:     make(map[int64]chatMessage),
	}
}

func (c *ChatNotifier) Notify(ctx context.Context, event Event) error {
	id := event.Download.ID
	text := Message(event)

	c.mu.Lock()
	existing, ok := c.messages[id]
	c.mu.Unlock()

	if ok {
		err := c.messenger.EditMessage(ctx, existing.chatID, existing.messageID, text)
		if err == nil {
			c.forgetIfTerminal(event)

			return nil
		}

		logctx.LoggerFromContext(ctx).Debug("failed to edit status message, sending a new one",
			"download_id", id, "err", err)
	}

	chatID, replyTo := c.destination(event.Download)
	if chatID == 0 {
		return nil
	}

	messageID, err := c.messenger.SendMessage(ctx, chatID, text, replyTo)
	if err != nil {
		return fmt.Errorf("failed to send status message: %w", err)
	}

	c.mu.Lock()
	c.messages[id] = chatMessage{chatID: chatID, messageID: messageID}
	c.mu.Unlock()

	c.forgetIfTerminal(event)

	return nil
}

func (c *ChatNotifier) destination(rec storage.DownloadRecord) (chatID, replyTo int64) {
	if rec.Origin == storage.OriginDirect && rec.OriginRef.ChatID != 0 {
		return rec.OriginRef.ChatID, rec.OriginRef.MessageID
	}

	return c.operatorChat, 0
}

func (c *ChatNotifier) forgetIfTerminal(event Event) {
	if !event.Kind.IsTerminal() {
		return
	}

	c.mu.Lock()
	delete(c.messages, event.Download.ID)
	c.mu.Unlock()
}
