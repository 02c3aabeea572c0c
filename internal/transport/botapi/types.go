package botapi

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/italolelis/chat_downloader/internal/transport"
)

type response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type user struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type file struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	FileSize     int64  `json:"file_size"`
	FilePath     string `json:"file_path"`
}

type message struct {
	MessageID int64   `json:"message_id"`
	Date      int64   `json:"date"`
	Chat      chat    `json:"chat"`
	From      *user   `json:"from"`
	Text      string  `json:"text"`
	Caption   string  `json:"caption"`
	Document  *file   `json:"document"`
	Video     *file   `json:"video"`
	Audio     *file   `json:"audio"`
	Voice     *file   `json:"voice"`
	Animation *file   `json:"animation"`
	Photo     []*file `json:"photo"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

func (m *message) toTransport(updateID int64) transport.Message {
	msg := transport.Message{
		UpdateID:  updateID,
		ChatID:    m.Chat.ID,
		ChatTitle: chatTitle(m.Chat),
		MessageID: m.MessageID,
		Text:      m.Text,
		Private:   m.Chat.Type == "private",
		Media:     m.media(),
		Date:      time.Unix(m.Date, 0),
	}

	if msg.Text == "" {
		msg.Text = m.Caption
	}

	if m.From != nil {
		msg.SenderID = m.From.ID
		msg.SenderName = m.From.Username

		if msg.SenderName == "" {
			msg.SenderName = m.From.FirstName
		}
	}

	return msg
}

// media returns the downloadable attachment, if any. Photos come in several
// sizes; the largest is kept.
func (m *message) media() *transport.Media {
	switch {
	case m.Document != nil:
		return m.Document.toMedia("document", "")
	case m.Video != nil:
		return m.Video.toMedia("video", ".mp4")
	case m.Audio != nil:
		return m.Audio.toMedia("audio", ".mp3")
	case m.Voice != nil:
		return m.Voice.toMedia("voice", ".ogg")
	case m.Animation != nil:
		return m.Animation.toMedia("animation", ".mp4")
	case len(m.Photo) > 0:
		largest := m.Photo[0]
		for _, p := range m.Photo[1:] {
			if p.FileSize > largest.FileSize {
				largest = p
			}
		}

		return largest.toMedia("photo", ".jpg")
	}

	return nil
}

func (f *file) toMedia(kind, ext string) *transport.Media {
	name := f.FileName
	if name == "" && f.FilePath != "" {
		name = path.Base(f.FilePath)
	}

	if name == "" {
		name = fmt.Sprintf("%s_%s%s", kind, f.FileUniqueID, ext)
	}

	return &transport.Media{
		FileRef:  f.FileID,
		FileID:   f.FileUniqueID,
		Name:     name,
		Size:     f.FileSize,
		MimeType: f.MimeType,
	}
}

func chatTitle(c chat) string {
	switch {
	case c.Title != "":
		return c.Title
	case c.Username != "":
		return c.Username
	}

	return c.FirstName
}
