package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/chat_downloader/internal/storage"
)

type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventPaused    EventKind = "paused"
	EventCancelled EventKind = "cancelled"
)

// IsTerminal reports whether no further events follow for the download
// unless an operator resumes it.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventCompleted, EventFailed, EventPaused, EventCancelled:
		return true
	}

	return false
}

// Event describes a change in a download's life.
type Event struct {
	Kind       EventKind
	Download   storage.DownloadRecord
	Bytes      int64
	Total      int64
	Percent    float64
	Throughput float64 // bytes per second
	Elapsed    time.Duration
	Reason     string
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error

	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Message renders a one-line plain-text summary of the event.
func Message(event Event) string {
	name := event.Download.FileName
	if name == "" {
		name = fmt.Sprintf("download #%d", event.Download.ID)
	}

	switch event.Kind {
	case EventQueued:
		return fmt.Sprintf("⏳ Queued: %s", name)
	case EventStarted:
		return fmt.Sprintf("⬇️ Downloading: %s (%s)", name, sizeOrUnknown(event.Download.SizeBytes))
	case EventProgress:
		return fmt.Sprintf("⬇️ Downloading: %s\n%s / %s (%s%%) at %s/s",
			name,
			humanize.Bytes(uint64(max(event.Bytes, 0))),
			sizeOrUnknown(event.Total),
			humanize.FtoaWithDigits(event.Percent, 1),
			humanize.Bytes(uint64(max(event.Throughput, 0))),
		)
	case EventCompleted:
		return fmt.Sprintf("✅ Download finished: %s (%s in %s, avg %s/s)",
			name,
			sizeOrUnknown(event.Bytes),
			event.Elapsed.Round(time.Second),
			humanize.Bytes(uint64(max(event.Throughput, 0))),
		)
	case EventFailed:
		return fmt.Sprintf("❌ Download failed: %s: %s", name, event.Reason)
	case EventPaused:
		return fmt.Sprintf("⏸️ Paused: %s (%s)", name, event.Reason)
	case EventCancelled:
		return fmt.Sprintf("🛑 Cancelled: %s", name)
	}

	return name
}

func sizeOrUnknown(n int64) string {
	if n <= 0 {
		return "unknown size"
	}

	return humanize.Bytes(uint64(n))
}
