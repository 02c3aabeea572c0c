package notifier

import (
	"context"
	"sync/atomic"

	"github.com/italolelis/chat_downloader/internal/logctx"
)

// Async queues events for a background worker so callers never block on a
// slow chat or webhook. Events are dropped when the queue is full.
type Async struct {
	next    Notifier
	events  chan Event
	dropped atomic.Int64
	onDrop  func()
}

// AsyncOption configures an Async notifier.
type AsyncOption func(*Async)

// WithDropHook calls fn for every event discarded on a full queue.
func WithDropHook(fn func()) AsyncOption {
	return func(a *Async) {
		a.onDrop = fn
	}
}

func NewAsync(next Notifier, backlog int, opts ...AsyncOption) *Async {
	if backlog < 1 {
		backlog = 1
	}

	a := &Async{
		next:   next,
		events: make(chan Event, backlog),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Notify enqueues the event. It never blocks.
func (a *Async) Notify(ctx context.Context, event Event) error {
	select {
	case a.events <- event:
	default:
		a.dropped.Add(1)

		if a.onDrop != nil {
			a.onDrop()
		}

		logctx.LoggerFromContext(ctx).Debug("notification queue full, dropping event",
			"download_id", event.Download.ID, "kind", event.Kind)
	}

	return nil
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Run delivers queued events until ctx is cancelled.
func (a *Async) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("notifier shutdown", "reason", "context_cancelled")

			return
		case event := <-a.events:
			if err := a.next.Notify(ctx, event); err != nil {
				logger.Error("failed to send notification",
					"download_id", event.Download.ID, "kind", event.Kind, "err", err)
			}
		}
	}
}
