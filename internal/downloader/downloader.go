package downloader

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/notifier"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/telemetry"
	"github.com/italolelis/chat_downloader/internal/transport"
)

const (
	dirPerm = 0755

	// HighPriority is what TogglePriority raises a download to.
	HighPriority = 10
)

// VictimPolicy picks which running download gives up its slot on preemption.
type VictimPolicy string

const (
	VictimOldestStarted VictimPolicy = "oldest_started"
	VictimOldestCreated VictimPolicy = "oldest_created"
)

// Fetcher performs the byte transfer for one origin. Both methods run on
// their own goroutine and must end by handing the job back through the
// Downloader that dispatched it.
type Fetcher interface {
	// Start runs a download whose inbound message is still at hand.
	Start(job *Job, rec storage.DownloadRecord, msg *transport.Message)
	// Restore runs a download from its persisted origin reference alone.
	Restore(job *Job, rec storage.DownloadRecord)
}

// Options tunes admission and progress reporting.
type Options struct {
	MaxConcurrent        int
	NotifyInterval       time.Duration
	ReportBytes          int64
	ProgressWriteTimeout time.Duration
	PreemptThreshold     int
	PreemptVictim        VictimPolicy
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 5
	}

	if o.NotifyInterval <= 0 {
		o.NotifyInterval = 2 * time.Second
	}

	if o.ReportBytes <= 0 {
		o.ReportBytes = 512 * 1024
	}

	if o.ProgressWriteTimeout <= 0 {
		o.ProgressWriteTimeout = 2 * time.Second
	}

	if o.PreemptVictim == "" {
		o.PreemptVictim = VictimOldestStarted
	}
}

// Option configures optional collaborators.
type Option func(*Downloader)

func WithNotifier(n notifier.Notifier) Option {
	return func(d *Downloader) {
		d.notifier = n
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *Downloader) {
		d.telemetry = tel
	}
}

// WithClock replaces time.Now for job start times and progress tracking.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) {
		d.now = now
		d.registry.now = now
	}
}

// Downloader owns admission, cancellation and recovery of downloads. A single
// mutex serializes every decision that reads capacity and writes a status.
type Downloader struct {
	base      context.Context
	repo      storage.DownloadRepository
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry
	opts      Options
	now       func() time.Time

	mu       sync.Mutex
	registry *Registry
	fetchers map[storage.Origin]Fetcher

	wg sync.WaitGroup
}

// NewDownloader creates a Downloader. Jobs inherit ctx, so cancelling it stops
// every running transfer without touching its record; Recover picks them up
// on the next start.
func NewDownloader(ctx context.Context, repo storage.DownloadRepository, opts Options, options ...Option) *Downloader {
	opts.setDefaults()

	d := &Downloader{
		base:     ctx,
		repo:     repo,
		opts:     opts,
		now:      time.Now,
		registry: NewRegistry(ctx),
		fetchers: make(map[storage.Origin]Fetcher),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Handle registers the fetcher for an origin.
func (d *Downloader) Handle(origin storage.Origin, f Fetcher) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fetchers[origin] = f
}

// Wait blocks until every dispatched fetcher returned.
func (d *Downloader) Wait() {
	d.wg.Wait()
}

// Active returns the number of live jobs.
func (d *Downloader) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.registry.Len()
}

func (d *Downloader) notify(ctx context.Context, event notifier.Event) {
	if d.notifier == nil {
		return
	}

	if err := d.notifier.Notify(ctx, event); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to notify", "kind", event.Kind, "download_id", event.Download.ID, "err", err)
	}
}

// shuttingDown reports whether the process is stopping.
func (d *Downloader) shuttingDown() bool {
	return d.base.Err() != nil
}
