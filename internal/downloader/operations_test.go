package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/chat_downloader/internal/cleanup"
	"github.com/italolelis/chat_downloader/internal/notifier"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_AdmitsUpToCapacity(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 2})

	a := env.submit(t, "a.bin", 0)
	b := env.submit(t, "b.bin", 0)
	c := env.submit(t, "c.bin", 0)

	assert.Equal(t, storage.StatusDownloading, a.Status)
	assert.Equal(t, storage.StatusDownloading, b.Status)
	assert.Equal(t, storage.StatusQueued, c.Status)

	env.fetcher.expectStarted(t, a.ID, b.ID)
	env.fetcher.expectNoStart(t)

	assert.Equal(t, 2, env.d.Active())
	assert.Equal(t, storage.StatusQueued, env.status(t, c.ID))
	assert.Equal(t, []notifier.EventKind{notifier.EventQueued}, env.notifier.kinds(c.ID))
}

func TestFinish_PromotesByPriorityThenAge(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})

	x := env.submit(t, "x.bin", 0)
	a := env.submit(t, "a.bin", 3)
	b := env.submit(t, "b.bin", 3)
	c := env.submit(t, "c.bin", 1)

	env.fetcher.expectStarted(t, x.ID)

	env.fetcher.complete(x.ID)
	env.fetcher.expectStarted(t, a.ID)

	env.fetcher.complete(a.ID)
	env.fetcher.expectStarted(t, b.ID)

	env.fetcher.complete(b.ID)
	env.fetcher.expectStarted(t, c.ID)

	env.eventuallyStatus(t, b.ID, storage.StatusCompleted)
	assert.Equal(t, storage.StatusDownloading, env.status(t, c.ID))
}

func TestSubmit_RejectsCompletedDuplicate(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	done := &storage.DownloadRecord{
		Origin:     storage.OriginDirect,
		Content:    &storage.ContentIdentity{FileID: "dup.bin", AccessToken: "token-dup.bin"},
		FileName:   "dup.bin",
		TargetPath: "/srv/dup.bin",
		Status:     storage.StatusCompleted,
	}
	_, err := env.repo.Insert(ctx, done)
	require.NoError(t, err)

	_, err = env.d.Submit(ctx, Candidate{
		Origin:     storage.OriginDirect,
		Content:    &storage.ContentIdentity{FileID: "dup.bin", AccessToken: "token-dup.bin"},
		FileName:   "dup.bin",
		TargetPath: filepath.Join(env.dir, "dup.bin"),
	})
	require.ErrorIs(t, err, ErrDuplicate)

	var dupErr *DuplicateError
	require.True(t, errors.As(err, &dupErr))
	assert.Equal(t, done.ID, dupErr.ExistingID)
	assert.Equal(t, "/srv/dup.bin", dupErr.TargetPath)

	all, err := env.repo.List(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	env.fetcher.expectNoStart(t)
}

func TestSubmit_FailedContentIsNotDuplicate(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})

	failed := &storage.DownloadRecord{
		Origin:  storage.OriginDirect,
		Content: &storage.ContentIdentity{FileID: "again.bin", AccessToken: "token-again.bin"},
		Status:  storage.StatusFailed,
	}
	_, err := env.repo.Insert(context.Background(), failed)
	require.NoError(t, err)

	rec := env.submit(t, "again.bin", 0)
	env.fetcher.expectStarted(t, rec.ID)
}

func TestCancel_RunningDownloadPromotesNext(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})

	a := env.submit(t, "a.bin", 0)
	b := env.submit(t, "b.bin", 0)
	env.fetcher.expectStarted(t, a.ID)

	require.NoError(t, env.d.Cancel(context.Background(), a.ID))

	env.eventuallyStatus(t, a.ID, storage.StatusCancelled)
	env.fetcher.expectStarted(t, b.ID)

	rec, err := env.repo.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled by operator", rec.Error)
}

func TestCancel_QueuedDownload(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})

	env.submit(t, "a.bin", 0)
	b := env.submit(t, "b.bin", 0)

	require.NoError(t, env.d.Cancel(context.Background(), b.ID))
	assert.Equal(t, storage.StatusCancelled, env.status(t, b.ID))
	assert.Contains(t, env.notifier.kinds(b.ID), notifier.EventCancelled)
}

func TestCancel_TerminalDownloadIsInvalid(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})

	a := env.submit(t, "a.bin", 0)
	env.fetcher.expectStarted(t, a.ID)
	env.fetcher.complete(a.ID)
	env.eventuallyStatus(t, a.ID, storage.StatusCompleted)

	err := env.d.Cancel(context.Background(), a.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	err = env.d.Pause(context.Background(), a.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestOperations_UnknownDownload(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	require.ErrorIs(t, env.d.Pause(ctx, 42), storage.ErrNotFound)
	require.ErrorIs(t, env.d.Cancel(ctx, 42), storage.ErrNotFound)
	require.ErrorIs(t, env.d.Delete(ctx, 42), storage.ErrNotFound)

	_, err := env.d.Resume(ctx, 42)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPauseResume_RunningDownload(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	a := env.submit(t, "a.bin", 0)
	env.fetcher.expectStarted(t, a.ID)

	require.NoError(t, env.d.Pause(ctx, a.ID))
	env.eventuallyStatus(t, a.ID, storage.StatusPaused)

	rec, err := env.repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "paused by operator", rec.Error)

	require.Eventually(t, func() bool { return env.d.Active() == 0 }, waitFor, 5*time.Millisecond)

	resumed, err := env.d.Resume(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, resumed.Status)
	env.fetcher.expectStarted(t, a.ID)

	_, err = env.d.Resume(ctx, a.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestResume_QueuesWhenFull(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	a := env.submit(t, "a.bin", 0)
	b := env.submit(t, "b.bin", 0)
	env.fetcher.expectStarted(t, a.ID)

	require.NoError(t, env.d.Pause(ctx, b.ID))
	assert.Equal(t, storage.StatusPaused, env.status(t, b.ID))

	resumed, err := env.d.Resume(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusQueued, resumed.Status)

	env.fetcher.complete(a.ID)
	env.fetcher.expectStarted(t, b.ID)
}

func TestSetPriority_PreemptsLowerPriorityDownload(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	a := env.submit(t, "a.bin", 0)
	b := env.submit(t, "b.bin", 0)
	env.fetcher.expectStarted(t, a.ID)

	rec, err := env.d.SetPriority(ctx, b.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Priority)

	env.eventuallyStatus(t, a.ID, storage.StatusPaused)
	env.fetcher.expectStarted(t, b.ID)

	paused, err := env.repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "preempted", paused.Error)
	assert.Equal(t, storage.StatusDownloading, env.status(t, b.ID))
}

func TestSetPriority_NoVictimWithoutLowerPriority(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	a := env.submit(t, "a.bin", 7)
	b := env.submit(t, "b.bin", 0)
	env.fetcher.expectStarted(t, a.ID)

	_, err := env.d.SetPriority(ctx, b.ID, 5)
	require.NoError(t, err)

	env.fetcher.expectNoStart(t)
	assert.Equal(t, storage.StatusDownloading, env.status(t, a.ID))
	assert.Equal(t, storage.StatusQueued, env.status(t, b.ID))
}

func TestSetPriority_BelowThresholdDoesNotPreempt(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1, PreemptThreshold: 5})
	ctx := context.Background()

	a := env.submit(t, "a.bin", 0)
	b := env.submit(t, "b.bin", 0)
	env.fetcher.expectStarted(t, a.ID)

	_, err := env.d.SetPriority(ctx, b.ID, 5)
	require.NoError(t, err)

	env.fetcher.expectNoStart(t)
	assert.Equal(t, storage.StatusDownloading, env.status(t, a.ID))
}

func TestSetPriority_OldestStartedVictim(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 2})
	ctx := context.Background()

	a := env.submit(t, "a.bin", 0)
	b := env.submit(t, "b.bin", 0)
	c := env.submit(t, "c.bin", 0)
	env.fetcher.expectStarted(t, a.ID, b.ID)

	_, err := env.d.SetPriority(ctx, c.ID, 9)
	require.NoError(t, err)

	env.eventuallyStatus(t, a.ID, storage.StatusPaused)
	env.fetcher.expectStarted(t, c.ID)
	assert.Equal(t, storage.StatusDownloading, env.status(t, b.ID))
}

func TestTogglePriority(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	a := env.submit(t, "a.bin", 0)
	env.fetcher.expectStarted(t, a.ID)

	rec, err := env.d.TogglePriority(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, HighPriority, rec.Priority)

	rec, err = env.d.TogglePriority(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Priority)

	stored, err := env.repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Priority)
}

func TestDelete_RunningDownloadFreesSlot(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	a := env.submit(t, "a.bin", 0)
	b := env.submit(t, "b.bin", 0)
	env.fetcher.expectStarted(t, a.ID)

	require.NoError(t, os.MkdirAll(filepath.Dir(a.TargetPath), 0o755))
	require.NoError(t, os.WriteFile(cleanup.PartialPath(a.TargetPath, a.ID), []byte("partial"), 0o600))

	require.NoError(t, env.d.Delete(ctx, a.ID))

	_, err := env.repo.Get(ctx, a.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoFileExists(t, cleanup.PartialPath(a.TargetPath, a.ID))

	env.fetcher.expectStarted(t, b.ID)
}

func TestDelete_CompletedDownloadRemovesFile(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	a := env.submit(t, "a.bin", 0)
	env.fetcher.expectStarted(t, a.ID)
	env.fetcher.complete(a.ID)
	env.eventuallyStatus(t, a.ID, storage.StatusCompleted)

	require.NoError(t, os.MkdirAll(filepath.Dir(a.TargetPath), 0o755))
	require.NoError(t, os.WriteFile(a.TargetPath, []byte("done"), 0o600))

	require.NoError(t, env.d.Delete(ctx, a.ID))
	assert.NoFileExists(t, a.TargetPath)
}

func TestSubmit_TargetOfFinishedFailureIsReused(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	failed := &storage.DownloadRecord{
		Origin:     storage.OriginDirect,
		OriginRef:  storage.OriginRef{ChatID: 1, MessageID: 99},
		FileName:   "a.bin",
		TargetPath: filepath.Join(env.dir, "out", "a.bin"),
		Status:     storage.StatusFailed,
	}
	_, err := env.repo.Insert(ctx, failed)
	require.NoError(t, err)

	rec := env.submit(t, "a.bin", 0)
	assert.Equal(t, failed.TargetPath, rec.TargetPath)
}

func TestSuffixedPath(t *testing.T) {
	assert.Equal(t, "/srv/clip_3.mp4", suffixedPath("/srv/clip.mp4", 3))
	assert.Equal(t, "/srv/README_12", suffixedPath("/srv/README", 12))
}

func TestStop_DownloadingWithoutJobFreesSlot(t *testing.T) {
	for _, tt := range []struct {
		name string
		stop func(d *Downloader, ctx context.Context, id int64) error
		want storage.Status
	}{
		{name: "pause", stop: (*Downloader).Pause, want: storage.StatusPaused},
		{name: "cancel", stop: (*Downloader).Cancel, want: storage.StatusCancelled},
	} {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{MaxConcurrent: 1})
			ctx := context.Background()

			orphan := &storage.DownloadRecord{
				Origin:     storage.OriginDirect,
				OriginRef:  storage.OriginRef{ChatID: 1, MessageID: 50},
				FileName:   "orphan.bin",
				TargetPath: filepath.Join(env.dir, "out", "orphan.bin"),
				Status:     storage.StatusDownloading,
			}
			_, err := env.repo.Insert(ctx, orphan)
			require.NoError(t, err)

			waiting := env.submit(t, "waiting.bin", 0)
			assert.Equal(t, storage.StatusQueued, waiting.Status)
			env.fetcher.expectNoStart(t)

			require.NoError(t, tt.stop(env.d, ctx, orphan.ID))

			assert.Equal(t, tt.want, env.status(t, orphan.ID))
			env.fetcher.expectStarted(t, waiting.ID)
			assert.Equal(t, storage.StatusDownloading, env.status(t, waiting.ID))
		})
	}
}

// windDownFetcher settles on its stop outcome as soon as the job is
// cancelled, then waits for the test before reporting it.
type windDownFetcher struct {
	d       *Downloader
	settled chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (f *windDownFetcher) Start(job *Job, rec storage.DownloadRecord, _ *transport.Message) {
	f.Restore(job, rec)
}

func (f *windDownFetcher) Restore(job *Job, rec storage.DownloadRecord) {
	<-job.Context().Done()

	update := job.Reason().outcome()
	rec.Status = *update.Status
	event := &notifier.Event{Kind: eventFor(rec.Status), Download: rec, Reason: *update.Error}

	close(f.settled)
	<-f.proceed

	f.d.finish(job, update, event)
}

func (f *windDownFetcher) release() {
	f.once.Do(func() { close(f.proceed) })
}

func TestCancel_OverridesPauseInFlight(t *testing.T) {
	env := newTestEnv(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	fetcher := &windDownFetcher{d: env.d, settled: make(chan struct{}), proceed: make(chan struct{})}
	env.d.Handle(storage.OriginDirect, fetcher)
	t.Cleanup(fetcher.release)

	rec := env.submit(t, "a.bin", 0)

	require.NoError(t, env.d.Pause(ctx, rec.ID))

	select {
	case <-fetcher.settled:
	case <-time.After(waitFor):
		t.Fatal("transfer never observed the pause")
	}

	// The job is still registered, so the cancel reaches it.
	require.NoError(t, env.d.Cancel(ctx, rec.ID))

	fetcher.release()

	env.eventuallyStatus(t, rec.ID, storage.StatusCancelled)

	stored, err := env.repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelledByOperator, stored.Error)

	require.Eventually(t, func() bool {
		kinds := env.notifier.kinds(rec.ID)

		return len(kinds) > 0 && kinds[len(kinds)-1] == notifier.EventCancelled
	}, waitFor, time.Millisecond)
	assert.NotContains(t, env.notifier.kinds(rec.ID), notifier.EventPaused)
}

func TestAdmission_ConcurrentOperationsRespectCapacity(t *testing.T) {
	const (
		maxConcurrent = 3
		submitters    = 8
		perSubmitter  = 6
		total         = submitters * perSubmitter
	)

	env := newTestEnv(t, Options{MaxConcurrent: maxConcurrent, PreemptThreshold: 5})
	ctx := context.Background()

	// Keep the fetcher from blocking on its start channel.
	go func() {
		for range env.fetcher.started {
		}
	}()

	var (
		completedMu sync.Mutex
		completed   = make(map[int64]bool)
	)

	complete := func(id int64) {
		completedMu.Lock()
		defer completedMu.Unlock()

		if !completed[id] {
			completed[id] = true
			env.fetcher.complete(id)
		}
	}

	var over atomic.Int64

	sampling := make(chan struct{})
	sampled := make(chan struct{})

	go func() {
		defer close(sampled)

		for {
			select {
			case <-sampling:
				return
			default:
			}

			if env.d.Active() > maxConcurrent {
				over.Add(1)
			}

			running, err := env.repo.List(ctx, storage.Filter{Statuses: []storage.Status{storage.StatusDownloading}})
			if err == nil && len(running) > maxConcurrent {
				over.Add(1)
			}

			time.Sleep(100 * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup

	for s := 0; s < submitters; s++ {
		wg.Add(1)

		go func(s int) {
			defer wg.Done()

			for i := 0; i < perSubmitter; i++ {
				rec, err := env.d.Submit(ctx, Candidate{
					Origin:     storage.OriginDirect,
					Ref:        storage.OriginRef{ChatID: 1, MessageID: int64(s*perSubmitter + i + 1)},
					FileName:   fmt.Sprintf("f-%d-%d.bin", s, i),
					TargetPath: filepath.Join(env.dir, "out", fmt.Sprintf("f-%d-%d.bin", s, i)),
				})
				if !assert.NoError(t, err) {
					return
				}

				switch i % 3 {
				case 0:
					_, _ = env.d.SetPriority(ctx, rec.ID, HighPriority)
				case 1:
					_ = env.d.Pause(ctx, rec.ID)
				}
			}
		}(s)
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		for round := 0; round < 50; round++ {
			all, err := env.repo.List(ctx, storage.Filter{})
			if !assert.NoError(t, err) {
				return
			}

			for _, rec := range all {
				switch {
				case rec.Status == storage.StatusPaused:
					_, _ = env.d.Resume(ctx, rec.ID)
				case rec.Status == storage.StatusDownloading && rec.ID%2 == 0:
					complete(rec.ID)
				}
			}

			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()

	// Drain the rest: resume whatever is parked, finish whatever runs.
	require.Eventually(t, func() bool {
		all, err := env.repo.List(ctx, storage.Filter{})
		if err != nil {
			return false
		}

		done := 0

		for _, rec := range all {
			switch rec.Status {
			case storage.StatusPaused:
				_, _ = env.d.Resume(ctx, rec.ID)
			case storage.StatusDownloading:
				complete(rec.ID)
			case storage.StatusCompleted:
				done++
			}
		}

		return done == total
	}, 10*time.Second, 5*time.Millisecond)

	close(sampling)
	<-sampled

	assert.Zero(t, over.Load(), "running downloads exceeded the limit")
	require.Eventually(t, func() bool { return env.d.Active() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, map[storage.Status]int{storage.StatusCompleted: total}, env.countByStatus(t))
}
