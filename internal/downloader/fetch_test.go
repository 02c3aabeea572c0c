package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/chat_downloader/internal/cleanup"
	"github.com/italolelis/chat_downloader/internal/notifier"
	"github.com/italolelis/chat_downloader/internal/rules"
	"github.com/italolelis/chat_downloader/internal/storage"
	"github.com/italolelis/chat_downloader/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	files   map[string][]byte
	openErr error
	endless bool
	// streams marks refs that never finish, even when endless is off.
	streams map[string]bool
}

func (c *fakeClient) Updates(context.Context, int64) ([]transport.Message, error) {
	return nil, nil
}

func (c *fakeClient) Locate(_ context.Context, _, _ int64, fileRef string) (*transport.Media, error) {
	data, ok := c.files[fileRef]
	if !ok && !c.endless && !c.streams[fileRef] {
		return nil, &transport.NotFoundError{Operation: "locate", Ref: fileRef}
	}

	return &transport.Media{FileRef: fileRef, FileID: fileRef, Name: fileRef, Size: int64(len(data))}, nil
}

func (c *fakeClient) Download(ctx context.Context, media *transport.Media) (io.ReadCloser, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}

	if c.endless || c.streams[media.FileRef] {
		return io.NopCloser(&endlessReader{ctx: ctx}), nil
	}

	return io.NopCloser(bytes.NewReader(c.files[media.FileRef])), nil
}

// endlessReader produces bytes slowly until its context ends.
type endlessReader struct {
	ctx context.Context
}

func (r *endlessReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	case <-time.After(time.Millisecond):
	}

	n := len(p)
	if n > 256 {
		n = 256
	}

	for i := 0; i < n; i++ {
		p[i] = 'x'
	}

	return n, nil
}

type fakeRules struct {
	mu    sync.Mutex
	rules map[int64]rules.Rule
}

func (f *fakeRules) List(context.Context) ([]rules.Rule, error) { return nil, nil }

func (f *fakeRules) ForChat(context.Context, int64) ([]rules.Rule, error) { return nil, nil }

func (f *fakeRules) Get(_ context.Context, id int64) (*rules.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rules[id]
	if !ok {
		return nil, rules.ErrNotFound
	}

	return &r, nil
}

func (f *fakeRules) Create(context.Context, *rules.Rule) (int64, error) { return 0, nil }

func (f *fakeRules) Update(_ context.Context, rule *rules.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.rules[rule.ID]; !ok {
		return rules.ErrNotFound
	}

	f.rules[rule.ID] = *rule

	return nil
}

func (f *fakeRules) Delete(context.Context, int64) error { return nil }

func newTransferEnv(t *testing.T, client *fakeClient) *testEnv {
	t.Helper()

	env := newTestEnv(t, Options{MaxConcurrent: 2, ReportBytes: 4, NotifyInterval: time.Nanosecond})
	env.d.Handle(storage.OriginDirect, NewDirectFetcher(env.d, client))

	return env
}

func TestDirectFetcher_DownloadsInboundMedia(t *testing.T) {
	payload := []byte("hello from the chat")
	client := &fakeClient{files: map[string][]byte{"ref-1": payload}}
	env := newTransferEnv(t, client)
	ctx := context.Background()

	target := filepath.Join(env.dir, "out", "hello.txt")

	rec, err := env.d.Submit(ctx, Candidate{
		Origin:     storage.OriginDirect,
		Ref:        storage.OriginRef{ChatID: 1, MessageID: 7, FileRef: "ref-1"},
		Content:    &storage.ContentIdentity{FileID: "ref-1", AccessToken: "t"},
		FileName:   "hello.txt",
		TargetPath: target,
		Message: &transport.Message{
			ChatID:    1,
			MessageID: 7,
			Media:     &transport.Media{FileRef: "ref-1", FileID: "ref-1", Name: "hello.txt", Size: int64(len(payload))},
		},
	})
	require.NoError(t, err)

	env.eventuallyStatus(t, rec.ID, storage.StatusCompleted)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.NoFileExists(t, cleanup.PartialPath(target, rec.ID))

	stored, err := env.repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100, stored.Progress, 0.001)
	assert.Equal(t, int64(len(payload)), stored.SizeBytes)
	assert.Greater(t, stored.Throughput, 0.0)

	require.Eventually(t, func() bool { return env.d.Active() == 0 }, waitFor, 5*time.Millisecond)

	kinds := env.notifier.kinds(rec.ID)
	require.NotEmpty(t, kinds)
	assert.Equal(t, notifier.EventStarted, kinds[0])
	assert.Equal(t, notifier.EventCompleted, kinds[len(kinds)-1])
	assert.Contains(t, kinds, notifier.EventProgress)

	_, err = env.d.Submit(ctx, Candidate{
		Origin:     storage.OriginDirect,
		Content:    &storage.ContentIdentity{FileID: "ref-1", AccessToken: "t"},
		TargetPath: filepath.Join(env.dir, "out", "again.txt"),
	})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestDirectFetcher_RestoreLocatesMedia(t *testing.T) {
	client := &fakeClient{files: map[string][]byte{"ref-2": []byte("restored")}}
	env := newTransferEnv(t, client)
	ctx := context.Background()

	rec := &storage.DownloadRecord{
		Origin:     storage.OriginDirect,
		OriginRef:  storage.OriginRef{ChatID: 1, MessageID: 8, FileRef: "ref-2"},
		FileName:   "restored.txt",
		TargetPath: filepath.Join(env.dir, "out", "restored.txt"),
		Status:     storage.StatusDownloading,
	}
	_, err := env.repo.Insert(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, env.d.Recover(ctx))

	env.eventuallyStatus(t, rec.ID, storage.StatusCompleted)
	assert.FileExists(t, rec.TargetPath)
}

func TestDirectFetcher_FailureRecordsReason(t *testing.T) {
	client := &fakeClient{
		files:   map[string][]byte{"ref-3": []byte("never")},
		openErr: &transport.NetworkError{Operation: "download", StatusCode: 502, APIMessage: "bad gateway"},
	}
	env := newTransferEnv(t, client)

	rec, err := env.d.Submit(context.Background(), Candidate{
		Origin:     storage.OriginDirect,
		Ref:        storage.OriginRef{ChatID: 1, MessageID: 9, FileRef: "ref-3"},
		FileName:   "never.txt",
		TargetPath: filepath.Join(env.dir, "out", "never.txt"),
	})
	require.NoError(t, err)

	env.eventuallyStatus(t, rec.ID, storage.StatusFailed)

	stored, err := env.repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, "bad gateway")
	assert.NoFileExists(t, cleanup.PartialPath(rec.TargetPath, rec.ID))
	assert.NoFileExists(t, rec.TargetPath)

	require.Eventually(t, func() bool {
		kinds := env.notifier.kinds(rec.ID)

		return len(kinds) > 0 && kinds[len(kinds)-1] == notifier.EventFailed
	}, waitFor, 5*time.Millisecond)
}

func TestDirectFetcher_CancelStopsTransferPromptly(t *testing.T) {
	client := &fakeClient{endless: true}
	env := newTransferEnv(t, client)
	ctx := context.Background()

	rec, err := env.d.Submit(ctx, Candidate{
		Origin:     storage.OriginDirect,
		Ref:        storage.OriginRef{ChatID: 1, MessageID: 10, FileRef: "stream"},
		FileName:   "stream.bin",
		TargetPath: filepath.Join(env.dir, "out", "stream.bin"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := os.Stat(cleanup.PartialPath(rec.TargetPath, rec.ID))

		return err == nil
	}, waitFor, time.Millisecond)

	start := time.Now()

	require.NoError(t, env.d.Cancel(ctx, rec.ID))

	env.eventuallyStatus(t, rec.ID, storage.StatusCancelled)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return env.d.Active() == 0 }, waitFor, time.Millisecond)
	assert.NoFileExists(t, cleanup.PartialPath(rec.TargetPath, rec.ID))
	assert.NoFileExists(t, rec.TargetPath)
}

func TestSubmit_SharedTargetKeepsFilesApart(t *testing.T) {
	payload := []byte("GOOD-PAYLOAD")
	client := &fakeClient{
		files:   map[string][]byte{"good": payload},
		streams: map[string]bool{"stream": true},
	}
	env := newTransferEnv(t, client)
	ctx := context.Background()

	target := filepath.Join(env.dir, "out", "clip.mp4")

	slow, err := env.d.Submit(ctx, Candidate{
		Origin:     storage.OriginDirect,
		Ref:        storage.OriginRef{ChatID: 1, MessageID: 20, FileRef: "stream"},
		FileName:   "clip.mp4",
		TargetPath: target,
	})
	require.NoError(t, err)
	assert.Equal(t, target, slow.TargetPath)

	require.Eventually(t, func() bool {
		_, err := os.Stat(cleanup.PartialPath(target, slow.ID))

		return err == nil
	}, waitFor, time.Millisecond)

	fast, err := env.d.Submit(ctx, Candidate{
		Origin:     storage.OriginDirect,
		Ref:        storage.OriginRef{ChatID: 1, MessageID: 21, FileRef: "good"},
		FileName:   "clip.mp4",
		TargetPath: target,
	})
	require.NoError(t, err)

	want := filepath.Join(env.dir, "out", fmt.Sprintf("clip_%d.mp4", fast.ID))
	assert.Equal(t, want, fast.TargetPath)

	stored, err := env.repo.Get(ctx, fast.ID)
	require.NoError(t, err)
	assert.Equal(t, want, stored.TargetPath)

	env.eventuallyStatus(t, fast.ID, storage.StatusCompleted)

	require.NoError(t, env.d.Cancel(ctx, slow.ID))
	env.eventuallyStatus(t, slow.ID, storage.StatusCancelled)
	require.Eventually(t, func() bool { return env.d.Active() == 0 }, waitFor, time.Millisecond)

	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.NoFileExists(t, target)
	assert.NoFileExists(t, cleanup.PartialPath(target, slow.ID))
}

func TestRuleFetcher_RestoreFailsWhenRuleIsGone(t *testing.T) {
	client := &fakeClient{files: map[string][]byte{"ref-4": []byte("data")}}
	env := newTransferEnv(t, client)
	env.d.Handle(storage.OriginRule, NewRuleFetcher(env.d, client, &fakeRules{
		rules: map[int64]rules.Rule{2: {ID: 2, Enabled: false}},
	}))
	ctx := context.Background()

	var ids []int64

	for _, ruleID := range []int64{1, 2} {
		rec := &storage.DownloadRecord{
			Origin:     storage.OriginRule,
			OriginRef:  storage.OriginRef{ChatID: -100, MessageID: 5, FileRef: "ref-4", RuleID: ruleID},
			FileName:   "data.bin",
			TargetPath: filepath.Join(env.dir, "out", "data.bin"),
			Status:     storage.StatusQueued,
		}
		_, err := env.repo.Insert(ctx, rec)
		require.NoError(t, err)

		ids = append(ids, rec.ID)
	}

	require.NoError(t, env.d.Recover(ctx))

	for _, id := range ids {
		env.eventuallyStatus(t, id, storage.StatusFailed)

		stored, err := env.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Contains(t, stored.Error, ErrRuleGone.Error())
	}
}

func TestRuleFetcher_RuleDisabledWhileQueued(t *testing.T) {
	client := &fakeClient{
		files:   map[string][]byte{"ref-6": []byte("rule data")},
		streams: map[string]bool{"busy-1": true, "busy-2": true},
	}
	repo := &fakeRules{rules: map[int64]rules.Rule{4: {ID: 4, ChatID: -100, Enabled: true}}}
	env := newTransferEnv(t, client)
	env.d.Handle(storage.OriginRule, NewRuleFetcher(env.d, client, repo))
	ctx := context.Background()

	var busy []int64

	for i, ref := range []string{"busy-1", "busy-2"} {
		rec, err := env.d.Submit(ctx, Candidate{
			Origin:     storage.OriginDirect,
			Ref:        storage.OriginRef{ChatID: 1, MessageID: int64(30 + i), FileRef: ref},
			FileName:   ref + ".bin",
			TargetPath: filepath.Join(env.dir, "out", ref+".bin"),
		})
		require.NoError(t, err)

		busy = append(busy, rec.ID)
	}

	queued, err := env.d.Submit(ctx, Candidate{
		Origin:     storage.OriginRule,
		Ref:        storage.OriginRef{ChatID: -100, MessageID: 40, FileRef: "ref-6", RuleID: 4},
		FileName:   "rule.bin",
		TargetPath: filepath.Join(env.dir, "out", "rule.bin"),
	})
	require.NoError(t, err)
	require.Equal(t, storage.StatusQueued, queued.Status)

	rule, err := repo.Get(ctx, 4)
	require.NoError(t, err)

	rule.Enabled = false
	require.NoError(t, repo.Update(ctx, rule))

	require.NoError(t, env.d.Cancel(ctx, busy[0]))

	env.eventuallyStatus(t, queued.ID, storage.StatusFailed)

	stored, err := env.repo.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, ErrRuleGone.Error())
	assert.NoFileExists(t, queued.TargetPath)

	require.NoError(t, env.d.Cancel(ctx, busy[1]))
}

func TestRuleFetcher_RestoreDownloadsWithLiveRule(t *testing.T) {
	client := &fakeClient{files: map[string][]byte{"ref-5": []byte("rule data")}}
	env := newTransferEnv(t, client)
	env.d.Handle(storage.OriginRule, NewRuleFetcher(env.d, client, &fakeRules{
		rules: map[int64]rules.Rule{3: {ID: 3, Enabled: true}},
	}))
	ctx := context.Background()

	rec := &storage.DownloadRecord{
		Origin:     storage.OriginRule,
		OriginRef:  storage.OriginRef{ChatID: -100, MessageID: 6, FileRef: "ref-5", RuleID: 3},
		FileName:   "rule.bin",
		TargetPath: filepath.Join(env.dir, "out", "rule.bin"),
		Status:     storage.StatusQueued,
	}
	_, err := env.repo.Insert(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, env.d.Recover(ctx))

	env.eventuallyStatus(t, rec.ID, storage.StatusCompleted)

	got, err := os.ReadFile(rec.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, "rule data", string(got))
}

func TestCancelReason_Outcome(t *testing.T) {
	tests := []struct {
		reason CancelReason
		status storage.Status
		text   string
	}{
		{ReasonPause, storage.StatusPaused, "paused by operator"},
		{ReasonPreempt, storage.StatusPaused, "preempted"},
		{ReasonCancel, storage.StatusCancelled, "cancelled by operator"},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			u := tt.reason.outcome()
			require.NotNil(t, u)
			assert.Equal(t, tt.status, *u.Status)
			assert.Equal(t, tt.text, *u.Error)
		})
	}

	assert.Nil(t, ReasonDelete.outcome())
}

func TestRegistry_FirstReasonWins(t *testing.T) {
	r := NewRegistry(context.Background())

	job, ok := r.Register(1)
	require.True(t, ok)

	_, ok = r.Register(1)
	assert.False(t, ok)

	require.NoError(t, job.Checkpoint())
	assert.Empty(t, job.Reason())

	assert.True(t, r.RequestCancel(1, ReasonPreempt))
	assert.True(t, r.RequestCancel(1, ReasonPause))

	assert.Equal(t, ReasonPreempt, job.Reason())
	assert.True(t, errors.Is(job.Checkpoint(), ErrCancellationRequested))
	assert.Error(t, job.Context().Err())

	r.Clear(1)
	assert.False(t, r.RequestCancel(1, ReasonCancel))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_StrongerReasonReplacesPause(t *testing.T) {
	tests := []struct {
		name  string
		steps []CancelReason
		want  CancelReason
	}{
		{name: "cancel after pause", steps: []CancelReason{ReasonPause, ReasonCancel}, want: ReasonCancel},
		{name: "cancel after preempt", steps: []CancelReason{ReasonPreempt, ReasonCancel}, want: ReasonCancel},
		{name: "delete after cancel", steps: []CancelReason{ReasonCancel, ReasonDelete}, want: ReasonDelete},
		{name: "pause after cancel", steps: []CancelReason{ReasonCancel, ReasonPause}, want: ReasonCancel},
		{name: "cancel after delete", steps: []CancelReason{ReasonDelete, ReasonCancel}, want: ReasonDelete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(context.Background())

			job, ok := r.Register(1)
			require.True(t, ok)

			for _, reason := range tt.steps {
				require.True(t, r.RequestCancel(1, reason))
			}

			assert.Equal(t, tt.want, job.Reason())
		})
	}
}
