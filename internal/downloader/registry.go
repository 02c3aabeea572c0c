package downloader

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/italolelis/chat_downloader/internal/storage"
)

// ErrCancellationRequested is returned from Job.Checkpoint once an operator
// asked the job to stop.
var ErrCancellationRequested = errors.New("cancellation requested")

// CancelReason records why a running job was stopped and decides the status
// it leaves behind.
type CancelReason string

const (
	ReasonCancel  CancelReason = "cancel"
	ReasonPause   CancelReason = "pause"
	ReasonPreempt CancelReason = "preempt"
	ReasonDelete  CancelReason = "delete"
)

const (
	pausedByOperator    = "paused by operator"
	preemptedReason     = "preempted"
	cancelledByOperator = "cancelled by operator"
)

// outcome returns the record update for a job stopped for this reason. Nil
// means the row is gone and nothing is written.
func (r CancelReason) outcome() *storage.Update {
	var u storage.Update

	switch r {
	case ReasonPause:
		u = storage.StatusUpdate(storage.StatusPaused, pausedByOperator)
	case ReasonPreempt:
		u = storage.StatusUpdate(storage.StatusPaused, preemptedReason)
	case ReasonCancel:
		u = storage.StatusUpdate(storage.StatusCancelled, cancelledByOperator)
	default:
		return nil
	}

	return &u
}

// final reports whether the reason ends the download for good.
func (r CancelReason) final() bool {
	return r == ReasonCancel || r == ReasonDelete
}

// outranks reports whether r replaces an earlier reason: cancel beats pause
// and preemption, delete beats everything.
func (r CancelReason) outranks(prev CancelReason) bool {
	return r.rank() > prev.rank()
}

func (r CancelReason) rank() int {
	switch r {
	case ReasonDelete:
		return 2
	case ReasonCancel:
		return 1
	}

	return 0
}

// pausing reports whether u parks a record as paused.
func pausing(u *storage.Update) bool {
	return u != nil && u.Status != nil && *u.Status == storage.StatusPaused
}

// Job is the live, cancellable handle of one downloading record.
type Job struct {
	ID        int64
	StartedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	requested atomic.Bool
	reason    atomic.Value // CancelReason
}

// Context is cancelled when the job is asked to stop or the process shuts down.
func (j *Job) Context() context.Context {
	return j.ctx
}

// Checkpoint returns ErrCancellationRequested once cancellation was requested.
// Transfers call it from every progress callback.
func (j *Job) Checkpoint() error {
	if j.requested.Load() {
		return ErrCancellationRequested
	}

	return nil
}

// Cancelled reports whether an operator asked the job to stop.
func (j *Job) Cancelled() bool {
	return j.requested.Load()
}

// Reason returns why the job was stopped. Only meaningful when Cancelled is true.
func (j *Job) Reason() CancelReason {
	if !j.requested.Load() {
		return ""
	}

	reason, _ := j.reason.Load().(CancelReason)

	return reason
}

// Registry maps downloading record ids to their jobs. It is not safe for
// concurrent use on its own: every call happens under the Downloader's
// admission lock, so capacity checks, status writes and job bookkeeping
// move together.
type Registry struct {
	parent context.Context
	now    func() time.Time
	jobs   map[int64]*Job
}

func NewRegistry(parent context.Context) *Registry {
	return &Registry{
		parent: parent,
		now:    time.Now,
		jobs:   make(map[int64]*Job),
	}
}

// Register creates the job for id. It returns false if one already exists.
func (r *Registry) Register(id int64) (*Job, bool) {
	if _, ok := r.jobs[id]; ok {
		return nil, false
	}

	ctx, cancel := context.WithCancel(r.parent)
	job := &Job{ID: id, StartedAt: r.now(), ctx: ctx, cancel: cancel}
	r.jobs[id] = job

	return job, true
}

// Get returns the job for id.
func (r *Registry) Get(id int64) (*Job, bool) {
	job, ok := r.jobs[id]

	return job, ok
}

// RequestCancel flags the job for id and cancels its context. It returns false
// when no job is live. A repeated call only replaces the reason when it
// outranks the current one.
func (r *Registry) RequestCancel(id int64, reason CancelReason) bool {
	job, ok := r.jobs[id]
	if !ok {
		return false
	}

	switch {
	case !job.requested.Load():
		job.reason.Store(reason)
		job.requested.Store(true)
	case reason.outranks(job.Reason()):
		job.reason.Store(reason)
	}

	job.cancel()

	return true
}

// Clear removes the job for id and releases its context.
func (r *Registry) Clear(id int64) {
	if job, ok := r.jobs[id]; ok {
		job.cancel()
		delete(r.jobs, id)
	}
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	return len(r.jobs)
}
