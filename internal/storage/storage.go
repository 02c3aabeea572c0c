package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Status is the lifecycle state of a download record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether the status is a final outcome of a transfer.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusDownloading, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// Origin tags the dispatcher that produced a record.
type Origin string

const (
	OriginDirect Origin = "direct"
	OriginRule   Origin = "rule"
)

// OriginRef carries what a dispatcher needs to locate the source item again
// after a restart.
type OriginRef struct {
	ChatID    int64
	MessageID int64
	FileRef   string
	RuleID    int64
}

// ContentIdentity is the transport's stable identity of a transferable object.
type ContentIdentity struct {
	FileID      string
	AccessToken string
}

// DownloadRecord represents one transfer attempt.
type DownloadRecord struct {
	ID         int64
	Origin     Origin
	OriginRef  OriginRef
	Content    *ContentIdentity
	FileName   string
	TargetPath string
	SizeBytes  int64
	Status     Status
	Priority   int
	Progress   float64
	Throughput float64
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Update holds the fields to change on a record. Nil fields are left untouched.
type Update struct {
	Status     *Status
	Priority   *int
	Progress   *float64
	Throughput *float64
	Error      *string
	TargetPath *string
	SizeBytes  *int64
}

// IsEmpty reports whether the update changes nothing.
func (u Update) IsEmpty() bool {
	return u.Status == nil && u.Priority == nil && u.Progress == nil && u.Throughput == nil &&
		u.Error == nil && u.TargetPath == nil && u.SizeBytes == nil
}

// StatusUpdate returns an update that sets the status and the reason string.
func StatusUpdate(status Status, reason string) Update {
	return Update{Status: &status, Error: &reason}
}

// ProgressUpdate returns an update for the volatile progress fields.
func ProgressUpdate(percent, throughput float64) Update {
	return Update{Progress: &percent, Throughput: &throughput}
}

// PriorityUpdate returns an update that sets the priority.
func PriorityUpdate(priority int) Update {
	return Update{Priority: &priority}
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Statuses []Status
	Origin   Origin
	Limit    int
}

// DownloadReadRepository reads download records.
type DownloadReadRepository interface {
	Get(ctx context.Context, id int64) (*DownloadRecord, error)
	// List returns records ordered by creation time, oldest first.
	List(ctx context.Context, filter Filter) ([]DownloadRecord, error)
}

// DownloadWriteRepository writes download records.
type DownloadWriteRepository interface {
	Insert(ctx context.Context, record *DownloadRecord) (int64, error)
	Update(ctx context.Context, id int64, update Update) error
	Delete(ctx context.Context, id int64) error
}

// ContentIndex finds completed downloads by content identity.
type ContentIndex interface {
	FindCompleted(ctx context.Context, identity ContentIdentity) (*DownloadRecord, error)
}

// DownloadRepository is the full record store contract.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
	ContentIndex
}

// Message is an inbound chat message kept for operators to review.
type Message struct {
	ID         int64
	ChatID     int64
	MessageID  int64
	SenderID   int64
	SenderName string
	Text       string
	FileName   string
	MediaType  string
	HasMedia   bool
	CreatedAt  time.Time
}

// MessageLog stores inbound messages.
type MessageLog interface {
	AddMessage(ctx context.Context, msg *Message) (int64, error)
	// ListMessages returns the newest messages first.
	ListMessages(ctx context.Context, limit int) ([]Message, error)
}
