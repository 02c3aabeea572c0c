package downloader

import (
	"errors"
	"fmt"

	"github.com/italolelis/chat_downloader/internal/storage"
)

var (
	// ErrInvalidState is returned when an operator action doesn't apply to the
	// record's current status.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrDuplicate is returned when the content was already downloaded.
	ErrDuplicate = errors.New("content already downloaded")
	// ErrNoFetcher is returned when no fetcher handles a record's origin.
	ErrNoFetcher = errors.New("no fetcher registered for origin")
)

// DuplicateError carries the completed record that made a submission redundant.
type DuplicateError struct {
	ExistingID int64
	TargetPath string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("content already downloaded as record %d", e.ExistingID)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}

// StateError reports the status an action was attempted against.
type StateError struct {
	Action string
	Status storage.Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s a %s download", e.Action, e.Status)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}
