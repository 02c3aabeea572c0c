package progress

import (
	"errors"
	"io"
)

// Reader wraps an io.Reader and reports progress via a callback every
// reportInterval bytes and once more at EOF. An error returned by the
// callback aborts the read with that error.
type Reader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(written int64, total int64) error
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
	done           bool
}

func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64) error) *Reader {
	if interval <= 0 {
		interval = 1
	}

	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval {
			pr.lastReport = 0

			if cbErr := pr.OnProgress(pr.totalRead, pr.Total); cbErr != nil {
				return n, cbErr
			}
		}
	}

	if errors.Is(err, io.EOF) && !pr.done {
		pr.done = true

		if pr.lastReport > 0 || pr.totalRead == 0 {
			pr.lastReport = 0

			if cbErr := pr.OnProgress(pr.totalRead, pr.Total); cbErr != nil {
				return n, cbErr
			}
		}
	}

	return n, err
}

// Written returns the number of bytes read so far.
func (pr *Reader) Written() int64 {
	return pr.totalRead
}
