package loader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinels for errors.Is. Every typed error below matches its sentinel.
var (
	ErrNotFound = errors.New("package source not found")
	ErrDownload = errors.New("package download failed")
	ErrExtract  = errors.New("package extraction failed")
	ErrTimeout  = errors.New("package request timed out")
)

// NotFoundError reports a local path or package that does not exist.
type NotFoundError struct {
	Source string
	Err    error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("package source %q not found: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("package source %q not found", e.Source)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DownloadError reports a failed or non-2xx HTTP exchange.
// StatusCode is zero when no response was received.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("download %s: HTTP %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("download %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("download %s failed", e.URL)
	}
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) Is(target error) bool { return target == ErrDownload }

// ExtractError reports a malformed or unsafe archive.
type ExtractError struct {
	Archive string
	Err     error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

func (e *ExtractError) Is(target error) bool { return target == ErrExtract }

// TimeoutError reports a network call that exceeded its deadline. It is also
// a download failure, so it matches both ErrTimeout and ErrDownload.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("download %s: timed out after %s", e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == ErrDownload
}

// isTimeout reports whether err came from an expired deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
