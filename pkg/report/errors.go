package report

import (
	"errors"
	"fmt"
)

// ErrNoViewsFetched is the fatal job error raised when the remote fetch
// produced no view data at all. The message is surfaced verbatim as the
// job's failedReason.
var ErrNoViewsFetched = errors.New("No view data was successfully fetched")

// ErrAllTransformsFailed is raised when views were fetched but none
// survived transformation.
var ErrAllTransformsFailed = errors.New("all view transformations failed")

// RenderFailedError wraps a presentation writer failure.
type RenderFailedError struct {
	Err error
}

func (e *RenderFailedError) Error() string {
	return fmt.Sprintf("rendering presentation: %v", e.Err)
}

func (e *RenderFailedError) Unwrap() error { return e.Err }

// EmailFailedError wraps an email gateway failure.
type EmailFailedError struct {
	Err error
}

func (e *EmailFailedError) Error() string {
	return fmt.Sprintf("sending report email: %v", e.Err)
}

func (e *EmailFailedError) Unwrap() error { return e.Err }
