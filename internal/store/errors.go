package store

import (
	"errors"
	"fmt"
)

// ErrNotFound marks lookups of task ids absent from the store. Not
// retryable; surfaced to the caller with the task id.
var ErrNotFound = errors.New("task not found")

// WriteFailedError wraps a filesystem-level failure during the atomic
// write cycle. The pre-update backup has already been restored when this
// is returned, so callers may retry the whole Update.
type WriteFailedError struct {
	Path string
	Err  error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("write failed for %s: %v", e.Path, e.Err)
}

func (e *WriteFailedError) Unwrap() error {
	return e.Err
}
