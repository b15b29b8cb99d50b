package guard

import (
	"errors"
	"time"
)

var (
	ErrDispatchNotStarted = errors.New("dispatch_not_started")
	ErrDispatchRecorded   = errors.New("dispatch_task_recorded")
	ErrAlreadyRefunded    = errors.New("request_already_refunded")
	ErrDispatchTooRecent  = errors.New("dispatch_too_recent")
)

// EnsureDispatchInterrupted reports why a request is not an interrupted
// dispatch, or nil when it is one.
func EnsureDispatchInterrupted(started bool, startedAt *time.Time, hasTask, refunded bool, now time.Time, threshold time.Duration) error {
	if !started || startedAt == nil {
		return ErrDispatchNotStarted
	}
	if hasTask {
		return ErrDispatchRecorded
	}
	if refunded {
		return ErrAlreadyRefunded
	}
	if now.Sub(*startedAt) < threshold {
		return ErrDispatchTooRecent
	}
	return nil
}
