package intent

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("intent not found")
	ErrInvalidTransition = errors.New("invalid intent status transition")
)

// TransitionError reports a rejected status change. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	ID      string
	From    Status
	To      Status
	Current Status
}

func (e *TransitionError) Error() string {
	if e.Current != "" && e.Current != e.From {
		return fmt.Sprintf("intent %s: %s -> %s rejected (current status %s)", e.ID, e.From, e.To, e.Current)
	}
	return fmt.Sprintf("intent %s: %s -> %s rejected", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StorageError wraps a backend failure that survived the write retries.
type StorageError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StorageError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("storage %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ScheduleComputeError reports a malformed rule or a rule with no next
// occurrence. It disables only the task it belongs to.
type ScheduleComputeError struct {
	SchedulerType string
	TaskID        string
	Rule          string
	Err           error
}

func (e *ScheduleComputeError) Error() string {
	return fmt.Sprintf("schedule %s/%s (%q): %v", e.SchedulerType, e.TaskID, e.Rule, e.Err)
}

func (e *ScheduleComputeError) Unwrap() error { return e.Err }

// JobBodyError wraps a failure reported by a job body.
type JobBodyError struct {
	SchedulerType string
	TaskID        string
	Err           error
}

func (e *JobBodyError) Error() string {
	return fmt.Sprintf("job %s/%s: %v", e.SchedulerType, e.TaskID, e.Err)
}

func (e *JobBodyError) Unwrap() error { return e.Err }

// ResourceContentionError is returned by job bodies whose exclusive resource
// was busy. It is a JobBodyError that earns the resource-release buffer
// before the next retry.
type ResourceContentionError struct {
	Resource string
	Err      error
}

func (e *ResourceContentionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resource %s busy", e.Resource)
	}
	return fmt.Sprintf("resource %s busy: %v", e.Resource, e.Err)
}

func (e *ResourceContentionError) Unwrap() error { return e.Err }

// IsResourceContention reports whether err carries a ResourceContentionError.
func IsResourceContention(err error) bool {
	var rc *ResourceContentionError
	return errors.As(err, &rc)
}

// RetryHint lets a job body error suggest a minimum delay before the next
// attempt.
type RetryHint interface {
	error
	RetryAfter() time.Duration
}
