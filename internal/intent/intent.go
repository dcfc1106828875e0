package intent

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date format of IntendedDate.
const DateLayout = "2006-01-02"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// TerminalStatuses lists the statuses the retention sweeper may delete.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusSkipped}

// CanTransition reports whether from -> to is one of the allowed edges:
// pending->running, running->completed, running->failed, pending->skipped.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusSkipped
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Key is the natural key of an intent.
type Key struct {
	SchedulerType string
	TaskID        string
	IntendedDate  string
}

func (k Key) String() string {
	return k.SchedulerType + "/" + k.TaskID + "/" + k.IntendedDate
}

func (k Key) validate() error {
	if strings.TrimSpace(k.SchedulerType) == "" {
		return fmt.Errorf("scheduler type required")
	}
	if strings.TrimSpace(k.TaskID) == "" {
		return fmt.Errorf("task id required")
	}
	if _, err := time.Parse(DateLayout, k.IntendedDate); err != nil {
		return fmt.Errorf("intended date %q: expected YYYY-MM-DD", k.IntendedDate)
	}
	return nil
}

// Window bounds when a fire is considered on time.
type Window struct {
	Start time.Time
	End   time.Time
}

// ExecutionIntent declares that a task was meant to run for a calendar date,
// independent of whether it actually did. Zero times mean "not reached".
type ExecutionIntent struct {
	ID                string    `json:"id"`
	SchedulerType     string    `json:"scheduler_type"`
	TaskID            string    `json:"task_id"`
	IntendedDate      string    `json:"intended_date"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	Status            Status    `json:"status"`
	ActualExecutionID string    `json:"actual_execution_id,omitempty"`
	ActualStartedAt   time.Time `json:"actual_started_at,omitempty"`
	ActualCompletedAt time.Time `json:"actual_completed_at,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (in ExecutionIntent) Key() Key {
	return Key{SchedulerType: in.SchedulerType, TaskID: in.TaskID, IntendedDate: in.IntendedDate}
}

// ReasonCaughtUp marks a failed intent whose later re-run succeeded.
const ReasonCaughtUp = "caught up"

// CaughtUp reports whether in failed but a re-run for the same date
// succeeded afterwards. The status stays failed.
func (in ExecutionIntent) CaughtUp() bool {
	return in.Status == StatusFailed && in.Reason == ReasonCaughtUp && in.ActualExecutionID != ""
}

// Missed reports whether the window closed at now without a terminal status.
func (in ExecutionIntent) Missed(now time.Time) bool {
	return !in.Status.Terminal() && in.WindowEnd.Before(now)
}

// DateOf formats t as a calendar date in loc.
func DateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DateLayout)
}

// StartOfDate returns midnight of date in loc.
func StartOfDate(date string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DateLayout, date, loc)
}

// Stamp normalizes timestamps to what every backend can round-trip.
func Stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Millisecond)
}
