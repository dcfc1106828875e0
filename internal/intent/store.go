package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"intentd/internal/eventbus"
	logx "intentd/pkg/logx"
)

const (
	defaultWriteAttempts = 3
	defaultWriteBackoff  = 100 * time.Millisecond
)

// Store is the intent store component. It owns id generation, transition
// validation, write retries and soft-error reporting on top of a Backend.
//
// Reads never fail: on storage errors they log and return empty results.
// Writes retry a small fixed number of times, then log and return a
// *StorageError. Writes against unknown ids return ErrNotFound, logged at
// warn level.
type Store struct {
	b   Backend
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	writeAttempts int
	writeBackoff  time.Duration
	newID         func() string
}

type StoreOption func(*Store)

// WithClock overrides the time source used for created/started/completed stamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) StoreOption { return func(s *Store) { s.bus = bus } }

// WithWriteRetry sets how many times a failing write is attempted and the
// linear backoff step between attempts.
func WithWriteRetry(attempts int, backoff time.Duration) StoreOption {
	return func(s *Store) {
		if attempts > 0 {
			s.writeAttempts = attempts
		}
		if backoff >= 0 {
			s.writeBackoff = backoff
		}
	}
}

func NewStore(b Backend, log logx.Logger, opts ...StoreOption) *Store {
	s := &Store{
		b:             b,
		log:           log,
		now:           time.Now,
		writeAttempts: defaultWriteAttempts,
		writeBackoff:  defaultWriteBackoff,
		newID:         uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) Close() error {
	if s == nil || s.b == nil {
		return nil
	}
	return s.b.Close()
}

// Create declares an intent. It is idempotent per natural key: a second call
// returns the existing row unchanged. If the write gives up, the in-memory
// intent is returned together with the *StorageError.
func (s *Store) Create(ctx context.Context, schedulerType, taskID, intendedDate string, w Window) (ExecutionIntent, error) {
	in, _, err := s.Declare(ctx, schedulerType, taskID, intendedDate, w)
	return in, err
}

// Declare is Create that also reports whether a new row was inserted.
func (s *Store) Declare(ctx context.Context, schedulerType, taskID, intendedDate string, w Window) (ExecutionIntent, bool, error) {
	k := Key{SchedulerType: strings.TrimSpace(schedulerType), TaskID: strings.TrimSpace(taskID), IntendedDate: strings.TrimSpace(intendedDate)}
	if err := k.validate(); err != nil {
		return ExecutionIntent{}, false, err
	}
	if w.Start.IsZero() || w.End.IsZero() || w.End.Before(w.Start) {
		return ExecutionIntent{}, false, fmt.Errorf("intent %s: invalid window %s..%s", k, w.Start, w.End)
	}

	now := Stamp(s.now())
	in := ExecutionIntent{
		ID:            s.newID(),
		SchedulerType: k.SchedulerType,
		TaskID:        k.TaskID,
		IntendedDate:  k.IntendedDate,
		WindowStart:   Stamp(w.Start),
		WindowEnd:     Stamp(w.End),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var (
		row     ExecutionIntent
		created bool
	)
	err := s.write(ctx, "create", func(c context.Context) error {
		r, cr, err := s.b.Insert(c, in)
		if err == nil {
			row, created = r, cr
		}
		return err
	})
	if err != nil {
		s.log.Warn("intent create not persisted", logx.String("key", k.String()), logx.Err(err))
		return in, false, err
	}
	if created {
		s.log.Debug("intent created", logx.String("id", row.ID), logx.String("key", k.String()), logx.Time("window_end", row.WindowEnd))
		eventbus.Publish(s.bus, EventCreated, Change{Intent: row})
	}
	return row, created, nil
}

// MarkRunning moves pending -> running and stamps ActualStartedAt.
func (s *Store) MarkRunning(ctx context.Context, id, executionID string) error {
	now := Stamp(s.now())
	return s.transition(ctx, "mark_running", id, StatusPending, Update{
		Status:            StatusRunning,
		ActualExecutionID: executionID,
		ActualStartedAt:   now,
		UpdatedAt:         now,
	})
}

// MarkCompleted moves running -> completed. An empty executionID keeps the
// reference recorded by MarkRunning.
func (s *Store) MarkCompleted(ctx context.Context, id, executionID string) error {
	now := Stamp(s.now())
	return s.transition(ctx, "mark_completed", id, StatusRunning, Update{
		Status:            StatusCompleted,
		ActualExecutionID: executionID,
		ActualCompletedAt: now,
		UpdatedAt:         now,
	})
}

// MarkFailed moves running -> failed with a non-empty error message.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "failed"
	}
	now := Stamp(s.now())
	return s.transition(ctx, "mark_failed", id, StatusRunning, Update{
		Status:            StatusFailed,
		ActualCompletedAt: now,
		ErrorMessage:      msg,
		UpdatedAt:         now,
	})
}

// MarkSkipped moves pending -> skipped.
func (s *Store) MarkSkipped(ctx context.Context, id, reason string) error {
	now := Stamp(s.now())
	return s.transition(ctx, "mark_skipped", id, StatusPending, Update{
		Status:    StatusSkipped,
		Reason:    strings.TrimSpace(reason),
		UpdatedAt: now,
	})
}

// RecordCatchUp notes on a failed intent that a re-run succeeded with
// executionID. The status does not change; the dedup guard reads the note.
func (s *Store) RecordCatchUp(ctx context.Context, id, executionID string) error {
	if strings.TrimSpace(executionID) == "" {
		return fmt.Errorf("record catch-up %s: execution id required", id)
	}
	now := Stamp(s.now())
	u := Update{
		Status:            StatusFailed,
		ActualExecutionID: executionID,
		Reason:            ReasonCaughtUp,
		UpdatedAt:         now,
	}
	err := s.write(ctx, "record_catch_up", func(c context.Context) error {
		return s.b.Transition(c, id, StatusFailed, u)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("intent write ignored: unknown id", logx.String("op", "record_catch_up"), logx.String("id", id))
		}
		return err
	}
	row, gerr := s.b.Get(ctx, id)
	if gerr != nil {
		row = ExecutionIntent{ID: id}
		u.Apply(&row)
	}
	eventbus.Publish(s.bus, EventCaughtUp, Change{Intent: row, From: StatusFailed})
	return nil
}

func (s *Store) transition(ctx context.Context, op, id string, from Status, u Update) error {
	if !CanTransition(from, u.Status) {
		return &TransitionError{ID: id, From: from, To: u.Status}
	}
	err := s.write(ctx, op, func(c context.Context) error {
		return s.b.Transition(c, id, from, u)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		s.log.Warn("intent write ignored: unknown id", logx.String("op", op), logx.String("id", id))
		return err
	case errors.Is(err, ErrInvalidTransition):
		s.log.Debug("intent transition rejected", logx.String("op", op), logx.String("id", id), logx.Err(err))
		return err
	default:
		return err
	}

	row, gerr := s.b.Get(ctx, id)
	if gerr != nil {
		row = ExecutionIntent{ID: id}
		u.Apply(&row)
	}
	s.log.Debug("intent "+string(u.Status), logx.String("id", id), logx.String("key", row.Key().String()))
	eventbus.Publish(s.bus, EventFor(u.Status), Change{Intent: row, From: from})
	return nil
}

func (s *Store) write(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.writeAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == s.writeAttempts {
			break
		}
		wait := s.writeBackoff * time.Duration(attempt)
		s.log.Debug("storage write retry", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return &StorageError{Op: op, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	s.log.Error("storage write failed; giving up", logx.String("op", op), logx.Int("attempts", s.writeAttempts), logx.Err(err))
	return &StorageError{Op: op, Attempts: s.writeAttempts, Err: err}
}

func retryable(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInvalidTransition) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// ---- reads ----

// Lookup returns the row for id, ErrNotFound, or a *StorageError. It is the
// only read that surfaces storage failures, for callers that can fall back
// to in-memory state.
func (s *Store) Lookup(ctx context.Context, id string) (ExecutionIntent, error) {
	in, err := s.b.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return ExecutionIntent{}, &StorageError{Op: "get", Attempts: 1, Err: err}
	}
	return in, err
}

func (s *Store) Get(ctx context.Context, id string) (ExecutionIntent, bool) {
	in, err := s.b.Get(ctx, id)
	return in, s.readOK("get", err)
}

func (s *Store) FindByNaturalKey(ctx context.Context, schedulerType, taskID, intendedDate string) (ExecutionIntent, bool) {
	in, err := s.b.FindByNaturalKey(ctx, Key{SchedulerType: schedulerType, TaskID: taskID, IntendedDate: intendedDate})
	return in, s.readOK("find_by_natural_key", err)
}

// FindStalePending returns pending intents whose window ended before now.
func (s *Store) FindStalePending(ctx context.Context, now time.Time) []ExecutionIntent {
	out, err := s.b.FindStalePending(ctx, now)
	if !s.readOK("find_stale_pending", err) {
		return nil
	}
	return out
}

// FindStaleRunning returns running intents started before startedBefore.
func (s *Store) FindStaleRunning(ctx context.Context, startedBefore time.Time) []ExecutionIntent {
	out, err := s.b.FindStaleRunning(ctx, startedBefore)
	if !s.readOK("find_stale_running", err) {
		return nil
	}
	return out
}

// LatestForTask returns the intent with the most recent intended date.
func (s *Store) LatestForTask(ctx context.Context, schedulerType, taskID string) (ExecutionIntent, bool) {
	in, err := s.b.LatestForTask(ctx, schedulerType, taskID)
	return in, s.readOK("latest_for_task", err)
}

func (s *Store) List(ctx context.Context, f Filter) []ExecutionIntent {
	out, err := s.b.List(ctx, f)
	if !s.readOK("list", err) {
		return nil
	}
	return out
}

// DeleteTerminalOlderThan removes completed, failed and skipped rows created
// before cutoff.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, "delete_terminal", func(c context.Context) error {
		deleted, err := s.b.DeleteTerminalOlderThan(c, Stamp(cutoff))
		if err == nil {
			n = deleted
		}
		return err
	})
	return n, err
}

func (s *Store) readOK(op string, err error) bool {
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Warn("storage read failed; returning empty", logx.String("op", op), logx.Err(err))
	}
	return false
}
