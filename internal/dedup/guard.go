// Package dedup answers whether a task already completed for a calendar date.
package dedup

import (
	"context"
	"time"

	"intentd/internal/intent"
)

// Finder is the read side of the intent store used by the guard.
type Finder interface {
	FindByNaturalKey(ctx context.Context, schedulerType, taskID, intendedDate string) (intent.ExecutionIntent, bool)
}

// Guard reports proven completions only: a failed, running or pending intent
// never blocks a fresh attempt.
type Guard struct {
	store Finder
	loc   *time.Location
	now   func() time.Time
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New builds a guard whose "today" is evaluated in loc.
func New(store Finder, loc *time.Location, opts ...Option) *Guard {
	if loc == nil {
		loc = time.Local
	}
	g := &Guard{store: store, loc: loc, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Today returns the current calendar date in the guard's location.
func (g *Guard) Today() string { return intent.DateOf(g.now(), g.loc) }

func (g *Guard) HasRunToday(ctx context.Context, schedulerType, taskID string) bool {
	return g.HasRunOn(ctx, schedulerType, taskID, g.Today())
}

// HasRunOn reports whether the intent for date exists and is completed, or
// failed and was caught up by a successful re-run. Storage failures read as
// "not run".
func (g *Guard) HasRunOn(ctx context.Context, schedulerType, taskID, date string) bool {
	in, ok := g.store.FindByNaturalKey(ctx, schedulerType, taskID, date)
	return ok && (in.Status == intent.StatusCompleted || in.CaughtUp())
}
