// Package recovery finds intents whose window closed without a terminal
// status and catches them up, bounded, through the normal execution path.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"intentd/internal/eventbus"
	"intentd/internal/intent"
	"intentd/internal/jobs"
	"intentd/internal/task/scheduler"
	logx "intentd/pkg/logx"
)

const EventReport = "recovery.report"

const (
	DefaultStartupDelay         = 5 * time.Second
	DefaultLookbackDays         = 3
	DefaultMaxCatchUpExecutions = 3
	DefaultStaleRunningAfter    = time.Hour

	ReasonCatchUpLimit  = "catch-up limit exceeded"
	ReasonPresumedCrash = "presumed crashed"
)

var ErrAlreadyRunning = errors.New("recovery already running")

type Priority string

const (
	PriorityOldestFirst Priority = "oldest_first"
	PriorityNewestFirst Priority = "newest_first"
)

// ParsePriority accepts the config spelling; empty means oldest_first.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "", PriorityOldestFirst:
		return PriorityOldestFirst, nil
	case PriorityNewestFirst:
		return PriorityNewestFirst, nil
	}
	return "", fmt.Errorf("unknown priority %q (use oldest_first or newest_first)", s)
}

type Options struct {
	StartupDelay         time.Duration
	LookbackDays         int
	MaxCatchUpExecutions int
	Priority             Priority
	// StaleRunningAfter is how long a running intent may go without
	// completing before it is presumed crashed.
	StaleRunningAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		StartupDelay:         DefaultStartupDelay,
		LookbackDays:         DefaultLookbackDays,
		MaxCatchUpExecutions: DefaultMaxCatchUpExecutions,
		Priority:             PriorityOldestFirst,
		StaleRunningAfter:    DefaultStaleRunningAfter,
	}
}

func (o Options) withDefaults() Options {
	if o.StartupDelay < 0 {
		o.StartupDelay = 0
	}
	if o.LookbackDays < 0 {
		o.LookbackDays = 0
	}
	if o.MaxCatchUpExecutions < 0 {
		o.MaxCatchUpExecutions = 0
	}
	if o.Priority != PriorityNewestFirst {
		o.Priority = PriorityOldestFirst
	}
	if o.StaleRunningAfter <= 0 {
		o.StaleRunningAfter = DefaultStaleRunningAfter
	}
	return o
}

// Executor is the part of the scheduler core recovery drives.
type Executor interface {
	Run(ctx context.Context, in intent.ExecutionIntent, trig jobs.Trigger, opts scheduler.RunOptions) scheduler.RunResult
	Owns(in intent.ExecutionIntent) bool
	Backfill(ctx context.Context, since time.Time) int
	ExecutionExists(ctx context.Context, in intent.ExecutionIntent) bool
	Location() *time.Location
}

// Item records what recovery did with one candidate.
type Item struct {
	Key      string            `json:"key"`
	IntentID string            `json:"intent_id"`
	Outcome  scheduler.Outcome `json:"outcome,omitempty"`
	Skipped  bool              `json:"skipped,omitempty"`
	Err      string            `json:"err,omitempty"`
}

// Report is the only output of a recovery pass.
type Report struct {
	Detected        int       `json:"detected"`
	Executed        int       `json:"executed"`
	Skipped         int       `json:"skipped"`
	Failed          int       `json:"failed"`
	PresumedCrashed int       `json:"presumed_crashed"`
	Settled         int       `json:"settled"`
	Backfilled      int       `json:"backfilled"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
	Items           []Item    `json:"items,omitempty"`
}

type Service struct {
	store *intent.Store
	exec  Executor
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu      sync.Mutex
	opts    Options
	running atomic.Bool
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func New(store *intent.Store, exec Executor, opts Options, log logx.Logger, o ...Option) *Service {
	s := &Service{store: store, exec: exec, log: log, now: time.Now, opts: opts.withDefaults()}
	for _, fn := range o {
		fn(s)
	}
	return s
}

func (s *Service) SetOptions(o Options) {
	s.mu.Lock()
	s.opts = o.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// RunAfterDelay waits the startup delay, then runs one pass.
func (s *Service) RunAfterDelay(ctx context.Context) (Report, error) {
	if d := s.Options().StartupDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return Report{}, ctx.Err()
		case <-t.C:
		}
	}
	return s.Run(ctx)
}

// Run executes one recovery pass with the configured options.
func (s *Service) Run(ctx context.Context) (Report, error) {
	return s.RunWith(ctx, s.Options())
}

// RunWith executes one recovery pass with o. Candidates are executed one
// at a time through the scheduler; the pass stops early when ctx ends.
func (s *Service) RunWith(ctx context.Context, o Options) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyRunning
	}
	defer s.running.Store(false)
	o = o.withDefaults()

	now := s.now()
	loc := s.exec.Location()
	rep := Report{Started: now}
	cutoff := lookbackCutoff(now, loc, o.LookbackDays)
	log := s.log.With(logx.String("cutoff", cutoff), logx.String("priority", string(o.Priority)), logx.Int("max", o.MaxCatchUpExecutions))

	if since, err := intent.StartOfDate(cutoff, loc); err == nil {
		rep.Backfilled = s.exec.Backfill(ctx, since)
	}

	candidates := s.settleStaleRunning(ctx, now, cutoff, o, &rep)
	for _, in := range s.store.FindStalePending(ctx, now) {
		if in.IntendedDate < cutoff {
			log.Debug("stale intent beyond lookback left untouched", logx.String("key", in.Key().String()))
			continue
		}
		if !s.exec.Owns(in) {
			log.Warn("stale intent has no configured task; left untouched", logx.String("key", in.Key().String()), logx.String("intent_id", in.ID))
			continue
		}
		candidates = append(candidates, in)
	}
	rep.Detected = len(candidates)
	order(candidates, o.Priority)

	for i, in := range candidates {
		item := Item{Key: in.Key().String(), IntentID: in.ID}
		if ctx.Err() != nil {
			break
		}
		if i >= o.MaxCatchUpExecutions {
			if in.Status == intent.StatusPending {
				if err := s.store.MarkSkipped(ctx, in.ID, ReasonCatchUpLimit); err != nil {
					item.Err = err.Error()
				} else {
					rep.Skipped++
					item.Skipped = true
				}
			}
			rep.Items = append(rep.Items, item)
			continue
		}

		res := s.exec.Run(ctx, in, jobs.TriggerRecovery, scheduler.RunOptions{})
		item.Outcome = res.Outcome
		if res.Err != nil {
			item.Err = res.Err.Error()
		}
		switch res.Outcome {
		case scheduler.OutcomeCompleted, scheduler.OutcomeAlreadyDone, scheduler.OutcomeRetryScheduled:
			rep.Executed++
		case scheduler.OutcomeFailed, scheduler.OutcomeCancelled:
			rep.Executed++
			rep.Failed++
		default:
			rep.Failed++
		}
		rep.Items = append(rep.Items, item)
	}

	rep.Finished = s.now()
	log.Info("recovery finished",
		logx.Int("detected", rep.Detected),
		logx.Int("executed", rep.Executed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Int("presumed_crashed", rep.PresumedCrashed),
		logx.Int("backfilled", rep.Backfilled),
	)
	eventbus.Publish(s.bus, EventReport, rep)
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

// settleStaleRunning resolves running intents left by a dead process: if the
// body can prove the execution happened the intent completes, otherwise it
// fails as presumed crashed and becomes a catch-up candidate.
func (s *Service) settleStaleRunning(ctx context.Context, now time.Time, cutoff string, o Options, rep *Report) []intent.ExecutionIntent {
	var out []intent.ExecutionIntent
	for _, in := range s.store.FindStaleRunning(ctx, now.Add(-o.StaleRunningAfter)) {
		if in.IntendedDate < cutoff || !s.exec.Owns(in) {
			continue
		}
		log := s.log.With(logx.String("key", in.Key().String()), logx.String("intent_id", in.ID))
		if s.exec.ExecutionExists(ctx, in) {
			if err := s.store.MarkCompleted(ctx, in.ID, ""); err != nil {
				log.Warn("stale running intent not settled", logx.Err(err))
				continue
			}
			rep.Settled++
			log.Info("stale running intent completed from execution record", logx.String("execution_id", in.ActualExecutionID))
			continue
		}
		if err := s.store.MarkFailed(ctx, in.ID, ReasonPresumedCrash); err != nil {
			log.Warn("stale running intent not failed", logx.Err(err))
			continue
		}
		rep.PresumedCrashed++
		log.Warn("running intent presumed crashed", logx.Time("started", in.ActualStartedAt))
		in.Status = intent.StatusFailed
		in.ErrorMessage = ReasonPresumedCrash
		out = append(out, in)
	}
	return out
}

func order(in []intent.ExecutionIntent, p Priority) {
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if a.IntendedDate != b.IntendedDate {
			if p == PriorityNewestFirst {
				return a.IntendedDate > b.IntendedDate
			}
			return a.IntendedDate < b.IntendedDate
		}
		if !a.WindowEnd.Equal(b.WindowEnd) {
			return a.WindowEnd.Before(b.WindowEnd)
		}
		if a.SchedulerType != b.SchedulerType {
			return a.SchedulerType < b.SchedulerType
		}
		return a.TaskID < b.TaskID
	})
}

// lookbackCutoff is the oldest intended date recovery still considers.
// Zero lookback days means today only.
func lookbackCutoff(now time.Time, loc *time.Location, days int) string {
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()-days, 0, 0, 0, 0, loc).Format(intent.DateLayout)
}
