package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"intentd/internal/intent"
	"intentd/internal/jobs"
	"intentd/internal/task/engine"
	logx "intentd/pkg/logx"
)

const (
	// dispatchMargin is added to a task timeout for the engine deadline so
	// the body deadline always fires first.
	dispatchMargin = 30 * time.Second

	maxBackfillPerTask = 1000
)

// Adapter drives one job family: it turns rules into intents, arms a timer
// per task and runs fires through the shared execution path.
type Adapter struct {
	core      *Core
	typ       string
	body      jobs.Body
	exclusive bool
	window    time.Duration
	log       logx.Logger

	// serializes fallback runs of exclusive families.
	excl sync.Mutex

	mu      sync.Mutex
	stopped bool
	tasks   map[string]*taskState
	order   []string
}

type taskState struct {
	def      TaskDef
	rule     ParsedRule
	err      error
	timer    *time.Timer
	ver      uint64
	next     time.Time
	intentID string
}

func newAdapter(c *Core, f Family) (*Adapter, error) {
	typ := strings.TrimSpace(f.Type)
	if typ == "" {
		return nil, errors.New("scheduler type required")
	}
	if f.Body == nil {
		return nil, fmt.Errorf("scheduler type %q: body required", typ)
	}
	if f.Window <= 0 {
		f.Window = DefaultWindow
	}
	a := &Adapter{
		core:      c,
		typ:       typ,
		body:      f.Body,
		exclusive: f.Exclusive,
		window:    f.Window,
		log:       c.log.With(logx.String("scheduler_type", typ)),
		tasks:     make(map[string]*taskState, len(f.Tasks)),
	}
	for _, def := range f.Tasks {
		def.ID = strings.TrimSpace(def.ID)
		if def.ID == "" {
			return nil, fmt.Errorf("scheduler type %q: task id required", typ)
		}
		if _, dup := a.tasks[def.ID]; dup {
			return nil, fmt.Errorf("scheduler type %q: duplicate task %q", typ, def.ID)
		}
		st := &taskState{def: def}
		rule, err := ParseRule(def.Schedule, c.loc)
		if err != nil {
			st.err = &intent.ScheduleComputeError{SchedulerType: typ, TaskID: def.ID, Rule: def.Schedule, Err: err}
			a.log.Error("task disabled: bad schedule", logx.String("task", def.ID), logx.Err(st.err))
		} else {
			st.rule = rule
		}
		a.tasks[def.ID] = st
		a.order = append(a.order, def.ID)
	}
	sort.Strings(a.order)
	return a, nil
}

func (a *Adapter) Type() string { return a.typ }

func (a *Adapter) Window() time.Duration { return a.window }

// Tasks returns the configured task definitions, sorted by id.
func (a *Adapter) Tasks() []TaskDef {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TaskDef, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.tasks[id].def)
	}
	return out
}

func (a *Adapter) task(id string) (TaskDef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tasks[id]
	if !ok {
		return TaskDef{}, false
	}
	return st.def, true
}

func (a *Adapter) armable(st *taskState) bool {
	return !a.stopped && !st.def.Disabled && st.err == nil
}

func (a *Adapter) armAll(ctx context.Context) {
	a.mu.Lock()
	ids := append([]string(nil), a.order...)
	a.mu.Unlock()

	// the window of an occurrence that just fired is still open
	after := a.core.now().Add(-a.window)
	for _, id := range ids {
		a.arm(ctx, id, after, "")
	}
}

// arm declares the intent of the first occurrence after `after` and sets a
// timer for it. Occurrences dated skipDate are folded into the intent that
// already fired for that date. A rule with no further occurrence disables
// the task.
func (a *Adapter) arm(ctx context.Context, id string, after time.Time, skipDate string) {
	loc := a.core.loc
	a.mu.Lock()
	st, ok := a.tasks[id]
	if !ok || !a.armable(st) {
		a.mu.Unlock()
		return
	}
	next := st.rule.Next(after)
	if skipDate != "" && !next.IsZero() && intent.DateOf(next, loc) == skipDate {
		next = st.rule.Next(a.endOfDate(skipDate, next))
	}
	if next.IsZero() {
		st.err = &intent.ScheduleComputeError{SchedulerType: a.typ, TaskID: id, Rule: st.def.Schedule, Err: errors.New("no next occurrence")}
		a.mu.Unlock()
		a.log.Error("task disabled: schedule exhausted", logx.String("task", id), logx.Err(st.err))
		return
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.ver++
	ver := st.ver
	st.next = next
	a.mu.Unlock()

	in, err := a.core.store.Create(ctx, a.typ, id, intent.DateOf(next, loc), a.windowAt(next))
	if err != nil && in.ID == "" {
		a.log.Error("intent declare failed; task not armed", logx.String("task", id), logx.Time("next", next), logx.Err(err))
		return
	}

	delay := next.Sub(a.core.now())
	if delay < 0 {
		delay = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st.ver != ver || a.stopped {
		return
	}
	st.intentID = in.ID
	st.timer = time.AfterFunc(delay, func() { a.fire(id, ver, in) })
	a.log.Debug("task armed", logx.String("task", id), logx.Time("next", next), logx.Duration("in", delay), logx.String("intent_id", in.ID))
}

func (a *Adapter) fire(id string, ver uint64, in intent.ExecutionIntent) {
	a.mu.Lock()
	st, ok := a.tasks[id]
	if !ok || st.ver != ver || a.stopped {
		a.mu.Unlock()
		return
	}
	st.timer = nil
	fired := st.next
	a.mu.Unlock()

	a.dispatch(in, jobs.TriggerLive)

	after := fired
	if lb := a.core.now().Add(-a.window); after.Before(lb) {
		after = lb
	}
	a.arm(a.core.runContext(), id, after, in.IntendedDate)
}

func (a *Adapter) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for _, st := range a.tasks {
		st.ver++
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

func (a *Adapter) windowAt(occ time.Time) intent.Window {
	return intent.Window{Start: occ, End: occ.Add(a.window)}
}

// windowOn is the window of the task's occurrence on date, or of local
// midnight when the rule has none that day.
func (a *Adapter) windowOn(taskID, date string) intent.Window {
	midnight, err := intent.StartOfDate(date, a.core.loc)
	if err != nil {
		return a.windowAt(a.core.now())
	}
	a.mu.Lock()
	st, ok := a.tasks[taskID]
	a.mu.Unlock()
	if ok && st.err == nil && st.rule.Rule != nil {
		if occ := st.rule.Next(midnight.Add(-time.Second)); !occ.IsZero() && intent.DateOf(occ, a.core.loc) == date {
			return a.windowAt(occ)
		}
	}
	return a.windowAt(midnight)
}

// dispatch hands a fire to the engine, or runs it on its own goroutine when
// the engine is not accepting work.
func (a *Adapter) dispatch(in intent.ExecutionIntent, trig jobs.Trigger) {
	c := a.core
	def, _ := a.task(in.TaskID)
	t := engine.Task{
		Name:   in.Key().String(),
		Family: a.typ,
		Run: func(ctx context.Context) error {
			return a.Run(ctx, in, trig, RunOptions{}).Err
		},
	}
	if a.exclusive {
		t.FamilyCap = 1
	}
	if def.Timeout > 0 {
		t.Timeout = def.Timeout + dispatchMargin
	}

	if c.engine != nil {
		err := c.engine.Enqueue(t)
		if err == nil {
			return
		}
		if !engine.IsUnavailable(err) {
			c.reportEnqueueError(t.Name, string(trig), err)
			return
		}
	}
	c.goRun(func(ctx context.Context) {
		if a.exclusive {
			a.excl.Lock()
			defer a.excl.Unlock()
		}
		a.Run(ctx, in, trig, RunOptions{})
	})
}

// Backfill declares an intent for every date after the task's latest intent
// whose first occurrence has a closed window. Tasks that never declared an
// intent have nothing to catch up on.
func (a *Adapter) Backfill(ctx context.Context, since, now time.Time) int {
	a.mu.Lock()
	type item struct {
		id   string
		rule ParsedRule
	}
	var items []item
	for _, id := range a.order {
		st := a.tasks[id]
		if st.def.Disabled || st.err != nil {
			continue
		}
		items = append(items, item{id: id, rule: st.rule})
	}
	a.mu.Unlock()

	n := 0
	for _, it := range items {
		latest, ok := a.core.store.LatestForTask(ctx, a.typ, it.id)
		if !ok {
			continue
		}
		cursor := a.endOfDate(latest.IntendedDate, latest.WindowStart)
		if cursor.Before(since) {
			cursor = since.Add(-time.Second)
		}
		for i := 0; i < maxBackfillPerTask; i++ {
			occ := it.rule.Next(cursor)
			if occ.IsZero() || !occ.Add(a.window).Before(now) {
				break
			}
			_, created, err := a.core.store.Declare(ctx, a.typ, it.id, intent.DateOf(occ, a.core.loc), a.windowAt(occ))
			if err != nil {
				a.log.Warn("backfill declare failed", logx.String("task", it.id), logx.Time("occurrence", occ), logx.Err(err))
				break
			}
			if created {
				n++
			}
			cursor = a.endOfDate(intent.DateOf(occ, a.core.loc), occ)
		}
	}
	return n
}

// endOfDate is the last instant of date, or fallback when date is malformed.
func (a *Adapter) endOfDate(date string, fallback time.Time) time.Time {
	midnight, err := intent.StartOfDate(date, a.core.loc)
	if err != nil {
		return fallback
	}
	return midnight.AddDate(0, 0, 1).Add(-time.Nanosecond)
}

func (a *Adapter) executionExists(ctx context.Context, in intent.ExecutionIntent) bool {
	p, ok := a.body.(jobs.ExecutionChecker)
	if !ok || in.ActualExecutionID == "" {
		return false
	}
	exists, err := p.ExecutionExists(ctx, in.ActualExecutionID)
	if err != nil {
		a.log.Warn("execution lookup failed", logx.String("intent_id", in.ID), logx.String("execution_id", in.ActualExecutionID), logx.Err(err))
		return false
	}
	return exists
}

func (a *Adapter) scheduleInfo() []ScheduleInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(a.order))
	for _, id := range a.order {
		st := a.tasks[id]
		info := ScheduleInfo{
			SchedulerType: a.typ,
			TaskID:        id,
			Schedule:      st.def.Schedule,
			Next:          st.next,
			IntentID:      st.intentID,
			Disabled:      st.def.Disabled || st.err != nil,
		}
		if st.err != nil {
			info.Error = st.err.Error()
		} else if info.Next.IsZero() && !st.def.Disabled {
			// not armed (one-shot process): report what the rule says
			info.Next = st.rule.Next(a.core.now())
		}
		info.RetryPending = a.core.retry.Pending(retryKeyFor(a.typ, id))
		out = append(out, info)
	}
	return out
}
