package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"intentd/internal/eventbus"
	rtsup "intentd/internal/runtime/supervisor"
	logx "intentd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

var errWorkerExited = errors.New("worker exited unexpectedly")

// Service is a bounded queue drained by a fixed worker pool. Scheduler
// timers enqueue intent fires here instead of running job bodies on the
// timer goroutine.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cfg Config
	cur *run

	inFlight atomic.Int32
	idSeq    atomic.Uint64
	drops    dropStats

	stateMu sync.Mutex
	states  map[string]*RunState

	gate familyGate

	hmu     sync.Mutex
	history []HistoryItem
}

// run is one Start..Stop lifetime of the worker pool.
type run struct {
	queue   chan queuedTask
	stop    chan struct{}
	stopped chan struct{}
	sup     *rtsup.Supervisor

	// guarded by Service.mu
	stopping bool
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	state      *RunState
	track      bool
}

type dropReason string

const (
	dropQueueFull dropReason = "queue_full"
	dropStale     dropReason = "stale_queue_delay"
	dropStopped   dropReason = "engine_stopped"
)

type dropStats struct {
	queueFull atomic.Uint64
	stale     atomic.Uint64
	stopped   atomic.Uint64

	warnQueueFull rate.Sometimes
	warnStale     rate.Sometimes
}

func (d *dropStats) total() uint64 {
	return d.queueFull.Load() + d.stale.Load() + d.stopped.Load()
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		cfg:    withDefaults(cfg),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
	s.drops.warnQueueFull.Interval = warnThrottleEvery
	s.drops.warnStale.Interval = warnThrottleEvery
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A worker or queue size change restarts the pool;
// tasks still queued at that point are dropped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	live := s.cur != nil && !s.cur.stopping
	s.mu.Unlock()

	switch {
	case !live:
	case !cfg.Enabled:
		s.Stop(ctx)
	case prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is a no-op when disabled or already
// running, and waits out a stop in progress.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.cur != nil {
		prev := s.cur
		if !prev.stopping {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-prev.stopped:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	r := &run{
		queue:   make(chan queuedTask, cfg.QueueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		// a dead worker is restarted; it never takes the daemon down
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "engine")))),
	}
	s.cur = r
	s.inFlight.Store(0)
	s.mu.Unlock()

	for i := range cfg.Workers {
		r.sup.GoRestart(fmt.Sprintf("engine.worker.%d", i), func(c context.Context) error {
			s.worker(c, r)
			select {
			case <-r.stop:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errWorkerExited
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop closes the pool and waits until the workers exit or ctx ends. The
// teardown continues in the background after a timeout.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	first := !r.stopping
	if first {
		r.stopping = true
		close(r.stop)
	}
	s.mu.Unlock()

	if first {
		r.sup.Cancel()
		go func() {
			_ = r.sup.Wait(context.Background())
			s.drain(r.queue)
			s.mu.Lock()
			if s.cur == r {
				s.cur = nil
			}
			s.mu.Unlock()
			close(r.stopped)
		}()
	}

	select {
	case <-r.stopped:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// drain releases the overlap gates of tasks that never ran.
func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			if qt.track {
				qt.state.release()
			}
			s.drops.stopped.Add(1)
			s.publish(EventDropped, qt.task, time.Now(), 0, 0, string(dropStopped))
		default:
			return
		}
	}
}

// Enqueue hands t to the pool without blocking. A full queue drops t with
// ErrQueueFull; a busy overlap gate skips it with ErrOverlapSkip.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("engine: task has no Run")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("engine: task has no Name")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, r := s.cfg, s.cur
	stopping := r != nil && r.stopping
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case r == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}
	track := t.Overlap == OverlapSkipIfRunning
	if track && !st.tryAcquire() {
		s.publish(EventSkipped, t, now, 0, 0, "overlap_skip")
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}

	select {
	case r.queue <- queuedTask{task: t, enqueuedAt: now, timeout: timeout, state: st, track: track}:
		return nil
	default:
		if track {
			st.release()
		}
		s.onQueueFull(now, t, r.queue)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, r := s.cfg, s.cur
	running := r != nil && !r.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.drops.total(),
		DroppedQueueFull: s.drops.queueFull.Load(),
		DroppedStale:     s.drops.stale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          s.History(),
	}
	if r != nil {
		snap.QueueLen, snap.QueueCap = len(r.queue), cap(r.queue)
	}
	return snap
}

// History returns the most recent finished tasks, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// ResetRunStates forgets every overlap gate. Tasks already queued release
// their old state harmlessly.
func (s *Service) ResetRunStates() {
	s.stateMu.Lock()
	n := len(s.states)
	s.states = make(map[string]*RunState)
	s.stateMu.Unlock()
	if n > 0 {
		s.log.Debug("run states reset", logx.Int("count", n))
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if over := len(s.history) - size; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(topic string, t Task, started time.Time, queueDelay, dur time.Duration, errText string) {
	eventbus.Publish(s.bus, topic, TaskEvent{
		ID:         t.ID,
		Name:       t.Name,
		Family:     t.Family,
		Started:    started,
		QueueDelay: queueDelay,
		Duration:   dur,
		Error:      errText,
	})
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	n := s.drops.queueFull.Add(1)
	s.publish(EventDropped, t, now, 0, 0, string(dropQueueFull))
	s.drops.warnQueueFull.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("family", t.Family),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) onStale(now time.Time, t Task, queueDelay time.Duration) {
	n := s.drops.stale.Add(1)
	s.publish(EventDropped, t, now, queueDelay, 0, string(dropStale))
	s.drops.warnStale.Do(func() {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("family", t.Family),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	})
}
