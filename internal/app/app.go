package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"intentd/internal/config"
	"intentd/internal/dedup"
	"intentd/internal/eventbus"
	"intentd/internal/intent"
	"intentd/internal/notify"
	"intentd/internal/observability/debughttp"
	"intentd/internal/recovery"
	"intentd/internal/retention"
	"intentd/internal/runtime/supervisor"
	"intentd/internal/storage"
	"intentd/internal/task/engine"
	"intentd/internal/task/retry"
	"intentd/internal/task/scheduler"
	logx "intentd/pkg/logx"
)

// App wires every component around one intent store. The daemon calls
// Start/Stop; one-shot commands use the accessors and Close.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	now  func() time.Time

	store  *intent.Store
	retry  *retry.Coordinator
	engine *engine.Service
	core   *scheduler.Core
	rec    *recovery.Service
	sweep  *retention.Sweeper
	notif  *notify.Service
	debug  *debughttp.Server
	sd     sdNotifier
	bodies *bodyRegistry

	recoveryOn bool
}

type Option func(*App)

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(a *App) {
		if now != nil {
			a.now = now
		}
	}
}

// WithBody registers an additional body kind usable in families[].body.
func WithBody(kind string, f BodyFactory) Option {
	return func(a *App) { a.bodies.register(kind, f) }
}

// WithSender replaces the telegram sender of the notifier.
func WithSender(s notify.Sender) Option {
	return func(a *App) { a.notif.SetSender(s) }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    eventbus.New(),
		now:    time.Now,
		bodies: newBodyRegistry(dataDir(cfg)),
		sd:     sdNotifier{enabled: cfg.Systemd.Notify, log: log.With(logx.String("comp", "systemd"))},
	}

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notify.New(ncfg, nil, log.With(logx.String("comp", "notify")), a.bus)
	a.notif.SetSender(a.telegramSender(ncfg))

	// options may register bodies and replace the clock, so they run before
	// anything is built from the config
	for _, o := range opts {
		o(a)
	}
	if err := a.validate(cfg); err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.store = intent.NewStore(backend, log.With(logx.String("comp", "intents")), intent.WithBus(a.bus), intent.WithClock(a.now))

	loc := scheduler.LoadLocation(cfg.Scheduler.Timezone, a.log)
	guard := dedup.New(a.store, loc, dedup.WithClock(a.now))

	policy, _ := mapRetryPolicy(cfg)
	a.retry = retry.New(policy, log.With(logx.String("comp", "retry")), a.bus)

	ecfg, _ := mapEngineConfig(cfg)
	a.engine = engine.New(ecfg, log.With(logx.String("comp", "engine")), a.bus)

	a.core = scheduler.NewCore(a.store, guard, a.retry, log.With(logx.String("comp", "scheduler")),
		scheduler.WithLocation(loc),
		scheduler.WithClock(a.now),
		scheduler.WithEngine(a.engine),
	)
	fams, err := a.mapFamilies(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	if err := a.core.Apply(fams); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	ropts, enabled, _ := mapRecoveryOptions(cfg)
	a.recoveryOn = enabled
	a.rec = recovery.New(a.store, a.core, ropts, log.With(logx.String("comp", "recovery")),
		recovery.WithClock(a.now), recovery.WithBus(a.bus))

	rcfg, _ := mapRetentionConfig(cfg)
	a.sweep = retention.New(a.store, rcfg, log.With(logx.String("comp", "retention")), retention.WithClock(a.now))

	dcfg, _ := mapDebugConfig(cfg)
	a.debug = debughttp.New(dcfg, a.debugRoutes(), log.With(logx.String("comp", "debug")))

	return a, nil
}

func dataDir(cfg *config.Config) string {
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Path == "" || sc.Path == ":memory:" {
		return filepath.Dir(storage.DefaultPath)
	}
	return filepath.Dir(sc.Path)
}

func (a *App) telegramSender(nc notify.Config) notify.Sender {
	if !nc.Enabled {
		return nil
	}
	tg, err := notify.NewTelegram(nc.Token, nc.ChatID, nc.ThreadID)
	if err != nil {
		a.log.Warn("telegram notifier unavailable", logx.Err(err))
		return nil
	}
	return tg
}

func (a *App) Log() logx.Logger               { return a.log }
func (a *App) Config() *config.Config         { return a.cfgm.Get() }
func (a *App) Store() *intent.Store           { return a.store }
func (a *App) Scheduler() *scheduler.Core     { return a.core }
func (a *App) Recovery() *recovery.Service    { return a.rec }
func (a *App) Retention() *retention.Sweeper  { return a.sweep }
func (a *App) Notifier() *notify.Service      { return a.notif }
func (a *App) Bus() eventbus.Bus              { return a.bus }
func (a *App) Retry() *retry.Coordinator      { return a.retry }
func (a *App) Engine() *engine.Service        { return a.engine }
func (a *App) Debug() *debughttp.Server       { return a.debug }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the daemon up. Timers are armed only after the startup
// recovery pass, so a live fire never races a catch-up for the same date.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return a.validate(cfg) })

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	// the debug listener is optional; a bind failure is logged, not fatal
	_ = a.debug.Start(runCtx)

	a.sup.GoRestart("retention.sweep", a.sweep.Run,
		supervisor.WithRestartBackoff(time.Second, time.Minute))

	a.sup.Go("scheduler.startup", func(c context.Context) error {
		return a.startScheduling(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go0("systemd.watchdog", a.sd.watchdog)

	a.log.Info("app started", logx.Bool("recovery", a.recoveryOn), logx.Int("families", len(a.core.Types())))
	return nil
}

func (a *App) startScheduling(ctx context.Context) error {
	if a.recoveryOn {
		rep, err := a.rec.RunAfterDelay(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// recovery failing must not keep live schedules from running
			a.log.Error("startup recovery failed", logx.Err(err))
		} else {
			a.log.Debug("startup recovery report", logx.Any("report", rep))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	a.core.Start(ctx)
	a.sd.ready()
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.core.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.Close()
}

// Close releases the store and log outputs. Pending retries are cancelled.
func (a *App) Close() error {
	a.retry.ClearAll()
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
