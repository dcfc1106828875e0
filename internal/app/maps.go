package app

import (
	"fmt"
	"strings"
	"time"

	"intentd/internal/config"
	"intentd/internal/notify"
	"intentd/internal/observability/debughttp"
	"intentd/internal/recovery"
	"intentd/internal/retention"
	"intentd/internal/storage"
	"intentd/internal/task/engine"
	"intentd/internal/task/retry"
	"intentd/internal/task/scheduler"
	logx "intentd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, storage.DefaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = storage.DefaultPath
	}
	return storage.Config{Driver: strings.TrimSpace(sc.Driver), Path: path, BusyTimeout: busy}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := engine.Config{Enabled: true, Workers: 2, QueueSize: 256, HistorySize: 200}
	e := cfg.Engine
	if e == nil {
		return ec, nil
	}
	if e.Enabled != nil {
		ec.Enabled = *e.Enabled
	}
	if e.Workers > 0 {
		ec.Workers = e.Workers
	}
	if e.QueueSize > 0 {
		ec.QueueSize = e.QueueSize
	}
	if e.HistorySize > 0 {
		ec.HistorySize = e.HistorySize
	}
	var err error
	if ec.DefaultTimeout, err = config.ParseDuration("engine.default_timeout", e.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if ec.MaxQueueDelay, err = config.ParseDuration("engine.max_queue_delay", e.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return ec, nil
}

func mapRetryPolicy(cfg *config.Config) (retry.Policy, error) {
	p := retry.DefaultPolicy()
	rc := cfg.Retry
	var err error
	if p.RetryDelay, err = config.DurationOr("retry.retry_delay", rc.RetryDelay, p.RetryDelay); err != nil {
		return retry.Policy{}, err
	}
	if p.ResourceReleaseBuffer, err = config.DurationOr("retry.resource_release_buffer", rc.ResourceReleaseBuffer, p.ResourceReleaseBuffer); err != nil {
		return retry.Policy{}, err
	}
	if rc.MaxRetries != nil {
		p.MaxRetries = *rc.MaxRetries
	}
	return p, nil
}

// mapRecoveryOptions also reports whether the startup pass is enabled.
func mapRecoveryOptions(cfg *config.Config) (recovery.Options, bool, error) {
	o := recovery.DefaultOptions()
	rc := cfg.Recovery
	enabled := rc.Enabled == nil || *rc.Enabled
	var err error
	if strings.TrimSpace(rc.StartupDelay) != "" {
		// an explicit "0s" means no delay
		if o.StartupDelay, err = config.ParseDuration("recovery.startup_delay", rc.StartupDelay); err != nil {
			return recovery.Options{}, false, err
		}
	}
	if o.StaleRunningAfter, err = config.DurationOr("recovery.stale_running_after", rc.StaleRunningAfter, o.StaleRunningAfter); err != nil {
		return recovery.Options{}, false, err
	}
	if rc.LookbackDays != nil {
		o.LookbackDays = *rc.LookbackDays
	}
	if rc.MaxCatchUpExecutions != nil {
		o.MaxCatchUpExecutions = *rc.MaxCatchUpExecutions
	}
	if o.Priority, err = recovery.ParsePriority(rc.Priority); err != nil {
		return recovery.Options{}, false, fmt.Errorf("recovery.priority: %w", err)
	}
	return o, enabled, nil
}

func mapRetentionConfig(cfg *config.Config) (retention.Config, error) {
	interval, err := config.DurationOr("retention.interval", cfg.Retention.Interval, retention.DefaultInterval)
	if err != nil {
		return retention.Config{}, err
	}
	return retention.Config{
		RetentionDays: cfg.Retention.Days,
		Interval:      interval,
		RunOnStart:    cfg.Retention.RunOnStart,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notify
	if n == nil {
		return notify.Config{}, nil
	}
	base, err := config.ParseDuration("notify.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:    n.Enabled,
		Token:      strings.TrimSpace(n.Token),
		ChatID:     n.ChatID,
		ThreadID:   n.ThreadID,
		RatePerSec: n.RatePerSec,
		QueueSize:  n.QueueSize,
		RetryMax:   n.RetryMax,
		RetryBase:  base,
		OnRetry:    n.OnRetry,
	}, nil
}

// mapFamilies builds scheduler families, constructing one body per family.
func (a *App) mapFamilies(cfg *config.Config) ([]scheduler.Family, error) {
	defWindow, err := config.DurationOr("scheduler.default_window", cfg.Scheduler.DefaultWindow, scheduler.DefaultWindow)
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.Family, 0, len(cfg.Families))
	for _, fc := range cfg.Families {
		typ := strings.TrimSpace(fc.Type)
		window, err := config.DurationOr("families["+typ+"].window", fc.Window, defWindow)
		if err != nil {
			return nil, err
		}
		body, err := a.bodies.build(fc, a.log.With(logx.String("comp", "body"), logx.String("scheduler_type", typ)))
		if err != nil {
			return nil, fmt.Errorf("families[%s]: %w", typ, err)
		}
		f := scheduler.Family{Type: typ, Body: body, Exclusive: fc.Exclusive, Window: window}
		for _, tc := range fc.Tasks {
			timeout, err := config.ParseDuration("families["+typ+"].tasks["+tc.ID+"].timeout", tc.Timeout)
			if err != nil {
				return nil, err
			}
			f.Tasks = append(f.Tasks, scheduler.TaskDef{
				ID:       strings.TrimSpace(tc.ID),
				Schedule: tc.Schedule,
				Timeout:  timeout,
				Disabled: tc.Disabled,
			})
		}
		out = append(out, f)
	}
	return out, nil
}

// validate runs every mapping so a hot reload is rejected before commit.
func (a *App) validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetryPolicy(cfg); err != nil {
		return err
	}
	if _, _, err := mapRecoveryOptions(cfg); err != nil {
		return err
	}
	if _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	for _, fc := range cfg.Families {
		if err := a.bodies.check(fc); err != nil {
			return fmt.Errorf("families[%s]: %w", fc.Type, err)
		}
	}
	return nil
}

func mapDebugConfig(cfg *config.Config) (debughttp.Config, error) {
	d := cfg.Debug
	if d == nil {
		return debughttp.Config{}, nil
	}
	dc := debughttp.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
	var err error
	if dc.ReadTimeout, err = config.DurationOr("debug.read_timeout", d.ReadTimeout, 10*time.Second); err != nil {
		return debughttp.Config{}, err
	}
	// profile and trace stream for their ?seconds= duration
	if dc.WriteTimeout, err = config.DurationOr("debug.write_timeout", d.WriteTimeout, 2*time.Minute); err != nil {
		return debughttp.Config{}, err
	}
	if dc.IdleTimeout, err = config.DurationOr("debug.idle_timeout", d.IdleTimeout, time.Minute); err != nil {
		return debughttp.Config{}, err
	}
	return dc, nil
}
