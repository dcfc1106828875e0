package app

import (
	"context"
	"strings"
	"time"

	"intentd/internal/config"
	logx "intentd/pkg/logx"
)

// reloadLoop applies published changes. A burst is folded against the
// last applied config so no section is missed.
func (a *App) reloadLoop(ctx context.Context, sub <-chan config.Change) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-sub:
			if !ok {
				return
			}
			next := ch.New
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer.New != nil {
						next = newer.New
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyChange(ctx, config.Diff(lastApplied, next))
			lastApplied = next
		}
	}
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	a.applyChange(ctx, config.Diff(prev, cfg))
}

func (a *App) applyChange(ctx context.Context, ch config.Change) {
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	prev, cfg := ch.Old, ch.New
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)

	for _, what := range ch.RestartOnly() {
		a.log.Warn(what + " changed; restart required for changes to take effect")
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(cfg))
	}

	if ch.Has("engine") {
		a.applyEngine(ctx, cfg)
	}

	if ch.Has("retry") {
		if p, err := mapRetryPolicy(cfg); err != nil {
			a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
		} else {
			a.retry.SetPolicy(p)
		}
	}

	if ch.Has("recovery") {
		if o, enabled, err := mapRecoveryOptions(cfg); err != nil {
			a.log.Warn("invalid recovery config; keeping previous", logx.Err(err))
		} else {
			// the enabled flag only matters for the next startup pass
			a.rec.SetOptions(o)
			a.recoveryOn = enabled
		}
	}

	if ch.Has("retention") {
		if rc, err := mapRetentionConfig(cfg); err != nil {
			a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		} else {
			a.sweep.Apply(rc)
		}
	}

	if ch.Has("notify") {
		a.applyNotify(ctx, prev, cfg)
	}

	if ch.Has("debug") {
		if dc, err := mapDebugConfig(cfg); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Apply(ctx, dc)
		}
	}

	if ch.Has("families") || ch.Has("scheduler") {
		fams, err := a.mapFamilies(cfg)
		if err == nil {
			err = a.core.Apply(fams)
		}
		if err != nil {
			a.log.Warn("invalid families config; keeping previous", logx.Err(err))
		} else if len(ch.Families) > 0 {
			a.log.Debug("families changed", logx.Any("types", ch.Families))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyEngine(ctx context.Context, cfg *config.Config) {
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.engine.Enabled()
	a.engine.Apply(ctx, ec)
	switch {
	case wasEnabled && !ec.Enabled:
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	case !wasEnabled && ec.Enabled:
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
}

func (a *App) applyNotify(ctx context.Context, prev, cfg *config.Config) {
	nc, err := mapNotifyConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()

	var old config.NotifyConfig
	if prev != nil && prev.Notify != nil {
		old = *prev.Notify
	}
	if nc.Enabled && (old.Token != nc.Token || old.ChatID != nc.ChatID || old.ThreadID != nc.ThreadID || !old.Enabled) {
		a.notif.SetSender(a.telegramSender(nc))
	}
	a.notif.Apply(nc)

	switch now := a.notif.Enabled(); {
	case wasEnabled && !now:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && now:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}
