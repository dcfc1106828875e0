package config

import (
	"reflect"
	"sort"
	"strings"

	logx "intentd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the family types whose definition changed (added, removed or edited).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.default_window", strings.TrimSpace(newCfg.Scheduler.DefaultWindow)),
		)
	}

	oE, nE := derefEngine(oldCfg.Engine), derefEngine(newCfg.Engine)
	if (oldCfg.Engine != nil) != (newCfg.Engine != nil) || !reflect.DeepEqual(oE, nE) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", nE.Workers),
			logx.Int("engine.queue_size", nE.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs, logx.String("retry.retry_delay", strings.TrimSpace(newCfg.Retry.RetryDelay)))
		if newCfg.Retry.MaxRetries != nil {
			attrs = append(attrs, logx.Int("retry.max_retries", *newCfg.Retry.MaxRetries))
		}
	}

	if !reflect.DeepEqual(oldCfg.Recovery, newCfg.Recovery) {
		changed = append(changed, "recovery")
		attrs = append(attrs, logx.String("recovery.priority", strings.TrimSpace(newCfg.Recovery.Priority)))
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Int("retention.days", newCfg.Retention.Days),
			logx.String("retention.interval", strings.TrimSpace(newCfg.Retention.Interval)),
		)
	}

	oN, nN := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Int64("notify.chat_id", nN.ChatID),
			logx.Int("notify.rate_per_sec", nN.RatePerSec),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	oD, nD := derefDebug(oldCfg.Debug), derefDebug(newCfg.Debug)
	if !reflect.DeepEqual(oD, nD) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nD.Token) != ""),
		)
	}

	famChanged := diffFamilies(oldCfg.Families, newCfg.Families)
	if len(famChanged) > 0 {
		changed = append(changed, "families")
		attrs = append(attrs,
			logx.Int("families.changed_count", len(famChanged)),
			logx.Int("families.count", len(newCfg.Families)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, famChanged
}

func derefDebug(d *DebugConfig) DebugConfig {
	if d == nil {
		return DebugConfig{}
	}
	return *d
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func diffFamilies(oldF, newF []FamilyConfig) []string {
	index := func(in []FamilyConfig) map[string]uint64 {
		m := make(map[string]uint64, len(in))
		for _, f := range in {
			m[strings.TrimSpace(f.Type)] = hashJSON(f)
		}
		return m
	}
	o, n := index(oldF), index(newF)

	set := map[string]struct{}{}
	for k := range o {
		set[k] = struct{}{}
	}
	for k := range n {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for typ := range set {
		oh, okO := o[typ]
		nh, okN := n[typ]
		if okO != okN || oh != nh {
			out = append(out, typ)
		}
	}
	sort.Strings(out)
	return out
}

// Change describes a committed config reload.
type Change struct {
	Old, New *Config
	// Sections lists the changed top-level sections, sorted.
	Sections []string
	// Families lists the family types added, removed or edited.
	Families []string
	// Fields is a log-safe summary of the new values.
	Fields []logx.Field
}

// Diff summarizes the move from prev to next.
func Diff(prev, next *Config) Change {
	sections, fields, families := SummarizeConfigChange(prev, next)
	return Change{Old: prev, New: next, Sections: sections, Families: families, Fields: fields}
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	i := sort.SearchStrings(c.Sections, section)
	return i < len(c.Sections) && c.Sections[i] == section
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// RestartOnly lists the changed sections that running components cannot
// pick up: the store and clock are bound at startup.
func (c Change) RestartOnly() []string {
	var out []string
	for _, s := range []string{"storage", "systemd"} {
		if c.Has(s) {
			out = append(out, s)
		}
	}
	if c.Old != nil && c.New != nil && strings.TrimSpace(c.Old.Scheduler.Timezone) != strings.TrimSpace(c.New.Scheduler.Timezone) {
		out = append(out, "scheduler.timezone")
	}
	return out
}
