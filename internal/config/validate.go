package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks what can be checked without building components:
// durations, bounds, timezone and family/task identity. Schedules are not
// parsed here; a bad rule disables only its task at runtime.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.default_window", cfg.Scheduler.DefaultWindow},
		{"retry.retry_delay", cfg.Retry.RetryDelay},
		{"retry.resource_release_buffer", cfg.Retry.ResourceReleaseBuffer},
		{"recovery.startup_delay", cfg.Recovery.StartupDelay},
		{"recovery.stale_running_after", cfg.Recovery.StaleRunningAfter},
		{"retention.interval", cfg.Retention.Interval},
	}
	if e := cfg.Engine; e != nil {
		durations = append(durations,
			struct{ path, raw string }{"engine.default_timeout", e.DefaultTimeout},
			struct{ path, raw string }{"engine.max_queue_delay", e.MaxQueueDelay},
		)
		if e.Workers < 0 || e.QueueSize < 0 || e.HistorySize < 0 {
			return fmt.Errorf("engine: workers, queue_size and history_size must be >= 0")
		}
	}
	if n := cfg.Notify; n != nil {
		durations = append(durations, struct{ path, raw string }{"notify.retry_base", n.RetryBase})
		if n.Enabled && (strings.TrimSpace(n.Token) == "" || n.ChatID == 0) {
			return fmt.Errorf("notify: token and chat_id are required when enabled")
		}
	}
	if d := cfg.Debug; d != nil {
		durations = append(durations,
			struct{ path, raw string }{"debug.read_timeout", d.ReadTimeout},
			struct{ path, raw string }{"debug.write_timeout", d.WriteTimeout},
			struct{ path, raw string }{"debug.idle_timeout", d.IdleTimeout},
		)
		if addr := strings.TrimSpace(d.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("debug.addr: %w", err)
			}
		}
	}
	for _, d := range durations {
		if _, err := ParseDuration(d.path, d.raw); err != nil {
			return err
		}
	}
	if p := cfg.Retry.MaxRetries; p != nil && *p < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if p := cfg.Recovery.LookbackDays; p != nil && *p < 0 {
		return fmt.Errorf("recovery.lookback_days must be >= 0")
	}
	if p := cfg.Recovery.MaxCatchUpExecutions; p != nil && *p < 0 {
		return fmt.Errorf("recovery.max_catch_up_executions must be >= 0")
	}
	if cfg.Retention.Days < 0 {
		return fmt.Errorf("retention.days must be >= 0")
	}

	types := map[string]bool{}
	for i, f := range cfg.Families {
		typ := strings.TrimSpace(f.Type)
		if typ == "" {
			return fmt.Errorf("families[%d].type is required", i)
		}
		if types[typ] {
			return fmt.Errorf("families[%d]: duplicate type %q", i, typ)
		}
		types[typ] = true
		if strings.TrimSpace(f.Body) == "" {
			return fmt.Errorf("families[%s].body is required", typ)
		}
		if _, err := ParseDuration("families["+typ+"].window", f.Window); err != nil {
			return err
		}
		ids := map[string]bool{}
		for j, t := range f.Tasks {
			id := strings.TrimSpace(t.ID)
			if id == "" {
				return fmt.Errorf("families[%s].tasks[%d].id is required", typ, j)
			}
			if ids[id] {
				return fmt.Errorf("families[%s]: duplicate task %q", typ, id)
			}
			ids[id] = true
			if strings.TrimSpace(t.Schedule) == "" {
				return fmt.Errorf("families[%s].tasks[%s].schedule is required", typ, id)
			}
			if _, err := ParseDuration("families["+typ+"].tasks["+id+"].timeout", t.Timeout); err != nil {
				return err
			}
		}
	}
	return nil
}
