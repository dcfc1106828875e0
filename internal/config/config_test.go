package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/intentd.db
scheduler:
  timezone: UTC
  default_window: 2h
retry:
  retry_delay: 5m
  max_retries: 0
recovery:
  lookback_days: 3
  priority: newest_first
families:
  - type: backup
    body: command
    exclusive: true
    state_dir: ./data/backup
    tasks:
      - id: db
        schedule: daily 02:00
        command: ["/usr/local/bin/backup", "db"]
        resource: /mnt/backup
        timeout: 30m
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "intentd.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	require.NotNil(t, cfg.Retry.MaxRetries)
	assert.Equal(t, 0, *cfg.Retry.MaxRetries, "explicit zero survives")
	require.Len(t, cfg.Families, 1)
	f := cfg.Families[0]
	assert.True(t, f.Exclusive)
	require.Len(t, f.Tasks, 1)
	assert.Equal(t, []string{"/usr/local/bin/backup", "db"}, f.Tasks[0].Command)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "intentd.yaml", "scheduler:\n  tz: UTC\n"))
	_, err := m.Load()
	require.Error(t, err)
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "intentd.json", `{"families":[]} {}`))
	_, err := m.Parse()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Base"}}},
		{"bad duration", Config{Retry: RetryConfig{RetryDelay: "soon"}}},
		{"negative retries", Config{Retry: RetryConfig{MaxRetries: &neg}}},
		{"negative lookback", Config{Recovery: RecoveryConfig{LookbackDays: &neg}}},
		{"family without type", Config{Families: []FamilyConfig{{Body: "command"}}}},
		{"duplicate family", Config{Families: []FamilyConfig{{Type: "a", Body: "command"}, {Type: "a", Body: "command"}}}},
		{"family without body", Config{Families: []FamilyConfig{{Type: "a"}}}},
		{"duplicate task", Config{Families: []FamilyConfig{{Type: "a", Body: "command", Tasks: []TaskConfig{
			{ID: "t", Schedule: "1h"}, {ID: "t", Schedule: "2h"},
		}}}}},
		{"task without schedule", Config{Families: []FamilyConfig{{Type: "a", Body: "command", Tasks: []TaskConfig{{ID: "t"}}}}}},
		{"notify without token", Config{Notify: &NotifyConfig{Enabled: true, ChatID: 1}}},
		{"negative workers", Config{Engine: &EngineConfig{Workers: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Validate(&tt.cfg))
		})
	}
	assert.NoError(t, Validate(&Config{}))
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		Families: []FamilyConfig{
			{Type: "backup", Body: "command", Tasks: []TaskConfig{{ID: "db", Schedule: "daily 02:00"}}},
			{Type: "report", Body: "command"},
		},
	}
	next := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Notify:  &NotifyConfig{Enabled: true, Token: "secret", ChatID: 42},
		Families: []FamilyConfig{
			{Type: "backup", Body: "command", Tasks: []TaskConfig{{ID: "db", Schedule: "daily 03:00"}}},
			{Type: "sync", Body: "command"},
			{Type: "report", Body: "command"},
		},
	}
	sections, attrs, fams := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"families", "logging", "notify"}, sections)
	assert.Equal(t, []string{"backup", "sync"}, fams)
	assert.NotEmpty(t, attrs)

	sections, _, fams = SummarizeConfigChange(next, next)
	assert.Empty(t, sections)
	assert.Empty(t, fams)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	p := writeFile(t, "intentd.yaml", "logging:\n  level: info\n")
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })

	sub := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// give the watcher time to register
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(p, []byte("scheduler:\n  timezone: Mars/Base\n"), 0o600))
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte("logging:\n  level: debug\n"), 0o600))

	select {
	case ch := <-sub:
		assert.Equal(t, "debug", ch.New.Logging.Level, "invalid config never published")
		assert.True(t, ch.Has("logging"))
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	<-done
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	d, err := DurationOr("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
	d, err = DurationOr("x", "90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	d, err = ParseDuration("x", "7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)
	_, err = ParseDuration("x", "-1s")
	assert.Error(t, err)
	_, err = ParseDuration("retention.interval", "soon")
	assert.ErrorContains(t, err, "retention.interval")
}

func TestDecodeResolvesAliasesAndRejectsComplexKeys(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("intentd.yaml", []byte(`
families:
  - type: a
    body: command
    tasks: &tasks
      - id: t
        schedule: 1h
  - type: b
    body: command
    tasks: *tasks
`))
	require.NoError(t, err)
	require.Len(t, cfg.Families, 2)
	assert.Equal(t, "t", cfg.Families[1].Tasks[0].ID)

	_, err = Decode("intentd.yaml", []byte("? [a, b]\n: 1\n"))
	assert.ErrorContains(t, err, "line 1")

	_, err = Decode("intentd.yaml", []byte("logging: {}\n---\nlogging: {}\n"))
	assert.Error(t, err)

	cfg, err = Decode("intentd.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Families)
}

func TestReloadValidatesAndFoldsPendingChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "intentd.yaml", "logging:\n  level: info\n")
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ctx := context.Background()

	_, changed, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	require.NoError(t, os.WriteFile(p, []byte("scheduler:\n  timezone: Mars/Base\n"), 0o600))
	_, changed, err = m.Reload(ctx)
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, "info", m.Get().Logging.Level)

	sub := m.Subscribe(1)
	require.NoError(t, os.WriteFile(p, []byte("logging:\n  level: debug\n"), 0o600))
	_, changed, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, os.WriteFile(p, []byte("logging:\n  level: debug\nscheduler:\n  timezone: UTC\n"), 0o600))
	_, _, err = m.Reload(ctx)
	require.NoError(t, err)

	ch := <-sub
	assert.Equal(t, "info", ch.Old.Logging.Level)
	assert.Equal(t, "UTC", ch.New.Scheduler.Timezone)
	assert.True(t, ch.Has("logging"))
	assert.True(t, ch.Has("scheduler"))
	assert.Contains(t, ch.RestartOnly(), "scheduler.timezone")

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
}
