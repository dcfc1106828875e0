package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "intentd/pkg/logx"
)

const (
	defaultDebounce  = 250 * time.Millisecond
	validateDeadline = 5 * time.Second
)

// ErrWatcherClosed is returned by Watch when fsnotify stops delivering
// events. The caller restarts Watch.
var ErrWatcherClosed = errors.New("config watcher closed")

// Validator checks a parsed config against what the running daemon can
// apply (known body kinds, parsable schedules). A rejected reload leaves the
// committed config in place.
type Validator func(ctx context.Context, cfg *Config) error

// ConfigManager owns the committed config of one file and fans reloads out
// to subscribers as Change values.
type ConfigManager struct {
	path     string
	debounce time.Duration

	mu        sync.RWMutex
	cfg       *Config
	hash      uint64
	log       logx.Logger
	validator Validator

	subMu sync.Mutex
	subs  map[<-chan Change]chan Change
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, debounce: defaultDebounce, subs: map[<-chan Change]chan Change{}}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs the check run by Reload before a config is committed.
func (m *ConfigManager) SetValidator(v Validator) {
	m.mu.Lock()
	m.validator = v
	m.mu.Unlock()
}

// Parse reads and decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, data)
}

// Load parses the file and commits it as the startup config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.hash = cfg, hashJSON(cfg)
	m.mu.Unlock()
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file. A config whose content differs from the
// committed one and passes the validator is committed and published.
// changed is false when the content is identical.
func (m *ConfigManager) Reload(ctx context.Context) (ch Change, changed bool, err error) {
	cfg, err := m.Parse()
	if err != nil {
		return Change{}, false, err
	}
	h := hashJSON(cfg)

	m.mu.RLock()
	old, oldHash, validate := m.cfg, m.hash, m.validator
	m.mu.RUnlock()
	if h != 0 && h == oldHash {
		return Change{}, false, nil
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateDeadline)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return Change{}, false, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.mu.Lock()
	if m.cfg != old {
		// a concurrent reload won; diff against what it committed
		old = m.cfg
	}
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()

	ch = Diff(old, cfg)
	m.publish(ch)
	return ch, true, nil
}

// Subscribe returns a channel of committed changes. A slow subscriber never
// blocks reloads: a pending change is folded into the next one.
func (m *ConfigManager) Subscribe(buffer int) <-chan Change {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	m.subMu.Lock()
	m.subs[ch] = ch
	m.subMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(sub <-chan Change) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subs[sub]; ok {
		delete(m.subs, sub)
		close(ch)
	}
}

func (m *ConfigManager) publish(c Change) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		// full: replace the oldest pending change with one spanning both
		folded := c
		select {
		case prev := <-ch:
			folded = Diff(prev.Old, c.New)
		default:
		}
		select {
		case ch <- folded:
		default:
			m.logger().Warn("config change dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func (m *ConfigManager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Watch reloads the file whenever it changes, until ctx ends. The directory
// is watched because editors replace files instead of writing them. Events
// are debounced so a half-written file is never parsed.
func (m *ConfigManager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	log := m.logger().With(logx.String("path", m.path))
	log.Debug("config watcher started")

	timer := time.NewTimer(m.debounce)
	timer.Stop()
	defer timer.Stop()
	arm := func() { timer.Reset(m.debounce) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return ErrWatcherClosed
			}
			if filepath.Base(ev.Name) == name && ev.Op&^fsnotify.Chmod != 0 {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return ErrWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were lost; the file may have changed
				arm()
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		case <-timer.C:
			ch, changed, err := m.Reload(ctx)
			switch {
			case err != nil:
				log.Warn("config reload failed", logx.Err(err))
			case changed:
				log.Debug("config committed", logx.Any("sections", ch.Sections))
			}
		}
	}
}
