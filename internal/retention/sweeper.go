// Package retention deletes terminal intents past their retention period.
package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"intentd/internal/intent"
	logx "intentd/pkg/logx"
)

const (
	DefaultRetentionDays = 30
	DefaultInterval      = 24 * time.Hour
)

type Config struct {
	RetentionDays int
	Interval      time.Duration
	// RunOnStart sweeps once as soon as Run starts instead of waiting a
	// full interval.
	RunOnStart bool
}

func (c Config) withDefaults() Config {
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Deleter is the write the sweeper needs from the intent store.
type Deleter interface {
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sweeper struct {
	store Deleter
	log   logx.Logger
	now   func() time.Time

	mu      sync.Mutex
	cfg     Config
	changed chan struct{}
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store Deleter, cfg Config, log logx.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{store: store, log: log, now: time.Now, cfg: cfg.withDefaults(), changed: make(chan struct{}, 1)}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Deleter = (*intent.Store)(nil)

// Apply swaps the config. A running loop picks up a new interval at once.
func (s *Sweeper) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Sweeper) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Sweep deletes with the configured retention.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	return s.Cleanup(ctx, s.Config().RetentionDays)
}

// Cleanup deletes completed, failed and skipped intents created more than
// retentionDays ago. Pending and running intents are never touched.
func (s *Sweeper) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, errors.New("retention days must be > 0")
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	n, err := s.store.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Warn("retention sweep failed; retrying next interval", logx.Int("days", retentionDays), logx.Err(err))
		return 0, err
	}
	if n > 0 {
		s.log.Info("retention sweep", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	} else {
		s.log.Debug("retention sweep: nothing to delete", logx.Time("cutoff", cutoff))
	}
	return n, nil
}

// Run sweeps every interval until ctx ends. Sweep errors never stop it.
func (s *Sweeper) Run(ctx context.Context) error {
	cfg := s.Config()
	if cfg.RunOnStart {
		_, _ = s.Sweep(ctx)
	}
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.changed:
			t.Reset(s.Config().Interval)
		case <-t.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
