// Package notify forwards operator-relevant events (recovery reports,
// terminal failures) to a chat sender.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"intentd/internal/eventbus"
	"intentd/internal/runtime/supervisor"
	logx "intentd/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrDisabled = errors.New("notifier disabled")

const sendTimeout = 10 * time.Second

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec int
	QueueSize  int
	RetryMax   int
	RetryBase  time.Duration
	// OnRetry also reports every scheduled retry, not only terminal failures.
	OnRetry bool
}

// Sender delivers one preformatted message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
	Err  string    `json:"err,omitempty"`
}

// Service subscribes to the bus and sends one message per relevant event.
// A disabled service, or one without a sender, drops everything.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	sup     *supervisor.Supervisor
	unsub   func()

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, sender: sender}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSender swaps the delivery target, e.g. after a token change.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to the bus. It is a no-op when already started or when
// there is no bus.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go0("notify.loop", func(c context.Context) { s.loop(c, ch) })
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("notifier stop timed out", logx.Err(err))
	}
}

func (s *Service) loop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			onRetry := s.cfg.OnRetry
			s.mu.Unlock()
			text := Format(ev, onRetry)
			if text == "" {
				continue
			}
			if err := s.Send(ctx, text); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("notification not delivered", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// Send delivers text, honoring the rate limit and retrying with backoff.
func (s *Service) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	cfg, sender, lim := s.cfg, s.sender, s.limiter
	s.mu.Unlock()
	if !cfg.Enabled || sender == nil {
		return ErrDisabled
	}

	var lastErr error
	delay := cfg.RetryBase
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			delay *= 2
		}
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		lastErr = sender.Send(cctx, text)
		cancel()
		if lastErr == nil {
			break
		}
		s.log.Debug("notify send failed", logx.Int("attempt", attempt+1), logx.Err(lastErr))
	}
	s.appendHistory(text, lastErr)
	return lastErr
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, err error) {
	it := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		it.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}
