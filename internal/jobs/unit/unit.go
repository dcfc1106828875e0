// Package unit is a job body that starts a systemd unit over D-Bus and waits
// for its start job to finish. It suits Type=oneshot services: the job
// completes when the service process exits.
package unit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/google/uuid"

	"intentd/internal/intent"
	"intentd/internal/jobs"
	"intentd/internal/task/retry"
	logx "intentd/pkg/logx"
)

// Conn is the part of *dbus.Conn the body uses.
type Conn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	Close()
}

type Dialer func(ctx context.Context) (Conn, error)

// SystemBus dials the system manager.
func SystemBus(ctx context.Context) (Conn, error) {
	c, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return c, nil
}

type Config struct {
	// Units maps task id to unit name. A name without a suffix gets ".service".
	Units map[string]string
	Dial  Dialer
}

type Body struct {
	units map[string]string
	dial  Dialer
	log   logx.Logger

	mu   sync.Mutex
	conn Conn
}

var (
	_ jobs.Body              = (*Body)(nil)
	_ jobs.ExecutionIDMinter = (*Body)(nil)
	_ jobs.Resetter          = (*Body)(nil)
)

func New(cfg Config, log logx.Logger) (*Body, error) {
	units := make(map[string]string, len(cfg.Units))
	for id, u := range cfg.Units {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, fmt.Errorf("unit body: task %q has no unit", id)
		}
		if !strings.Contains(u, ".") {
			u += ".service"
		}
		units[id] = u
	}
	dial := cfg.Dial
	if dial == nil {
		dial = SystemBus
	}
	return &Body{units: units, dial: dial, log: log}, nil
}

func (b *Body) Execute(ctx context.Context, taskID string, ec jobs.ExecContext) jobs.Result {
	name, ok := b.units[taskID]
	if !ok {
		return jobs.Failed(retry.NoRetry(fmt.Errorf("no unit configured for task %q", taskID)))
	}
	conn, err := b.connect(ctx)
	if err != nil {
		return jobs.Failed(err)
	}
	execID := ec.ExecutionID
	if execID == "" {
		execID = b.NewExecutionID()
	}
	log := b.log.With(logx.String("task", taskID), logx.String("unit", name), logx.String("execution_id", execID), logx.String("intent_id", ec.IntentID))

	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		b.drop(conn)
		return jobs.Failed(fmt.Errorf("unit %s: read state: %w", name, err))
	}
	if load, _ := getStringProperty(props, "LoadState"); load == "not-found" {
		return jobs.Failed(retry.NoRetry(fmt.Errorf("unit %s not found", name)))
	}
	switch active, _ := getStringProperty(props, "ActiveState"); active {
	case "activating", "deactivating", "reloading":
		return jobs.Failed(&intent.ResourceContentionError{Resource: name, Err: fmt.Errorf("unit is %s", active)})
	}

	ch := make(chan string, 1)
	started := time.Now()
	log.Debug("unit starting", logx.String("trigger", string(ec.Trigger)), logx.Int("attempt", ec.Attempt))
	if _, err := conn.StartUnitContext(ctx, name, "replace", ch); err != nil {
		return jobs.Failed(fmt.Errorf("failed to start %s: %w", name, err))
	}

	select {
	case <-ctx.Done():
		// the start job keeps running in systemd; only our wait ends
		return jobs.Failed(ctx.Err())
	case res := <-ch:
		dur := time.Since(started)
		if res != "done" {
			log.Debug("unit job failed", logx.String("result", res), logx.Duration("dur", dur))
			return jobs.Failed(fmt.Errorf("unit %s: start job %s", name, res))
		}
		log.Info("unit completed", logx.Duration("dur", dur))
		return jobs.Succeeded(execID)
	}
}

func (b *Body) NewExecutionID() string { return "unit-" + uuid.NewString() }

// Reset drops the bus connection; the next run redials.
func (b *Body) Reset() {
	b.mu.Lock()
	c := b.conn
	b.conn = nil
	b.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (b *Body) connect(ctx context.Context) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	c, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("systemd connection is closed")
	}
	b.conn = c
	return c, nil
}

func (b *Body) drop(c Conn) {
	b.mu.Lock()
	if b.conn == c {
		b.conn = nil
	}
	b.mu.Unlock()
	c.Close()
}

func getStringProperty(props map[string]interface{}, key string) (string, bool) {
	if val, ok := props[key].(string); ok {
		return val, true
	}
	return "", false
}
