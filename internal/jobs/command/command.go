// Package command is the reference job body: it runs a configured external
// command per task and records each successful execution on disk.
package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"intentd/internal/intent"
	"intentd/internal/jobs"
	"intentd/internal/task/retry"
	logx "intentd/pkg/logx"
)

// ExitTempFail is the sysexits EX_TEMPFAIL code. A command exiting with it
// is reported as resource contention.
const ExitTempFail = 75

const defaultOutputLimit = 4096

type Task struct {
	Command []string
	Dir     string
	Env     []string
	// Resource names an exclusive resource (device path, mount, ...). Runs of
	// tasks naming the same resource never overlap, across processes too.
	Resource string
}

type Config struct {
	StateDir    string
	Tasks       map[string]Task
	OutputLimit int
}

type Body struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	held map[string]string // lock dir -> execution id
}

var (
	_ jobs.Body              = (*Body)(nil)
	_ jobs.ExecutionChecker  = (*Body)(nil)
	_ jobs.ExecutionIDMinter = (*Body)(nil)
	_ jobs.Resetter          = (*Body)(nil)
)

func New(cfg Config, log logx.Logger) (*Body, error) {
	if strings.TrimSpace(cfg.StateDir) == "" {
		return nil, errors.New("command body: state_dir required")
	}
	for id, t := range cfg.Tasks {
		if len(t.Command) == 0 || strings.TrimSpace(t.Command[0]) == "" {
			return nil, fmt.Errorf("command body: task %q has no command", id)
		}
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = defaultOutputLimit
	}
	return &Body{cfg: cfg, log: log, held: map[string]string{}}, nil
}

func (b *Body) Execute(ctx context.Context, taskID string, ec jobs.ExecContext) jobs.Result {
	t, ok := b.cfg.Tasks[taskID]
	if !ok {
		return jobs.Failed(retry.NoRetry(fmt.Errorf("no command configured for task %q", taskID)))
	}
	// the record is keyed by the id already stored on the intent
	execID := ec.ExecutionID
	if !validExecID.MatchString(execID) {
		execID = b.NewExecutionID()
	}
	log := b.log.With(logx.String("task", taskID), logx.String("execution_id", execID), logx.String("intent_id", ec.IntentID))

	if res := strings.TrimSpace(t.Resource); res != "" {
		dir := b.lockDir(res)
		lock, err := acquireLock(dir, execID)
		if errors.Is(err, errLocked) {
			return jobs.Failed(&intent.ResourceContentionError{Resource: res, Err: err})
		}
		if err != nil {
			return jobs.Failed(err)
		}
		b.hold(dir, execID)
		defer func() {
			b.unhold(dir)
			if err := lock.Release(); err != nil {
				log.Warn("resource lock release failed", logx.String("resource", res), logx.Err(err))
			}
		}()
	}

	cmd := exec.CommandContext(ctx, t.Command[0], t.Command[1:]...)
	cmd.Dir = t.Dir
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Env = append(cmd.Env,
		"INTENTD_SCHEDULER_TYPE="+ec.SchedulerType,
		"INTENTD_TASK_ID="+taskID,
		"INTENTD_INTENT_ID="+ec.IntentID,
		"INTENTD_INTENDED_DATE="+ec.IntendedDate,
		"INTENTD_ATTEMPT="+strconv.Itoa(ec.Attempt),
		"INTENTD_TRIGGER="+string(ec.Trigger),
		"INTENTD_EXECUTION_ID="+execID,
	)
	out := &tailBuffer{limit: b.cfg.OutputLimit}
	cmd.Stdout = out
	cmd.Stderr = out

	started := time.Now()
	log.Debug("command starting", logx.Any("argv", t.Command), logx.String("trigger", string(ec.Trigger)), logx.Int("attempt", ec.Attempt))
	err := cmd.Run()
	dur := time.Since(started)

	if err != nil {
		if ctx.Err() != nil {
			return jobs.Failed(ctx.Err())
		}
		msg := strings.TrimSpace(out.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitTempFail {
			return jobs.Failed(&intent.ResourceContentionError{Resource: t.Resource, Err: withOutput(err, msg)})
		}
		log.Debug("command failed", logx.Duration("dur", dur), logx.Err(err))
		return jobs.Failed(withOutput(err, msg))
	}

	rec := record{
		ExecutionID:   execID,
		IntentID:      ec.IntentID,
		SchedulerType: ec.SchedulerType,
		TaskID:        taskID,
		IntendedDate:  ec.IntendedDate,
		Trigger:       string(ec.Trigger),
		StartedAt:     started.UTC().Format(time.RFC3339Nano),
		FinishedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := writeJSON(b.recordPath(execID), rec); err != nil {
		log.Warn("execution record not written", logx.Err(err))
	}
	log.Info("command completed", logx.Duration("dur", dur))
	return jobs.Succeeded(execID)
}

func (b *Body) NewExecutionID() string { return "cmd-" + uuid.NewString() }

// ExecutionExists reports whether a record for executionID was written.
func (b *Body) ExecutionExists(_ context.Context, executionID string) (bool, error) {
	if !validExecID.MatchString(executionID) {
		return false, nil
	}
	_, err := os.Stat(b.recordPath(executionID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Reset removes lock directories this process owns but no longer holds.
func (b *Body) Reset() {
	entries, err := os.ReadDir(filepath.Join(b.cfg.StateDir, "locks"))
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		dir := filepath.Join(b.cfg.StateDir, "locks", e.Name())
		if _, held := b.held[dir]; held {
			continue
		}
		if owner, ok := readOwner(dir); ok && owner.PID == os.Getpid() {
			if err := (resourceLock{dir: dir}).Release(); err == nil {
				b.log.Info("orphan resource lock removed", logx.String("lock", dir))
			}
		}
	}
}

func (b *Body) hold(dir, execID string) {
	b.mu.Lock()
	b.held[dir] = execID
	b.mu.Unlock()
}

func (b *Body) unhold(dir string) {
	b.mu.Lock()
	delete(b.held, dir)
	b.mu.Unlock()
}

var (
	validExecID = regexp.MustCompile(`^cmd-[0-9a-f-]{36}$`)
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

func (b *Body) lockDir(resource string) string {
	name := strings.Trim(unsafeChars.ReplaceAllString(resource, "_"), "_")
	if name == "" {
		name = "resource"
	}
	return filepath.Join(b.cfg.StateDir, "locks", name+".lock")
}

func (b *Body) recordPath(executionID string) string {
	return filepath.Join(b.cfg.StateDir, "executions", executionID+".json")
}

type record struct {
	ExecutionID   string `json:"execution_id"`
	IntentID      string `json:"intent_id"`
	SchedulerType string `json:"scheduler_type"`
	TaskID        string `json:"task_id"`
	IntendedDate  string `json:"intended_date"`
	Trigger       string `json:"trigger"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at"`
}

func withOutput(err error, out string) error {
	if out == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, out)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
