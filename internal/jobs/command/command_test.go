package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentd/internal/intent"
	"intentd/internal/jobs"
	"intentd/internal/task/retry"
	logx "intentd/pkg/logx"
)

func newBody(t *testing.T, tasks map[string]Task) *Body {
	t.Helper()
	b, err := New(Config{StateDir: t.TempDir(), Tasks: tasks}, logx.Nop())
	require.NoError(t, err)
	return b
}

func TestExecuteSuccessWritesRecord(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "env.txt")
	b := newBody(t, map[string]Task{
		"db": {Command: []string{"sh", "-c", `printf '%s %s' "$INTENTD_INTENDED_DATE" "$INTENTD_TRIGGER" > "$OUT"`}, Env: []string{"OUT=" + out}},
	})

	res := b.Execute(context.Background(), "db", jobs.ExecContext{IntentID: "i-1", SchedulerType: "backup", IntendedDate: "2026-03-10", Attempt: 1, Trigger: jobs.TriggerLive})
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Regexp(t, `^cmd-`, res.ExecutionID)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10 live", string(got))

	exists, err := b.ExecutionExists(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = b.ExecutionExists(context.Background(), "cmd-00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = b.ExecutionExists(context.Background(), "../../etc/passwd")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExecuteKeysRecordByGivenExecutionID(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "id.txt")
	b := newBody(t, map[string]Task{
		"db": {Command: []string{"sh", "-c", `printf '%s' "$INTENTD_EXECUTION_ID" > "$OUT"`}, Env: []string{"OUT=" + out}},
	})
	id := b.NewExecutionID()

	exists, err := b.ExecutionExists(context.Background(), id)
	require.NoError(t, err)
	require.False(t, exists)

	res := b.Execute(context.Background(), "db", jobs.ExecContext{IntentID: "i-1", ExecutionID: id, IntendedDate: "2026-03-10"})
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, id, res.ExecutionID)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, id, string(got))

	exists, err = b.ExecutionExists(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, exists)

	// a foreign id format is not used as a file name
	res = b.Execute(context.Background(), "db", jobs.ExecContext{ExecutionID: "../x"})
	require.True(t, res.Success)
	assert.Regexp(t, `^cmd-`, res.ExecutionID)
}

func TestExecuteFailureCarriesOutput(t *testing.T) {
	t.Parallel()
	b := newBody(t, map[string]Task{"db": {Command: []string{"sh", "-c", "echo disk full >&2; exit 3"}}})

	res := b.Execute(context.Background(), "db", jobs.ExecContext{})
	require.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "disk full")
	assert.False(t, intent.IsResourceContention(res.Err))
}

func TestExecuteTempFailIsContention(t *testing.T) {
	t.Parallel()
	b := newBody(t, map[string]Task{"flash": {Command: []string{"sh", "-c", "exit 75"}, Resource: "/dev/ttyUSB0"}})

	res := b.Execute(context.Background(), "flash", jobs.ExecContext{})
	require.False(t, res.Success)
	assert.True(t, intent.IsResourceContention(res.Err))
}

func TestExecuteHeldResourceIsContention(t *testing.T) {
	t.Parallel()
	b := newBody(t, map[string]Task{"flash": {Command: []string{"true"}, Resource: "/dev/ttyUSB0"}})

	lock, err := acquireLock(b.lockDir("/dev/ttyUSB0"), "other")
	require.NoError(t, err)

	res := b.Execute(context.Background(), "flash", jobs.ExecContext{})
	require.False(t, res.Success)
	assert.True(t, intent.IsResourceContention(res.Err))

	require.NoError(t, lock.Release())
	res = b.Execute(context.Background(), "flash", jobs.ExecContext{})
	assert.True(t, res.Success, "err: %v", res.Err)

	_, err = os.Stat(b.lockDir("/dev/ttyUSB0"))
	assert.True(t, os.IsNotExist(err), "lock released after the run")
}

func TestExecuteUnknownTaskIsPermanent(t *testing.T) {
	t.Parallel()
	b := newBody(t, nil)
	res := b.Execute(context.Background(), "nope", jobs.ExecContext{})
	assert.True(t, retry.IsNoRetry(res.Err))
}

func TestExecuteCancelled(t *testing.T) {
	t.Parallel()
	b := newBody(t, map[string]Task{"slow": {Command: []string{"sleep", "5"}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := b.Execute(ctx, "slow", jobs.ExecContext{})
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestResetRemovesOrphanLocks(t *testing.T) {
	t.Parallel()
	b := newBody(t, nil)
	dir := b.lockDir("nas")
	_, err := acquireLock(dir, "crashed")
	require.NoError(t, err)

	b.Reset()
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{StateDir: t.TempDir(), Tasks: map[string]Task{"x": {}}}, logx.Nop())
	assert.Error(t, err)
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	t.Parallel()
	tb := &tailBuffer{limit: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "defg", tb.String())
}
