package dedup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentd/internal/dedup"
	"intentd/internal/intent"
	"intentd/internal/storage"
	logx "intentd/pkg/logx"
)

func TestHasRunTodayOnlyAfterCompletion(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := intent.NewStore(storage.NewMemory(), logx.Nop(), intent.WithClock(clock))
	g := dedup.New(store, time.UTC, dedup.WithClock(clock))
	ctx := context.Background()

	assert.False(t, g.HasRunToday(ctx, "backup", "db"), "no intent at all")

	in, err := store.Create(ctx, "backup", "db", g.Today(), intent.Window{Start: now, End: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, g.HasRunToday(ctx, "backup", "db"), "pending")

	require.NoError(t, store.MarkRunning(ctx, in.ID, "exec-1"))
	assert.False(t, g.HasRunToday(ctx, "backup", "db"), "running")

	require.NoError(t, store.MarkCompleted(ctx, in.ID, ""))
	assert.True(t, g.HasRunToday(ctx, "backup", "db"))
	assert.False(t, g.HasRunToday(ctx, "backup", "files"))
	assert.False(t, g.HasRunOn(ctx, "backup", "db", "2026-03-09"))
}

func TestFailedRunDoesNotBlock(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := intent.NewStore(storage.NewMemory(), logx.Nop(), intent.WithClock(func() time.Time { return now }))
	g := dedup.New(store, time.UTC)
	ctx := context.Background()

	in, err := store.Create(ctx, "backup", "db", "2026-03-10", intent.Window{Start: now, End: now.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, in.ID, ""))
	require.NoError(t, store.MarkFailed(ctx, in.ID, "exit 1"))

	assert.False(t, g.HasRunOn(ctx, "backup", "db", "2026-03-10"))
}

func TestCaughtUpFailureBlocks(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := intent.NewStore(storage.NewMemory(), logx.Nop(), intent.WithClock(func() time.Time { return now }))
	g := dedup.New(store, time.UTC)
	ctx := context.Background()

	in, err := store.Create(ctx, "backup", "db", "2026-03-10", intent.Window{Start: now, End: now.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, in.ID, "exec-1"))
	require.NoError(t, store.MarkFailed(ctx, in.ID, "presumed crashed"))
	require.NoError(t, store.RecordCatchUp(ctx, in.ID, "exec-2"))

	assert.True(t, g.HasRunOn(ctx, "backup", "db", "2026-03-10"))
	got, ok := store.Get(ctx, in.ID)
	require.True(t, ok)
	assert.Equal(t, intent.StatusFailed, got.Status)
	assert.Equal(t, "presumed crashed", got.ErrorMessage)
}

func TestTodayUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	g := dedup.New(nil, loc, dedup.WithClock(func() time.Time { return now }))
	assert.Equal(t, "2026-03-09", g.Today())
}
