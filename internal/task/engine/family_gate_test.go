package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyGateCapsAndReleasesOnce(t *testing.T) {
	t.Parallel()
	var g familyGate
	backup := Task{Name: "backup/db/2026-03-09", Family: "backup", FamilyCap: 1}

	leave, ok := g.enter(backup)
	require.True(t, ok)
	_, ok = g.enter(backup)
	assert.False(t, ok, "exclusive family admits one task")

	other := Task{Name: "report/x/2026-03-09", Family: "report", FamilyCap: 1}
	leaveOther, ok := g.enter(other)
	require.True(t, ok, "families never wait on each other")
	leaveOther()

	leave()
	leave()
	assert.Empty(t, g.running)

	l1, ok := g.enter(backup)
	require.True(t, ok)
	wider := backup
	wider.FamilyCap = 2
	l2, ok := g.enter(wider)
	assert.True(t, ok, "a raised cap applies to the next admission")
	l1()
	l2()
}

func TestFamilyGateIgnoresUngatedTasks(t *testing.T) {
	t.Parallel()
	var g familyGate
	leave, ok := g.enter(Task{Name: "free"})
	assert.True(t, ok)
	assert.Nil(t, leave)
}
