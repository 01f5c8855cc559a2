package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfxkuma/mixir-stack/internal/core/stack"
)

// newTestJournal creates an in-memory journal for testing.
func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func beginTestRun(t *testing.T, j *SQLiteJournal) *stack.Run {
	t.Helper()
	run := stack.NewRun("mixir")
	require.NoError(t, j.BeginRun(context.Background(), run))
	return run
}

// =============================================================================
// Run Tests
// =============================================================================

func TestBeginRun_And_GetRun(t *testing.T) {
	j := newTestJournal(t)
	run := beginTestRun(t, j)

	got, err := j.GetRun(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "mixir", got.Stack)
	assert.Equal(t, stack.RunStarting, got.Status)
	assert.WithinDuration(t, run.StartedAt, got.StartedAt, time.Second)
	assert.Nil(t, got.FinishedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	j := newTestJournal(t)
	_, err := j.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishRun(t *testing.T) {
	j := newTestJournal(t)
	run := beginTestRun(t, j)

	require.NoError(t, j.FinishRun(context.Background(), run.ID, stack.RunStopped))

	got, err := j.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, stack.RunStopped, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestFinishRun_NotFound(t *testing.T) {
	j := newTestJournal(t)
	err := j.FinishRun(context.Background(), "missing", stack.RunStopped)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Transition Tests
// =============================================================================

func TestRecordTransition_MonotonicSeq(t *testing.T) {
	j := newTestJournal(t)
	run := beginTestRun(t, j)

	var last int64
	for _, svc := range []string{"db", "db", "app"} {
		seq, err := j.RecordTransition(context.Background(), &stack.TransitionEvent{
			RunID:   run.ID,
			Service: svc,
			From:    stack.StatePending,
			To:      stack.StateStarting,
		})
		require.NoError(t, err)
		assert.Greater(t, seq, last, "seq must be strictly increasing")
		last = seq
	}
}

func TestListTransitions_OrderedBySeq(t *testing.T) {
	j := newTestJournal(t)
	run := beginTestRun(t, j)

	// Record the realized order of a two-wave start: db first, then app.
	steps := []struct {
		service  string
		from, to stack.ServiceState
	}{
		{"db", stack.StatePending, stack.StateStarting},
		{"db", stack.StateStarting, stack.StateRunning},
		{"app", stack.StatePending, stack.StateStarting},
		{"app", stack.StateStarting, stack.StateRunning},
	}
	for _, s := range steps {
		_, err := j.RecordTransition(context.Background(), &stack.TransitionEvent{
			RunID: run.ID, Service: s.service, From: s.from, To: s.to,
		})
		require.NoError(t, err)
	}

	events, err := j.ListTransitions(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)

	for i, s := range steps {
		assert.Equal(t, s.service, events[i].Service)
		assert.Equal(t, s.from, events[i].From)
		assert.Equal(t, s.to, events[i].To)
	}
	assert.Less(t, events[1].Seq, events[2].Seq,
		"db reached running before app began starting")
}

func TestListTransitions_ScopedToRun(t *testing.T) {
	j := newTestJournal(t)
	run1 := beginTestRun(t, j)
	run2 := beginTestRun(t, j)

	_, err := j.RecordTransition(context.Background(), &stack.TransitionEvent{
		RunID: run1.ID, Service: "db", From: stack.StatePending, To: stack.StateStarting,
	})
	require.NoError(t, err)

	events, err := j.ListTransitions(context.Background(), run2.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// Bootstrap Tests
// =============================================================================

func TestRecordBootstrap_And_HasBootstrapRun(t *testing.T) {
	j := newTestJournal(t)
	run := beginTestRun(t, j)

	has, err := j.HasBootstrapRun(context.Background(), "db-data", "init-mongo.js")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, j.RecordBootstrap(context.Background(), &stack.BootstrapRecord{
		RunID:    run.ID,
		Volume:   "db-data",
		Script:   "init-mongo.js",
		ExitCode: 0,
	}))

	has, err = j.HasBootstrapRun(context.Background(), "db-data", "init-mongo.js")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRecordBootstrap_Duplicate(t *testing.T) {
	j := newTestJournal(t)
	run := beginTestRun(t, j)

	record := &stack.BootstrapRecord{
		RunID: run.ID, Volume: "db-data", Script: "init-mongo.js", ExitCode: 0,
	}
	require.NoError(t, j.RecordBootstrap(context.Background(), record))

	err := j.RecordBootstrap(context.Background(), record)
	assert.ErrorIs(t, err, ErrDuplicateBootstrap)
}

func TestRecordBootstrap_SameScriptDifferentVolume(t *testing.T) {
	j := newTestJournal(t)
	run := beginTestRun(t, j)

	require.NoError(t, j.RecordBootstrap(context.Background(), &stack.BootstrapRecord{
		RunID: run.ID, Volume: "db-data", Script: "seed.sh", ExitCode: 0,
	}))
	require.NoError(t, j.RecordBootstrap(context.Background(), &stack.BootstrapRecord{
		RunID: run.ID, Volume: "cache-data", Script: "seed.sh", ExitCode: 0,
	}))
}

func TestRecordBootstrap_KeepsFailureExitCode(t *testing.T) {
	j := newTestJournal(t)
	run := beginTestRun(t, j)

	// A failed script is still recorded; the freshness gate is consumed by
	// the attempt, not by success.
	require.NoError(t, j.RecordBootstrap(context.Background(), &stack.BootstrapRecord{
		RunID: run.ID, Volume: "db-data", Script: "init-mongo.js", ExitCode: 1,
	}))

	has, err := j.HasBootstrapRun(context.Background(), "db-data", "init-mongo.js")
	require.NoError(t, err)
	assert.True(t, has)
}
