package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/supervisor"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "journal.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RecordsSupervisedTasks(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)

	sup, err := supervisor.New(supervisor.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	sup.SetObserver(j)
	defer sup.Shutdown(time.Second)

	_, err = sup.Spawn("route:text:telegram:1:1", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	_, err = sup.Spawn("route:voice:telegram:1:1", func(ctx context.Context) error {
		return errors.New("transcription failed")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
	require.NoError(t, j.Sync(ctx))

	runs, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byName := make(map[string]Run)
	for _, r := range runs {
		byName[r.Name] = r
	}
	ok := byName["route:text:telegram:1:1"]
	assert.Equal(t, supervisor.StatusOK, ok.Status)
	assert.Empty(t, ok.Error)
	assert.False(t, ok.FinishedAt.IsZero())

	failed := byName["route:voice:telegram:1:1"]
	assert.Equal(t, supervisor.StatusError, failed.Status)
	assert.Equal(t, "transcription failed", failed.Error)
	assert.Contains(t, failed.Describe(), "transcription failed")

	counts, err := j.Counts(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[supervisor.StatusOK])
	assert.Equal(t, 1, counts[supervisor.StatusError])
}

func TestJournal_Prune(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, j.write(record{finished: true, run: Run{
		ID: "old", Name: "old", Status: supervisor.StatusOK, StartedAt: old, FinishedAt: old,
	}}))
	require.NoError(t, j.write(record{run: Run{
		ID: "stuck", Name: "stuck", Status: supervisor.StatusRunning, StartedAt: old,
	}}))
	now := time.Now()
	require.NoError(t, j.write(record{finished: true, run: Run{
		ID: "new", Name: "new", Status: supervisor.StatusOK, StartedAt: now, FinishedAt: now,
	}}))

	n, err := j.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	runs, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"new", "stuck"}, ids)
}

func TestJournal_StartedThenFinishedUpdatesRow(t *testing.T) {
	t.Parallel()
	j := openTestJournal(t)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, j.write(record{run: Run{ID: "a", Name: "task", Status: supervisor.StatusRunning, StartedAt: start}}))
	require.NoError(t, j.write(record{finished: true, run: Run{
		ID: "a", Name: "task", Status: supervisor.StatusCancelled,
		StartedAt: start, FinishedAt: start.Add(time.Second), Duration: time.Second,
	}}))

	runs, err := j.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, supervisor.StatusCancelled, runs[0].Status)
	assert.Equal(t, time.Second, runs[0].Duration)
}

func TestJournal_Config(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{}, nil)
	assert.Error(t, err)

	j, err := Open(Config{Path: ":memory:", PruneSchedule: "not a schedule"}, nil)
	require.NoError(t, err)
	assert.Error(t, j.StartRetention())
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "close is idempotent")
}
