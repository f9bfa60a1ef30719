package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votoclaro/electsync/internal/models"
)

var t0 = time.Date(2026, 4, 12, 8, 0, 0, 0, time.UTC)

func constantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

func TestMemoryRejectsSecondRunningRunPerSource(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.InsertRun(ctx, models.SyncRun{ID: "a", Source: "news", Status: models.RunStatusRunning, StartedAt: t0}))
	err := m.InsertRun(ctx, models.SyncRun{ID: "b", Source: "news", Status: models.RunStatusRunning, StartedAt: t0})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, m.InsertRun(ctx, models.SyncRun{ID: "c", Source: "candidates", Status: models.RunStatusRunning, StartedAt: t0}))
}

func TestMemoryFinishedRunIsImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertRun(ctx, models.SyncRun{ID: "a", Source: "news", Status: models.RunStatusRunning, StartedAt: t0}))

	require.NoError(t, m.AddRunCounts(ctx, "a", models.RunCounts{Processed: 2, Created: 1}))
	require.NoError(t, m.FinishRun(ctx, "a", models.RunStatusCompleted, t0.Add(1500*time.Millisecond), nil))

	assert.ErrorIs(t, m.AddRunCounts(ctx, "a", models.RunCounts{Processed: 1}), ErrStateConflict)
	assert.ErrorIs(t, m.FinishRun(ctx, "a", models.RunStatusFailed, t0, nil), ErrStateConflict)
	assert.ErrorIs(t, m.HeartbeatRun(ctx, "a", t0), ErrStateConflict)
	assert.ErrorIs(t, m.AddRunCounts(ctx, "missing", models.RunCounts{}), ErrNotFound)

	run, err := m.GetRun(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, models.RunCounts{Processed: 2, Created: 1}, run.Counts)
	require.NotNil(t, run.DurationMs)
	assert.Equal(t, int64(1500), *run.DurationMs)
}

func TestMemoryUpsertHashTracksChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := models.EntityHashKey{EntityType: "news", EntityID: "https://x.pe/a", Source: "news"}

	got, err := m.GetHash(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.UpsertHash(ctx, key, "h1", t0))
	require.NoError(t, m.UpsertHash(ctx, key, "h1", t0.Add(time.Hour)))

	got, err = m.GetHash(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), got.LastCheckedAt)
	assert.Equal(t, t0, *got.LastChangedAt)

	require.NoError(t, m.UpsertHash(ctx, key, "h2", t0.Add(2*time.Hour)))
	got, err = m.GetHash(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "h2", got.DataHash)
	assert.Equal(t, t0.Add(2*time.Hour), *got.LastChangedAt)
}

func TestMemoryClaimOrderAndConcurrency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i, p := range []int{5, 1, 1} {
		require.NoError(t, m.InsertTask(ctx, models.QueueTask{
			ID:          []string{"t-c", "t-b", "t-a"}[i],
			Source:      "news",
			Priority:    p,
			Status:      models.TaskStatusPending,
			MaxAttempts: 3,
			ScheduledAt: t0,
			CreatedAt:   t0,
		}))
	}
	require.NoError(t, m.InsertTask(ctx, models.QueueTask{
		ID: "t-future", Source: "news", Priority: 0, Status: models.TaskStatusPending,
		MaxAttempts: 3, ScheduledAt: t0.Add(time.Hour), CreatedAt: t0,
	}))

	var wg sync.WaitGroup
	claimed := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := m.ClaimTask(ctx, "", t0)
			if err == nil && task != nil {
				claimed <- task.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := map[string]int{}
	for id := range claimed {
		seen[id]++
	}
	assert.Equal(t, map[string]int{"t-a": 1, "t-b": 1, "t-c": 1}, seen)
}

func TestMemoryFailTaskExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertTask(ctx, models.QueueTask{
		ID: "t", Source: "candidates", Status: models.TaskStatusPending, MaxAttempts: 2, ScheduledAt: t0, CreatedAt: t0,
	}))

	_, err := m.FailTask(ctx, "t", "boom", t0, constantBackoff(time.Minute))
	assert.ErrorIs(t, err, ErrStateConflict, "pending tasks cannot fail")

	_, err = m.ClaimTask(ctx, "candidates", t0)
	require.NoError(t, err)
	task, err := m.FailTask(ctx, "t", "boom", t0, constantBackoff(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, t0.Add(time.Minute), task.ScheduledAt)

	claimed, err := m.ClaimTask(ctx, "", t0)
	require.NoError(t, err)
	assert.Nil(t, claimed, "rescheduled task is not due yet")

	_, err = m.ClaimTask(ctx, "", t0.Add(time.Minute))
	require.NoError(t, err)
	task, err = m.FailTask(ctx, "t", "boom again", t0.Add(time.Minute), constantBackoff(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, 2, task.Attempts)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "boom again", *task.LastError)

	task, err = m.RequeueTask(ctx, "t", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Zero(t, task.Attempts)

	_, err = m.RequeueTask(ctx, "t", t0)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestMemoryInsertCandidatesIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.CandidateInsertHook = func(c models.Candidate) error {
		if c.NameKey == "broken" {
			return errors.New("constraint violated")
		}
		return nil
	}
	baseline := decimal.RequireFromString("50")

	batch := []models.Candidate{
		{ID: "1", FullName: "Ana Torres", NameKey: "ana torres", Cargo: models.CargoSenador, Source: "jne"},
		{ID: "2", FullName: "Broken", NameKey: "broken", Cargo: models.CargoSenador, Source: "jne"},
		{ID: "3", FullName: "Luis Paz", NameKey: "luis paz", Cargo: models.CargoDiputado, Source: "jne"},
	}
	outcomes, seeded, err := m.InsertCandidates(ctx, batch, baseline, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, seeded)
	assert.Equal(t, models.InsertStatusInserted, outcomes[0].Status)
	assert.Equal(t, models.InsertStatusFailed, outcomes[1].Status)
	assert.Error(t, outcomes[1].Err)
	assert.Equal(t, models.InsertStatusInserted, outcomes[2].Status)

	outcomes, seeded, err = m.InsertCandidates(ctx, batch[:1], baseline, t0)
	require.NoError(t, err)
	assert.Zero(t, seeded)
	assert.Equal(t, models.InsertStatusSkipped, outcomes[0].Status)

	scores, err := m.ListScores(ctx, models.CargoSenador)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.True(t, scores[0].Score.Equal(baseline))
}

func TestMemoryTaskStatsGroupsBySource(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i, src := range []string{"news", "news", "candidates"} {
		require.NoError(t, m.InsertTask(ctx, models.QueueTask{
			ID: string(rune('a' + i)), Source: src, Status: models.TaskStatusPending, MaxAttempts: 1, ScheduledAt: t0,
		}))
	}

	stats, err := m.TaskStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "candidates", stats[0].Source)
	assert.Equal(t, 2, stats[1].Counts[models.TaskStatusPending])
}
