//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// newTestStore spins up a throwaway Postgres via testcontainers-go, the
// same mechanism the teacher's test/database/client.go uses for its
// ent-backed integration tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("agentbus_test"),
		postgres.WithUsername("agentbus"),
		postgres.WithPassword("agentbus"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, Config{DSN: dsn, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "p1", "Build a notes app", map[string]any{"source": "cli"})
	require.NoError(t, err)
	require.Equal(t, JobQueued, job.Status)
	require.Equal(t, stageInitialization, job.Stage)

	fetched, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, fetched.ID)
	require.Equal(t, "Build a notes app", fetched.Requirements)
}

func TestUpdateJobStage_ConflictWhenTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "p1", "req", nil)
	require.NoError(t, err)

	_, err = s.UpdateJobStage(ctx, nil, job.ID, "completed", JobCompleted, nil)
	require.NoError(t, err)

	_, err = s.UpdateJobStage(ctx, nil, job.ID, "prd_generation", JobRunning, nil)
	require.ErrorIs(t, err, ErrConflict)
}

func TestClaimTask_AlreadyClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "p1", "req", nil)
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, nil, job.ID, "prd_generation", "prd", map[string]any{"requirements": "req"})
	require.NoError(t, err)

	_, err = s.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	_, err = s.ClaimTask(ctx, task.ID, "worker-2")
	require.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestFinishTask_IdempotentOnTaskID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "p1", "req", nil)
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, nil, job.ID, "prd_generation", "prd", nil)
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	first, err := s.FinishTask(ctx, task.ID, TaskSucceeded, map[string]any{"content": "v1"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, TaskSucceeded, first.Status)

	second, err := s.FinishTask(ctx, task.ID, TaskSucceeded, map[string]any{"content": "v2"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, first.OutputData, second.OutputData, "a repeated finish_task must be a no-op")
}

func TestArtifacts_LatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "p1", "req", nil)
	require.NoError(t, err)

	_, err = s.UpsertArtifact(ctx, nil, job.ID, "prd", "v1", nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.UpsertArtifact(ctx, nil, job.ID, "prd", "v2", nil)
	require.NoError(t, err)

	latest, err := s.GetLatestArtifact(ctx, job.ID, "prd")
	require.NoError(t, err)
	require.Equal(t, "v2", latest.Content)
}

func TestAddUsage_AccumulatesAndStickilyMarksEstimated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "p1", "req", nil)
	require.NoError(t, err)

	require.NoError(t, s.AddUsage(ctx, job.ID, 100, 50, 0.01, false))
	require.NoError(t, s.AddUsage(ctx, job.ID, 20, 10, 0.002, true))

	usage, err := s.GetUsage(ctx, job.ID)
	require.NoError(t, err)
	require.EqualValues(t, 120, usage.InputTokens)
	require.EqualValues(t, 60, usage.OutputTokens)
	require.EqualValues(t, 2, usage.Calls)
	require.InDelta(t, 0.012, usage.CostUSD, 0.0001)
	require.True(t, usage.Estimated, "one estimated call must keep the counter marked estimated")
}

func TestGetUsage_NoCallsYetReturnsZeroValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "p1", "req", nil)
	require.NoError(t, err)

	usage, err := s.GetUsage(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, usage.JobID)
	require.Zero(t, usage.InputTokens)
	require.False(t, usage.Estimated)
}
