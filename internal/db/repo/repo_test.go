package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/lablup/baisched/internal/db"
	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/resourceslot"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	tmpDir := t.TempDir()
	rawDB, err := db.OpenSQLite(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(rawDB, "sqlite3")
	t.Cleanup(func() { _ = sqlxDB.Close() })
	_, err = sqlxDB.Exec(Schema)
	require.NoError(t, err)
	return sqlxDB
}

func TestSessionRepositoryCreateGetListPending(t *testing.T) {
	sqlxDB := openTestDB(t)
	repo := NewSessionRepository(sqlxDB, sqlxDB)
	ctx := context.Background()

	sess := &domain.Session{
		ID:             "sess-1",
		Name:           "train-job",
		Owner:          domain.Scope{Keypair: "kp-1"},
		ResourceGroup:  "default",
		RequestedSlots: resourceslot.New(map[string]int64{"cpu": 2}),
		ClusterMode:    domain.ClusterModeSingleNode,
		ClusterSize:    1,
		Status:         domain.StatusPending,
	}
	require.NoError(t, repo.Create(ctx, sess))

	got, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "train-job", got.Name)
	require.Equal(t, int64(2), got.RequestedSlots["cpu"])
	require.Equal(t, domain.StatusPending, got.Status)
	require.Equal(t, int64(1), got.StatusVersion)

	pending, err := repo.ListPending(ctx, "default")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "sess-1", pending[0].ID)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepositoryListActiveExcludesTerminal(t *testing.T) {
	sqlxDB := openTestDB(t)
	repo := NewSessionRepository(sqlxDB, sqlxDB)
	ctx := context.Background()

	active := &domain.Session{ID: "sess-a", Owner: domain.Scope{Keypair: "kp"}, ResourceGroup: "default", Status: domain.StatusRunning}
	done := &domain.Session{ID: "sess-b", Owner: domain.Scope{Keypair: "kp"}, ResourceGroup: "default", Status: domain.StatusTerminated}
	require.NoError(t, repo.Create(ctx, active))
	require.NoError(t, repo.Create(ctx, done))

	rows, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "sess-a", rows[0].ID)
}

func TestKernelRepositoryCreateAndListBySession(t *testing.T) {
	sqlxDB := openTestDB(t)
	sessions := NewSessionRepository(sqlxDB, sqlxDB)
	kernels := NewKernelRepository(sqlxDB, sqlxDB)
	ctx := context.Background()

	sess := &domain.Session{ID: "sess-1", Owner: domain.Scope{Keypair: "kp"}, ResourceGroup: "default", Status: domain.StatusScheduled}
	require.NoError(t, sessions.Create(ctx, sess))

	agentID := "agent-1"
	k := &domain.Kernel{
		ID:             "kernel-1",
		SessionID:      "sess-1",
		Role:           domain.ClusterRoleMain,
		Index:          0,
		AllocatedSlots: resourceslot.New(map[string]int64{"cpu": 2}),
		AgentID:        &agentID,
		Status:         domain.KernelStatusRunning,
	}
	require.NoError(t, kernels.Create(ctx, k))

	got, err := kernels.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "agent-1", *got[0].AgentID)
	require.Equal(t, int64(2), got[0].AllocatedSlots["cpu"])

	require.NoError(t, kernels.UpdateStatus(ctx, "kernel-1", domain.KernelStatusTerminated, nil, nil))
	got, err = kernels.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, domain.KernelStatusTerminated, got[0].Status)
}

func TestAgentRepositoryUpsertAndListAndMarkLost(t *testing.T) {
	sqlxDB := openTestDB(t)
	repo := NewAgentRepository(sqlxDB, sqlxDB)
	ctx := context.Background()

	agent := domain.Agent{
		ID:            "agent-1",
		ResourceGroup: "default",
		TotalSlots:    resourceslot.New(map[string]int64{"cpu": 8}),
		OccupiedSlots: resourceslot.New(map[string]int64{"cpu": 2}),
		LastHeartbeat: time.Now().Add(-time.Hour),
		Status:        domain.AgentStatusAlive,
	}
	require.NoError(t, repo.Upsert(ctx, agent))

	list, err := repo.ListAgents(ctx, "default")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, int64(8), list[0].TotalSlots["cpu"])

	n, err := repo.MarkLost(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	list, err = repo.ListAgents(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, domain.AgentStatusLost, list[0].Status)
}
