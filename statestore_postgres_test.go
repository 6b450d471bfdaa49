//go:build integration

package conductor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresStore(t *testing.T) *PostgresStateStore {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("conductor_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPostgresStateStore(ctx, db)
	require.NoError(t, err)
	return store
}

func TestPostgresStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)

	instance := newFileTestInstance()
	require.NoError(t, store.Save(ctx, instance))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, instance.ID, loaded.ID)
	require.Equal(t, instance.CurrentPhase, loaded.CurrentPhase)
	require.Equal(t, instance.PhaseDetails.ProgressPercentage, loaded.PhaseDetails.ProgressPercentage)
	require.Equal(t, instance.PhasesCompleted, loaded.PhasesCompleted)

	// saving again upserts the single live row
	instance.PhaseDetails.ProgressPercentage = 75
	require.NoError(t, store.Save(ctx, instance))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(75), loaded.PhaseDetails.ProgressPercentage)

	require.NoError(t, store.Delete(ctx))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestPostgresStateStoreCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)
	instance := newFileTestInstance()

	older := newCheckpoint("older", TriggerPhaseCompletion, instance,
		time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC))
	newer := newCheckpoint("newer", TriggerManual, instance,
		time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveCheckpoint(ctx, older))
	require.NoError(t, store.SaveCheckpoint(ctx, newer))

	infos, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "newer", infos[0].Name)
	require.Equal(t, "older", infos[1].Name)
	require.True(t, infos[1].Automatic)

	loaded, err := store.LoadCheckpoint(ctx, "older")
	require.NoError(t, err)
	require.Equal(t, TriggerPhaseCompletion, loaded.Trigger)
	require.Equal(t, instance.ID, loaded.Snapshot.ID)

	_, err = store.LoadCheckpoint(ctx, "missing")
	require.Error(t, err)

	require.NoError(t, store.DeleteCheckpoint(ctx, "older"))
	infos, err = store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
}

func TestPostgresStateStoreDrivesOrchestrator(t *testing.T) {
	ctx := context.Background()
	store := setupPostgresStore(t)

	o, err := NewOrchestrator(OrchestratorOptions{
		Registry: testRegistry(t),
		Store:    store,
	})
	require.NoError(t, err)

	_, err = o.Start(ctx, "new-project", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, o.CompletePhase(ctx, nil))

	status, err := o.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseID("research"), status.Phase)

	// reset archives into conductor_history and clears the live row
	require.NoError(t, o.ResetWorkflow(ctx))
	_, err = o.Current(ctx)
	require.ErrorIs(t, err, ErrNoActiveWorkflow)
}
