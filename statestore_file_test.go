package conductor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFileTestInstance() *WorkflowInstance {
	return &WorkflowInstance{
		ID:                "wf_testinstance",
		Type:              "new-project",
		StartedAt:         time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		CurrentPhaseIndex: 1,
		CurrentPhase:      "research",
		PhaseDetails: PhaseDetails{
			ProgressPercentage: 40,
			ActiveWorkers:      []string{"researcher"},
			ArtifactsCreated:   2,
			StartedAt:          time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		},
		PhasesCompleted: []PhaseID{"discovery"},
		CanResume:       true,
	}
}

func TestFileStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	// no state yet
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)

	instance := newFileTestInstance()
	require.NoError(t, store.Save(ctx, instance))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, instance, loaded)

	require.NoError(t, store.Delete(ctx))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)

	// deleting again is not an error
	require.NoError(t, store.Delete(ctx))
}

func TestFileStateStoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStateStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{truncated"), 0644))

	_, err = store.Load(ctx)
	require.Error(t, err)
	var oerr *OrchestrationError
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, ErrorKindStateCorruption, oerr.Kind)
}

func TestFileStateStoreCheckpoints(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)
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
	require.False(t, infos[0].Automatic)
	require.True(t, infos[1].Automatic)

	loaded, err := store.LoadCheckpoint(ctx, "older")
	require.NoError(t, err)
	require.Equal(t, older, loaded)

	_, err = store.LoadCheckpoint(ctx, "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")

	require.NoError(t, store.DeleteCheckpoint(ctx, "older"))
	infos, err = store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
}

func TestFileStateStoreSanitizesCheckpointNames(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	checkpoint := newCheckpoint("../escape attempt", TriggerManual, newFileTestInstance(),
		time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveCheckpoint(ctx, checkpoint))

	loaded, err := store.LoadCheckpoint(ctx, "../escape attempt")
	require.NoError(t, err)
	require.Equal(t, checkpoint.Name, loaded.Name)

	// the file landed inside the checkpoints directory
	entries, err := os.ReadDir(filepath.Join(store.DataDir(), "checkpoints"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFileStateStoreArchive(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Archive(ctx, newFileTestInstance(), "reset"))
	require.NoError(t, store.Archive(ctx, newFileTestInstance(), "completed"))

	entries, err := os.ReadDir(filepath.Join(store.DataDir(), "history"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, writeFileAtomic(path, []byte("first")))
	require.NoError(t, writeFileAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMemoryStateStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	instance := newFileTestInstance()

	require.NoError(t, store.Save(ctx, instance))

	// mutations after the save do not leak into the store
	instance.PhaseDetails.ProgressPercentage = 99
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(40), loaded.PhaseDetails.ProgressPercentage)

	// and mutations of a loaded copy do not leak back
	loaded.PhasesCompleted = append(loaded.PhasesCompleted, "research")
	again, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []PhaseID{"discovery"}, again.PhasesCompleted)
}
