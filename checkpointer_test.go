package conductor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newCheckpointTestManager(t *testing.T, store StateStore, retention int, clock *testClock) *CheckpointManager {
	t.Helper()
	m, err := NewCheckpointManager(CheckpointManagerOptions{
		Store:     store,
		Retention: retention,
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	return m
}

func newCheckpointTestInstance() *WorkflowInstance {
	return &WorkflowInstance{
		ID:                NewInstanceID(),
		Type:              "new-project",
		CurrentPhaseIndex: 1,
		CurrentPhase:      "research",
		PhaseDetails:      PhaseDetails{ProgressPercentage: 40},
		PhasesCompleted:   []PhaseID{"discovery"},
		CanResume:         true,
	}
}

func TestEvaluateTrigger(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), 0)
	m := newCheckpointTestManager(t, NewMemoryStateStore(), 0, clock)
	instance := newCheckpointTestInstance()

	// phase completion wins over everything else
	trigger, ok := m.EvaluateTrigger(instance, true)
	require.True(t, ok)
	require.Equal(t, TriggerPhaseCompletion, trigger)

	// 40 points of progress since the last checkpoint (at 0)
	trigger, ok = m.EvaluateTrigger(instance, false)
	require.True(t, ok)
	require.Equal(t, TriggerProgressMilestone, trigger)

	// under the delta and under the interval: nothing due
	instance.CheckpointMeta.LastProgressAtCheckpoint = 30
	instance.CheckpointMeta.LastCheckpointTime = clock.Now()
	_, ok = m.EvaluateTrigger(instance, false)
	require.False(t, ok)

	// the interval elapses
	clock.Advance(30 * time.Minute)
	trigger, ok = m.EvaluateTrigger(instance, false)
	require.True(t, ok)
	require.Equal(t, TriggerTimeInterval, trigger)

	// no interval trigger before the first checkpoint exists
	instance.CheckpointMeta.LastCheckpointTime = time.Time{}
	instance.CheckpointMeta.LastProgressAtCheckpoint = 30
	_, ok = m.EvaluateTrigger(instance, false)
	require.False(t, ok)
}

func TestSaveUpdatesBookkeeping(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), time.Second)
	store := NewMemoryStateStore()
	m := newCheckpointTestManager(t, store, 0, clock)
	instance := newCheckpointTestInstance()

	checkpoint, err := m.Save(ctx, instance, TriggerPhaseCompletion)
	require.NoError(t, err)
	require.True(t, checkpoint.Automatic())
	require.Contains(t, checkpoint.Name, "auto-phase-completion-")
	require.Equal(t, PhaseID("research"), checkpoint.Phase)
	require.Equal(t, float64(40), checkpoint.ProgressAtCreation)

	require.Equal(t, 1, instance.CheckpointMeta.TotalCheckpoints)
	require.Equal(t, float64(40), instance.CheckpointMeta.LastProgressAtCheckpoint)
	require.Equal(t, checkpoint.CreatedAt, instance.CheckpointMeta.LastCheckpointTime)

	// the snapshot is a deep copy, later mutations do not leak into it
	instance.PhaseDetails.ProgressPercentage = 90
	loaded, err := store.LoadCheckpoint(ctx, checkpoint.Name)
	require.NoError(t, err)
	require.Equal(t, float64(40), loaded.Snapshot.PhaseDetails.ProgressPercentage)
}

func TestPruneKeepsManualCheckpoints(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), time.Second)
	store := NewMemoryStateStore()
	m := newCheckpointTestManager(t, store, 3, clock)
	instance := newCheckpointTestInstance()

	_, err := m.SaveManual(ctx, instance, "milestone-1", "keep me")
	require.NoError(t, err)

	var names []string
	for i := 0; i < 5; i++ {
		checkpoint, err := m.Save(ctx, instance, TriggerProgressMilestone)
		require.NoError(t, err)
		names = append(names, checkpoint.Name)
	}

	infos, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 4)

	// newest first: the three most recent automatic ones, then the manual
	require.Equal(t, names[4], infos[0].Name)
	require.Equal(t, names[3], infos[1].Name)
	require.Equal(t, names[2], infos[2].Name)
	require.Equal(t, "milestone-1", infos[3].Name)
	require.False(t, infos[3].Automatic)
}

func TestRetentionDefault(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), time.Second)
	store := NewMemoryStateStore()
	m := newCheckpointTestManager(t, store, 0, clock)
	instance := newCheckpointTestInstance()

	for i := 0; i < DefaultCheckpointRetention+5; i++ {
		_, err := m.Save(ctx, instance, TriggerTimeInterval)
		require.NoError(t, err)
	}
	infos, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, infos, DefaultCheckpointRetention)
}

func TestRestoreCheckpoint(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), time.Second)
	store := NewMemoryStateStore()
	m := newCheckpointTestManager(t, store, 0, clock)

	instance := newCheckpointTestInstance()
	instance.PhaseDetails.ProgressPercentage = 10
	_, err := m.SaveManual(ctx, instance, "early", "")
	require.NoError(t, err)

	instance.PhaseDetails.ProgressPercentage = 75
	_, err = m.Save(ctx, instance, TriggerProgressMilestone)
	require.NoError(t, err)

	// empty name selects the most recent checkpoint
	restored, checkpoint, err := m.Restore(ctx, "")
	require.NoError(t, err)
	require.Equal(t, TriggerProgressMilestone, checkpoint.Trigger)
	require.Equal(t, float64(75), restored.PhaseDetails.ProgressPercentage)

	restored, checkpoint, err = m.Restore(ctx, "early")
	require.NoError(t, err)
	require.Equal(t, "early", checkpoint.Name)
	require.Equal(t, float64(10), restored.PhaseDetails.ProgressPercentage)

	_, _, err = m.Restore(ctx, "missing")
	require.Error(t, err)
}

func TestRestoreWithoutCheckpoints(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), 0)
	m := newCheckpointTestManager(t, NewMemoryStateStore(), 0, clock)

	_, _, err := m.Restore(ctx, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no checkpoints available")
}

func TestAutoCheckpointNames(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	name := autoCheckpointName(TriggerTimeInterval, at)
	require.Equal(t, fmt.Sprintf("auto-time-interval-%d", at.UnixNano()), name)
}
