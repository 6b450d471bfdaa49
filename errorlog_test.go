package conductor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestErrorRecord(at time.Time) *ErrorRecord {
	return &ErrorRecord{
		ID:         NewErrorRecordID(),
		Time:       at,
		WorkflowID: "wf_testinstance",
		Phase:      "research",
		Kind:       ErrorKindNetwork,
		Cause:      "connection reset",
		Strategy:   StrategyRetry,
	}
}

func TestFileErrorLoggerUpsert(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := NewFileErrorLogger(dir)

	record := newTestErrorRecord(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, logger.LogError(ctx, record))

	// appending the recovery outcome updates the same incident record
	record.Attempted = true
	record.Recovered = true
	record.Outcome = "retried successfully"
	require.NoError(t, logger.LogError(ctx, record))

	records, err := logger.RecentErrors(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Recovered)
	require.Equal(t, "retried successfully", records[0].Outcome)

	// the append-only line log has both revisions
	data, err := os.ReadFile(filepath.Join(dir, "errors.jsonl"))
	require.NoError(t, err)
	require.Equal(t, 2, countLines(data))
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestFileErrorLoggerOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	logger := NewFileErrorLogger(t.TempDir())

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		record := newTestErrorRecord(base.Add(time.Duration(i) * time.Minute))
		ids = append(ids, record.ID)
		require.NoError(t, logger.LogError(ctx, record))
	}

	records, err := logger.RecentErrors(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, ids[4], records[0].ID)
	require.Equal(t, ids[3], records[1].ID)
	require.Equal(t, ids[2], records[2].ID)
}

func TestFileErrorLoggerEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	logger := NewFileErrorLogger(filepath.Join(t.TempDir(), "does-not-exist-yet"))

	records, err := logger.RecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMemoryErrorLogger(t *testing.T) {
	ctx := context.Background()
	logger := NewMemoryErrorLogger()

	first := newTestErrorRecord(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	second := newTestErrorRecord(time.Date(2025, 6, 1, 9, 1, 0, 0, time.UTC))
	require.NoError(t, logger.LogError(ctx, first))
	require.NoError(t, logger.LogError(ctx, second))

	// upsert keeps insertion order
	first.Outcome = "updated"
	require.NoError(t, logger.LogError(ctx, first))

	records, err := logger.RecentErrors(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, second.ID, records[0].ID)
	require.Equal(t, first.ID, records[1].ID)
	require.Equal(t, "updated", records[1].Outcome)
}
