package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenCreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(dbPath)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestReopenKeepsEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), ActionAddDocument, map[string]any{"doc_id": "a"}))
	require.NoError(t, l.Close())

	l, err = Open(dbPath)
	require.NoError(t, err)
	defer l.Close()

	entries, err := l.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Detail["doc_id"])
}

func TestRecordAndList(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	require.NoError(t, l.Record(ctx, ActionAddDocument, map[string]any{"doc_id": "d1", "file": "a.txt"}))
	require.NoError(t, l.Record(ctx, ActionAddDocument, map[string]any{"doc_id": "d2", "file": "b.txt"}))
	require.NoError(t, l.Record(ctx, ActionDeleteDocument, map[string]any{"doc_id": "d1"}))
	require.NoError(t, l.Record(ctx, ActionExportAll, nil))

	t.Run("newest first", func(t *testing.T) {
		entries, err := l.List(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, ActionExportAll, entries[0].Action)
		assert.Empty(t, entries[0].Detail)
		assert.Equal(t, ActionDeleteDocument, entries[1].Action)
		assert.Equal(t, base.Add(3*time.Minute), entries[1].Timestamp)
	})

	t.Run("filter by action", func(t *testing.T) {
		entries, err := l.List(ctx, ListOptions{Action: ActionAddDocument})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "d2", entries[0].Detail["doc_id"])
		assert.Equal(t, "a.txt", entries[1].Detail["file"])
	})

	t.Run("limit", func(t *testing.T) {
		entries, err := l.List(ctx, ListOptions{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NoError(t, r.Record(context.Background(), ActionAddDocument, nil))
	entries, err := r.List(context.Background(), ListOptions{})
	assert.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, r.Close())
}
