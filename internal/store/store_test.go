package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStoreMessageIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	stored, err := db.StoreMessage(ctx, "msg-1", "bob", "alice", "hello")
	require.NoError(t, err)
	assert.True(t, stored)

	storedAgain, err := db.StoreMessage(ctx, "msg-1", "bob", "alice", "hello")
	require.NoError(t, err)
	assert.False(t, storedAgain, "repeated call with the same id must return false")

	count, err := db.GetBacklogCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetPendingMessagesOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := db.StoreMessage(ctx, idFor(i), "bob", "alice", "msg")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	asc, err := db.GetPendingMessages(ctx, "bob", 10, OrderAsc)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, idFor(0), asc[0].ID)

	desc, err := db.GetPendingMessages(ctx, "bob", 10, OrderDesc)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, idFor(2), desc[0].ID)
}

func idFor(i int) string {
	return "msg-" + string(rune('a'+i))
}

func TestMarkProcessedLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.StoreMessage(ctx, "m1", "bob", "alice", "hi")
	require.NoError(t, err)

	require.NoError(t, db.MarkProcessingStarted(ctx, "m1", "bob"))
	require.NoError(t, db.MarkProcessed(ctx, "m1", "bob"))

	pending, err := db.GetPendingMessages(ctx, "bob", 10, OrderAsc)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err := db.GetStats(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
}

func TestPauseAndAutoResume(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	paused, err := db.IsAgentPaused(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, paused)

	resumeAt := time.Now().UTC().Add(-time.Second) // already elapsed
	require.NoError(t, db.Pause(ctx, "bob", "manual", &resumeAt))

	paused, err = db.IsAgentPaused(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, paused)

	resumed, err := db.CheckAutoResume(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, resumed)

	paused, err = db.IsAgentPaused(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestCleanupOldMessages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.StoreMessage(ctx, "m1", "bob", "alice", "hi")
	require.NoError(t, err)
	require.NoError(t, db.MarkProcessingStarted(ctx, "m1", "bob"))
	require.NoError(t, db.MarkProcessed(ctx, "m1", "bob"))

	deleted, err := db.CleanupOldMessages(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}
