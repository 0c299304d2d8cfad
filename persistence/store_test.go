package persistence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/iterflow/types"
)

func sampleContext() *types.TaskContext {
	tc := types.NewTaskContext("summarize the quarterly report")
	tc.Subtasks = []*types.SubTask{
		{ID: 1, Description: "collect figures", Recipient: "worker", Status: types.TaskStatusCompleted, Result: "done"},
		{ID: 2, Description: "draft summary", Recipient: "worker", Dependencies: []int{1}, Status: types.TaskStatusPending},
	}
	tc.Progress.Append("task 1 completed")
	tc.Archive("draft v1", types.Evaluation{Score: 6, Suggestions: []string{"tighten the intro"}})
	return tc
}

func assertRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	original := sampleContext()
	require.NoError(t, store.Save(ctx, "sess-1", original))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, original.OriginalRequest, loaded.OriginalRequest)
	assert.Equal(t, 2, loaded.CurrentIteration)
	require.Len(t, loaded.Subtasks, 2)
	assert.Equal(t, types.TaskStatusCompleted, loaded.Subtasks[0].Status)
	assert.Equal(t, []int{1}, loaded.Subtasks[1].Dependencies)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, 6, loaded.History[0].Evaluation.Score)

	// Progress log must be usable after a restore.
	require.NotNil(t, loaded.Progress)
	assert.Equal(t, []string{"task 1 completed"}, loaded.Progress.Lines())
	loaded.Progress.Append("resumed")
	assert.Len(t, loaded.Progress.Lines(), 2)

	require.NoError(t, store.Delete(ctx, "sess-1"))
	_, err = store.Load(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent session is not an error.
	assert.NoError(t, store.Delete(ctx, "sess-1"))
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	assertRoundTrip(t, store)
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())
	err := store.Save(context.Background(), "sess", sampleContext())
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	assertRoundTrip(t, store)
}

func TestFileStore_RequiresBaseDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:")
	defer store.Close()
	assertRoundTrip(t, store)
}

func TestNewStore_DefaultsToMemory(t *testing.T) {
	store, err := NewStore(Config{})
	require.NoError(t, err)
	defer store.Close()
	_, ok := store.(*MemoryStore)
	assert.True(t, ok)
}

func TestNewStore_UnknownType(t *testing.T) {
	_, err := NewStore(Config{Type: "cassandra"})
	assert.Error(t, err)
}
