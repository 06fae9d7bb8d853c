package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedTime(unixSeconds int64) time.Time {
	return time.Unix(unixSeconds, 0).UTC()
}

func TestInMemoryStorePutGetRoundTrip(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, store.KindCapsule, "cap-1", []byte("payload")))

	got, err := s.Get(ctx, store.KindCapsule, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestInMemoryStoreGetMissingReturnsErrNotFound(t *testing.T) {
	s := store.NewInMemoryStore()
	_, err := s.Get(context.Background(), store.KindCapsule, "absent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInMemoryStoreAppendEventAssignsIncreasingSeq(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, "wf-1", store.Event{Type: "planned"}))
	require.NoError(t, s.AppendEvent(ctx, "wf-1", store.Event{Type: "running"}))
	require.NoError(t, s.AppendEvent(ctx, "wf-1", store.Event{Type: "delivered"}))

	history, err := s.LoadHistory(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{history[0].Seq, history[1].Seq, history[2].Seq})
	assert.Equal(t, "planned", history[0].Type)
	assert.Equal(t, "delivered", history[2].Type)
	for _, e := range history {
		assert.Equal(t, "wf-1", e.WorkflowID)
	}
}

func TestInMemoryStoreLoadHistoryForUnknownWorkflowIsEmpty(t *testing.T) {
	s := store.NewInMemoryStore()
	history, err := s.LoadHistory(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestExecutionStoreStoreAndGetRoundTrip(t *testing.T) {
	es := store.NewExecutionStore(store.NewInMemoryStorageProvider(), store.ExecutionStoreConfig{})
	ctx := context.Background()

	exec := &store.StoredExecution{
		WorkflowID:      "wf-1",
		TraceID:         "trace-1",
		OriginalRequest: "build a todo app",
		TaskIDs:         []string{"wf-1-000-scaffold", "wf-1-001-codegen"},
		TaskStatuses:    map[string]string{"wf-1-000-scaffold": "validated", "wf-1-001-codegen": "failed"},
		Success:         false,
	}
	require.NoError(t, es.Store(ctx, exec))

	got, err := es.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "build a todo app", got.OriginalRequest)

	byTrace, err := es.GetByTraceID(ctx, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", byTrace.WorkflowID)
}

func TestExecutionStoreListRecentOrdersNewestFirstAndCountsFailures(t *testing.T) {
	es := store.NewExecutionStore(store.NewInMemoryStorageProvider(), store.ExecutionStoreConfig{})
	ctx := context.Background()

	base := int64(1000)
	for i, id := range []string{"wf-a", "wf-b", "wf-c"} {
		require.NoError(t, es.Store(ctx, &store.StoredExecution{
			WorkflowID:   id,
			TaskStatuses: map[string]string{"t1": "failed"},
			CreatedAt:    fixedTime(base + int64(i)),
		}))
	}

	summaries, err := es.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, "wf-c", summaries[0].WorkflowID)
	assert.Equal(t, "wf-a", summaries[2].WorkflowID)
	assert.Equal(t, 1, summaries[0].FailedTasks)
}

func TestExecutionStoreSetMetadataMergesIntoExistingRecord(t *testing.T) {
	es := store.NewExecutionStore(store.NewInMemoryStorageProvider(), store.ExecutionStoreConfig{})
	ctx := context.Background()
	require.NoError(t, es.Store(ctx, &store.StoredExecution{WorkflowID: "wf-1"}))

	require.NoError(t, es.SetMetadata(ctx, "wf-1", "reviewed_by", "alice"))

	got, err := es.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Metadata["reviewed_by"])
}
