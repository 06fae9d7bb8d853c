package memory_test

import (
	"context"
	"testing"

	"github.com/capsulecraft/orchestrator/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreSearchIsEmptyBeforeAnyRecord(t *testing.T) {
	store := memory.NewInMemoryStore()
	matches, err := store.Search(context.Background(), "scaffold a REST service", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestInMemoryStoreRecordThenSearchFindsSimilarRequest(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()

	err := store.Record(ctx, "scaffold a REST service for inventory management", memory.Outcome{
		RequestID: "req-1",
		Succeeded: true,
		TaskKinds: []string{"scaffold", "codegen", "test"},
	})
	require.NoError(t, err)

	matches, err := store.Search(ctx, "scaffold a REST service for order management", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "req-1", matches[0].Template.RequestID)
	assert.Greater(t, matches[0].Score, 0.0)
}

func TestInMemoryStoreSearchExcludesFailedOutcomes(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()

	err := store.Record(ctx, "scaffold a gRPC service for billing", memory.Outcome{
		RequestID: "req-failed",
		Succeeded: false,
		TaskKinds: []string{"scaffold"},
	})
	require.NoError(t, err)

	matches, err := store.Search(ctx, "scaffold a gRPC service for billing", 5)
	require.NoError(t, err)
	assert.Empty(t, matches, "a failed outcome must never be surfaced as a prior")
}

func TestInMemoryStoreSearchRanksByOverlapAndRespectsK(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "add a REST endpoint that lists inventory items", memory.Outcome{
		RequestID: "req-close", Succeeded: true, TaskKinds: []string{"codegen"},
	}))
	require.NoError(t, store.Record(ctx, "write documentation for the billing system", memory.Outcome{
		RequestID: "req-far", Succeeded: true, TaskKinds: []string{"docs"},
	}))

	matches, err := store.Search(ctx, "add a REST endpoint that lists inventory", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "req-close", matches[0].Template.RequestID)
}

func TestInMemoryStoreSearchWithUnrelatedQueryIsEmpty(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "scaffold a REST service for inventory", memory.Outcome{
		RequestID: "req-1", Succeeded: true, TaskKinds: []string{"scaffold"},
	}))

	matches, err := store.Search(ctx, "xyzzy plugh qux", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
