package vcs_test

import (
	"context"
	"testing"

	"github.com/capsulecraft/orchestrator/pkg/vcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRepoIsIdempotent(t *testing.T) {
	target := vcs.NewFakeTarget()
	ctx := context.Background()

	first, err := target.CreateRepo(ctx, "todo-app", true)
	require.NoError(t, err)

	second, err := target.CreateRepo(ctx, "todo-app", true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPushCreatesACommit(t *testing.T) {
	target := vcs.NewFakeTarget()
	ctx := context.Background()

	repoID, err := target.CreateRepo(ctx, "todo-app", true)
	require.NoError(t, err)

	files := map[string][]byte{"main.go": []byte("package main\n")}
	sha, err := target.Push(ctx, repoID, files, "initial capsule delivery", "capsule-1|v1|"+repoID)
	require.NoError(t, err)
	assert.NotEmpty(t, sha)
	assert.Equal(t, sha, target.LatestCommit(repoID))
}

func TestPushWithSameIdempotencyKeyDoesNotDuplicateCommit(t *testing.T) {
	target := vcs.NewFakeTarget()
	ctx := context.Background()

	repoID, err := target.CreateRepo(ctx, "todo-app", true)
	require.NoError(t, err)
	files := map[string][]byte{"main.go": []byte("package main\n")}

	first, err := target.Push(ctx, repoID, files, "initial capsule delivery", "capsule-1|v1|"+repoID)
	require.NoError(t, err)

	replayed, err := target.Push(ctx, repoID, files, "initial capsule delivery", "capsule-1|v1|"+repoID)
	require.NoError(t, err)

	assert.Equal(t, first, replayed)
}

func TestPushWithDifferentIdempotencyKeyProducesANewCommit(t *testing.T) {
	target := vcs.NewFakeTarget()
	ctx := context.Background()

	repoID, err := target.CreateRepo(ctx, "todo-app", true)
	require.NoError(t, err)
	files := map[string][]byte{"main.go": []byte("package main\n")}

	first, err := target.Push(ctx, repoID, files, "v1 delivery", "capsule-1|v1|"+repoID)
	require.NoError(t, err)

	second, err := target.Push(ctx, repoID, files, "v2 delivery", "capsule-1|v2|"+repoID)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestPushToUnknownRepoFails(t *testing.T) {
	target := vcs.NewFakeTarget()
	_, err := target.Push(context.Background(), "fake-owner/does-not-exist", map[string][]byte{"a": []byte("b")}, "msg", "key")
	assert.Error(t, err)
}
