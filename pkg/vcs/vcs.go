// Package vcs implements the VCSTarget collaborator (spec §6): a minimal,
// idempotent surface the Capsule Assembler & Delivery stage (C7) pushes a
// finished capsule through. create_repo and push are both required to be
// idempotent on identical arguments within a window, since C7 retries
// delivery at least once and the workflow engine may replay the same
// activity call after a crash.
package vcs

import "context"

// Target is the contract C7 depends on. Implementations must make both
// methods safe to call twice with the same arguments: create_repo reuses
// an existing, owned repo of the same name instead of erroring, and push
// recognizes a previously-applied (repoID, idempotencyKey) pair and
// returns the prior commit SHA without committing again.
type Target interface {
	// CreateRepo returns the id of a repository named name, creating it
	// if absent. If a repo with that name already exists and is owned by
	// this target's account, its id is reused; otherwise a monotonic
	// numeric suffix is appended until a free (or owned) name is found.
	CreateRepo(ctx context.Context, name string, private bool) (repoID string, err error)

	// Push commits files to repoID in a single commit with the given
	// message, tagged with idempotencyKey so a replayed call with the
	// same key returns the original commit without creating a duplicate.
	// files maps repo-relative path to content.
	Push(ctx context.Context, repoID string, files map[string][]byte, message, idempotencyKey string) (commitSHA string, err error)
}

// Files is a convenience alias matching corekit.Artifact's path->bytes
// shape, so callers can pass an Artifact's Files field directly.
type Files = map[string][]byte
