// Package store implements the two persistence collaborators the
// orchestration core depends on.
//
// Store is the system of record: capsules, cached task results, and
// provider budgets are simple (kind, id) -> bytes blobs, while each
// workflow also gets an append-only, totally-ordered event log the
// workflow engine replays on restart. RedisStore is the production
// backend; InMemoryStore gives tests and single-process dev runs the
// same interface without a live Redis.
//
// ExecutionStore is a second, independent, optional collaborator: a
// denormalized snapshot of each workflow's task graph and outcomes kept
// purely for debugging and DAG visualization. It is never on the path a
// workflow's correctness depends on — every write is best-effort.
package store
