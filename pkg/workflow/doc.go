// Package workflow implements the Workflow Engine (spec component C6): the
// durable RequestWorkflow that owns a request end to end. Engine.Submit
// decomposes the request (pkg/taskgraph), schedules its tasks across
// pkg/executor under the scheduling policy of spec §4.6 (ready_set,
// max_concurrent_tasks, deepest-DAG-depth-first tie-break), suspends on
// low-confidence tasks via a signal-based Reviewer seam, checkpoints
// progress to pkg/store, and on completion hands the validated results to
// pkg/capsule for assembly, signing, and optional delivery.
//
// Every state mutation is recorded as an event before it takes effect, so
// a workflow's history in pkg/store is sufficient to reconstruct its
// state machine position — the "single-logical-writer per workflow
// instance" model from spec §5. Determinism requirements push corekit.Clock
// through Engine instead of reading the wall clock directly from workflow
// logic, though the side effects each activity performs (LLM calls,
// sandbox runs, VCS pushes) still happen through pkg/executor/pkg/capsule,
// never inline here.
package workflow
