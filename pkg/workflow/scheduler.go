package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/capsule"
	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/executor"
	"github.com/capsulecraft/orchestrator/pkg/memory"
	"github.com/capsulecraft/orchestrator/pkg/store"
	"github.com/capsulecraft/orchestrator/pkg/taskgraph"
)

// capsuleStoreKey keys a capsule's blob so every version is independently
// addressable (spec §6: "capsules: keyed by (capsule_id, version)").
func capsuleStoreKey(capsuleID string, version int) string {
	return fmt.Sprintf("%s@v%d", capsuleID, version)
}

const maxReviseAttempts = 5

// run drives one workflow instance through its full state machine. It is
// the only writer of inst's state for its lifetime (spec §5
// "single-logical-writer per workflow instance").
func (e *Engine) run(ctx context.Context, inst *instance) {
	defer inst.markDone()
	defer inst.cancelFunc()

	graph, err := e.decompose(ctx, inst)
	if err != nil {
		inst.mu.Lock()
		inst.recordErrorLocked("", corekit.KindOf(err), "decomposition failed: "+err.Error())
		inst.setStateLocked(StateFailed)
		inst.mu.Unlock()
		e.recordOutcome(inst, false)
		return
	}

	inst.mu.Lock()
	inst.graph = graph
	inst.depths = taskDepths(graph)
	inst.setStateLocked(StatePlanned)
	inst.mu.Unlock()
	e.registerTasks(inst, graph)

	inst.mu.Lock()
	inst.setStateLocked(StateRunning)
	inst.mu.Unlock()

	e.runTasks(ctx, inst)

	if inst.isCancelRequested() {
		// Partial artifacts are discarded by default; metadata.preserve_on_cancel
		// asks the engine to still assemble whatever validated results exist
		// before landing in CANCELLED (spec §4.6 cancellation).
		if inst.request.preserveOnCancel() {
			preserveCtx, cancelPreserve := context.WithTimeout(context.Background(), e.cfg.TCancelGrace)
			built, err := e.assemble(preserveCtx, inst)
			cancelPreserve()
			if err == nil {
				inst.mu.Lock()
				inst.capsuleID = built.ID
				inst.mu.Unlock()
			}
		}
		inst.mu.Lock()
		inst.setStateLocked(StateCancelled)
		inst.mu.Unlock()
		e.recordOutcome(inst, false)
		return
	}

	if !e.allCriticalTasksSucceeded(inst) {
		inst.mu.Lock()
		inst.setStateLocked(StateFailed)
		inst.mu.Unlock()
		e.recordOutcome(inst, false)
		return
	}

	built, err := e.assemble(ctx, inst)
	if err != nil {
		inst.mu.Lock()
		inst.recordErrorLocked("", corekit.KindOf(err), "capsule assembly failed: "+err.Error())
		inst.setStateLocked(StateFailed)
		inst.mu.Unlock()
		e.recordOutcome(inst, false)
		return
	}

	if !inst.request.pushToVCS() {
		inst.mu.Lock()
		inst.setStateLocked(StateDelivered)
		inst.mu.Unlock()
		e.recordOutcome(inst, true)
		return
	}

	inst.mu.Lock()
	inst.setStateLocked(StateDelivering)
	inst.mu.Unlock()

	receipt, err := e.deliver(ctx, inst, built)
	inst.mu.Lock()
	if err != nil {
		inst.recordErrorLocked("", corekit.KindOf(err), "delivery failed: "+err.Error())
		inst.setStateLocked(StateFailedDelivery)
		inst.mu.Unlock()
		e.recordOutcome(inst, false)
		return
	}
	inst.appendLocked(eventDeliveryRecorded, deliveryRecordedPayload{
		CapsuleID: built.ID, RepoID: receipt.RepoID, CommitSHA: receipt.CommitSHA, Partial: receipt.Partial,
	})
	inst.setStateLocked(StateDelivered)
	inst.mu.Unlock()
	e.recordOutcome(inst, true)
}

// decompose builds the task graph for this request, consulting MemoryStore
// for priors on a best-effort basis per spec §4.3 step 1.
func (e *Engine) decompose(ctx context.Context, inst *instance) (*taskgraph.Graph, error) {
	if e.mem != nil {
		// Priors only inform the LLM decomposer's prompt in a fuller
		// implementation; here a failed or empty search is legal and
		// simply means no priors are available, per the MemoryStore
		// contract (spec §6: "search is best-effort, returning empty is
		// legal").
		_, _ = e.mem.Search(ctx, inst.request.Description, 5)
	}

	g, err := taskgraph.Decompose(ctx, inst.request.ID, inst.request.Description, e.decomp)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// taskDepths derives each task's DAG depth from ExecutionLevels, used for
// the scheduler's deepest-first tie-break and the assembler's conflict
// resolution.
func taskDepths(g *taskgraph.Graph) map[string]int {
	depths := make(map[string]int)
	for level, ids := range g.ExecutionLevels() {
		for _, id := range ids {
			depths[id] = level
		}
	}
	return depths
}

// runTasks implements the scheduling policy of spec §4.6: maintain a
// ready_set, dispatch up to max_concurrent_tasks at once, break ties by
// DAG depth (deepest first) then stable task_id, checkpoint periodically.
func (e *Engine) runTasks(ctx context.Context, inst *instance) {
	var dsMu sync.Mutex
	active := 0
	notify := make(chan struct{}, 1)
	wake := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	for {
		if inst.isCancelRequested() || ctx.Err() != nil {
			break
		}
		ready := inst.graph.ReadyTasks()
		dsMu.Lock()
		capacity := e.cfg.MaxConcurrentTasks - active
		current := active
		dsMu.Unlock()
		if len(ready) == 0 || capacity <= 0 {
			if current == 0 && inst.graph.IsComplete() {
				break
			}
			select {
			case <-notify:
			case <-ctx.Done():
			case <-time.After(e.cfg.TCancelCheck):
			}
			continue
		}

		sortReadyForDispatch(ready, inst.depths)
		n := capacity
		if n > len(ready) {
			n = len(ready)
		}
		for _, taskID := range ready[:n] {
			task := inst.graph.Task(taskID)
			if task == nil {
				continue
			}
			inst.graph.MarkStatus(taskID, taskgraph.StatusRunning)
			inst.mu.Lock()
			inst.appendLocked(eventTaskDispatched, taskDispatchedPayload{TaskID: task.ID, Kind: string(task.Kind), Attempt: 1})
			inst.mu.Unlock()
			dsMu.Lock()
			active++
			dsMu.Unlock()
			go func(t *taskgraph.Task) {
				defer wake()
				e.runTask(ctx, inst, t)
				dsMu.Lock()
				active--
				dsMu.Unlock()
			}(task)
		}
	}

	// Drain in-flight activities: cooperative abort already happened via
	// ctx cancellation, so this is just the T_cancel_grace wait before the
	// function returns (spec §4.6 cancellation).
	drainCtx, cancel := context.WithTimeout(context.Background(), e.cfg.TCancelGrace)
	defer cancel()
	for {
		dsMu.Lock()
		remaining := active
		dsMu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-notify:
		case <-drainCtx.Done():
			return
		}
	}
}

// sortReadyForDispatch breaks ties by DAG depth (deepest first, to
// shorten the critical path) then by stable task_id.
func sortReadyForDispatch(ready []string, depths map[string]int) {
	sort.Slice(ready, func(i, j int) bool {
		di, dj := depths[ready[i]], depths[ready[j]]
		if di != dj {
			return di > dj
		}
		return ready[i] < ready[j]
	})
}

// runTask executes one task through C5, re-entering stage 2 on a revise
// decision until it terminates validated or failed.
func (e *Engine) runTask(ctx context.Context, inst *instance, task *taskgraph.Task) {
	attempt := 1
	budget := executor.Budget{MaxTokens: 4096, MaxWallClock: e.cfg.TActivity}
	language := inst.request.language()

	var result executor.TaskResult
	var err error
	for {
		actCtx, cancel := context.WithTimeout(ctx, e.cfg.TActivity)
		result, err = e.executor.Execute(actCtx, task, attempt, inst.request.Tenant, language, budget)
		cancel()

		if err == nil && result.Status == executor.StatusNeedsRevision && attempt < maxReviseAttempts {
			task.Description = task.Description + "\n\nReviewer notes: " + result.ReviewNotes
			inst.graph.AddTask(task)
			attempt++
			continue
		}
		break
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.results[task.ID] = result
	switch {
	case err != nil:
		inst.recordErrorLocked(task.ID, corekit.KindOf(err), err.Error())
		inst.graph.MarkStatus(task.ID, taskgraph.StatusFailed)
	case result.Status == executor.StatusValidated:
		inst.graph.MarkStatus(task.ID, taskgraph.StatusCompleted)
	default:
		inst.recordErrorLocked(task.ID, result.FailureKind, "task did not validate: "+string(result.Status))
		inst.graph.MarkStatus(task.ID, taskgraph.StatusFailed)
	}
	inst.appendLocked(eventTaskCompleted, taskCompletedPayload{
		TaskID: task.ID, Status: string(result.Status), Confidence: result.Confidence, FailureKind: string(result.FailureKind),
	})
	inst.maybeCheckpointLocked()
}

// allCriticalTasksSucceeded reports whether the graph is safe to assemble:
// docs and standalone test tasks are non-critical (the capsule can omit
// them and still be useful), everything else must have validated.
func (e *Engine) allCriticalTasksSucceeded(inst *instance) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	validatedAny := false
	for _, t := range inst.graph.Tasks() {
		if t.Status == taskgraph.StatusCompleted {
			validatedAny = true
			continue
		}
		if t.Status == taskgraph.StatusFailed && isCriticalKind(t.Kind) {
			return false
		}
	}
	return validatedAny
}

func isCriticalKind(k taskgraph.TaskKind) bool {
	switch k {
	case taskgraph.KindDoc, taskgraph.KindTest:
		return false
	default:
		return true
	}
}

// assemble transitions into ASSEMBLING and runs the C7 pipeline.
func (e *Engine) assemble(ctx context.Context, inst *instance) (*capsule.Capsule, error) {
	inst.mu.Lock()
	inst.setStateLocked(StateAssembling)
	results := make([]executor.TaskResult, 0, len(inst.results))
	for _, r := range inst.results {
		results = append(results, r)
	}
	graph := inst.graph
	req := inst.request
	inst.capsuleVersion++
	version := inst.capsuleVersion
	inst.mu.Unlock()

	if e.asm == nil {
		return nil, corekit.NewClassifiedError("workflow.assemble", corekit.KindPermanent, inst.id, corekit.ErrCapsuleNotFound)
	}

	c, err := e.asm.Assemble(ctx, req.ID, version, graph, results, req.language())
	if err != nil {
		return nil, err
	}
	if err := e.asm.Finalize(c); err != nil {
		return nil, err
	}

	if e.store != nil {
		if data, jsonErr := json.Marshal(c); jsonErr == nil {
			_ = e.store.Put(ctx, store.KindCapsule, capsuleStoreKey(c.ID, c.Version), data)
		}
	}

	inst.mu.Lock()
	inst.capsuleID = c.ID
	inst.appendLocked(eventCapsuleFinalized, capsuleFinalizedPayload{CapsuleID: c.ID, Version: c.Version})
	inst.mu.Unlock()

	return c, nil
}

func (e *Engine) deliver(ctx context.Context, inst *instance, c *capsule.Capsule) (*capsule.DeliveryReceipt, error) {
	if e.delivery == nil {
		return nil, corekit.NewClassifiedError("workflow.deliver", corekit.KindPermanent, inst.id, corekit.ErrRequestNotFound)
	}
	return e.delivery.Deliver(ctx, c, inst.request.repoName(), inst.request.private())
}

// recordOutcome feeds the result back into MemoryStore (spec §4.3: future
// search()es favor templates that actually succeeded).
func (e *Engine) recordOutcome(inst *instance, succeeded bool) {
	if e.mem == nil {
		return
	}
	inst.mu.Lock()
	kinds := make([]string, 0)
	if inst.graph != nil {
		for _, t := range inst.graph.Tasks() {
			kinds = append(kinds, string(t.Kind))
		}
	}
	desc := inst.request.Description
	inst.mu.Unlock()

	_ = e.mem.Record(context.Background(), desc, memory.Outcome{
		RequestID: inst.id,
		Succeeded: succeeded,
		TaskKinds: kinds,
	})
}
