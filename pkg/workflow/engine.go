package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/capsulecraft/orchestrator/pkg/capsule"
	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/executor"
	"github.com/capsulecraft/orchestrator/pkg/memory"
	"github.com/capsulecraft/orchestrator/pkg/store"
	"github.com/capsulecraft/orchestrator/pkg/taskgraph"
)

// DecomposeLLM is the minimal contract Engine needs to drive C3's
// decomposition; satisfied by the same client adapter taskgraph.Decompose
// itself accepts.
type DecomposeLLM = taskgraph.LLMClient

// Deps bundles everything one Engine needs to run workflows. Executor is
// built from ExecutorDeps with its Reviewer always overridden to the
// engine's own suspend/resume seam — a workflow-level review gate is the
// whole point of wiring a durable engine in front of C5.
type Deps struct {
	Store        store.Store
	Memory       memory.Store // optional; nil disables prior-lookup and outcome recording
	DecomposeLLM DecomposeLLM // optional; nil falls straight to the rule-based decomposer
	ExecutorDeps executor.Deps
	Assembler    *capsule.Assembler
	Delivery     *capsule.Delivery // optional; nil means requests with push_to_vcs are rejected
	Clock        corekit.Clock
	Logger       corekit.ComponentAwareLogger
	Config       Config
}

// Engine runs many RequestWorkflow instances concurrently, each a
// single-logical-writer state machine per spec §5.
type Engine struct {
	store    store.Store
	mem      memory.Store
	decomp   DecomposeLLM
	executor *executor.Executor
	asm      *capsule.Assembler
	delivery *capsule.Delivery
	clock    corekit.Clock
	logger   corekit.ComponentAwareLogger
	cfg      Config

	mu          sync.Mutex
	instances   map[string]*instance
	taskOwner   map[string]*instance // task_id -> owning instance, for the shared Reviewer
}

func New(deps Deps) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = corekit.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	e := &Engine{
		store:     deps.Store,
		mem:       deps.Memory,
		decomp:    deps.DecomposeLLM,
		asm:       deps.Assembler,
		delivery:  deps.Delivery,
		clock:     clock,
		logger:    logger,
		cfg:       deps.Config.withDefaults(),
		instances: make(map[string]*instance),
		taskOwner: make(map[string]*instance),
	}

	execDeps := deps.ExecutorDeps
	execDeps.Reviewer = &sharedReviewer{engine: e}
	if execDeps.Clock == nil {
		execDeps.Clock = clock
	}
	if execDeps.Logger == nil {
		execDeps.Logger = logger
	}
	e.executor = executor.New(execDeps)

	return e
}

// Submit accepts req, registers a new workflow instance, and starts it
// running in the background. It returns as soon as the ACCEPTED event is
// durably recorded — the caller polls Status for progress. Calling
// Submit again with a request.id that already has an active (or
// previously accepted) workflow is idempotent: it returns the existing
// workflow_id as a no-op rather than erroring or starting a second run.
func (e *Engine) Submit(ctx context.Context, req Request) (string, error) {
	if req.ID == "" {
		return "", fmt.Errorf("workflow: request id is required")
	}

	e.mu.Lock()
	if _, exists := e.instances[req.ID]; exists {
		e.mu.Unlock()
		return req.ID, nil
	}
	inst := newInstance(e, req)
	e.instances[req.ID] = inst
	e.mu.Unlock()

	inst.mu.Lock()
	inst.appendLocked(eventAccepted, acceptedPayload{Request: req})
	inst.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.TWorkflow)
	inst.cancelFunc = cancel
	go e.run(runCtx, inst)

	return req.ID, nil
}

// Status returns the current state, progress, and accumulated errors for
// workflowID.
func (e *Engine) Status(workflowID string) (Status, error) {
	inst := e.lookup(workflowID)
	if inst == nil {
		return Status{}, corekit.NewClassifiedError("workflow.status", corekit.KindPermanent, workflowID, corekit.ErrRequestNotFound)
	}
	return inst.status(), nil
}

// Signal delivers a human/AI review decision or a cancel request to a
// running workflow.
func (e *Engine) Signal(ctx context.Context, workflowID string, sig Signal) error {
	inst := e.lookup(workflowID)
	if inst == nil {
		return corekit.NewClassifiedError("workflow.signal", corekit.KindPermanent, workflowID, corekit.ErrRequestNotFound)
	}

	switch sig.Kind {
	case SignalCancel:
		inst.mu.Lock()
		inst.cancelRequested = true
		inst.appendLocked(eventCancelRequested, struct{}{})
		inst.setStateLocked(StateCancelling)
		inst.mu.Unlock()
		if inst.cancelFunc != nil {
			inst.cancelFunc()
		}
		return nil
	case SignalApprove:
		// Approving a task that is no longer awaiting review (already
		// validated, or never gated in the first place) is a no-op: the
		// decision it would have delivered has nothing left to resolve.
		resp := executor.ReviewResponse{Decision: executor.DecisionApprove}
		inst.resolveReview(sig.TaskID, resp)
		return nil
	case SignalReject:
		resp := executor.ReviewResponse{Decision: executor.DecisionReject}
		if !inst.resolveReview(sig.TaskID, resp) {
			return corekit.NewClassifiedError("workflow.signal", corekit.KindPermanent, sig.TaskID, corekit.ErrTaskNotFound)
		}
		return nil
	case SignalRevise:
		resp := executor.ReviewResponse{Decision: executor.DecisionRevise, Notes: sig.Notes}
		if !inst.resolveReview(sig.TaskID, resp) {
			return corekit.NewClassifiedError("workflow.signal", corekit.KindPermanent, sig.TaskID, corekit.ErrTaskNotFound)
		}
		return nil
	default:
		return fmt.Errorf("workflow: unrecognized signal kind %q", sig.Kind)
	}
}

// Wait blocks until workflowID reaches a terminal state or ctx is done;
// it exists mainly for callers (and tests) that need a synchronous handle
// on an otherwise asynchronous workflow.
func (e *Engine) Wait(ctx context.Context, workflowID string) (Status, error) {
	inst := e.lookup(workflowID)
	if inst == nil {
		return Status{}, corekit.NewClassifiedError("workflow.wait", corekit.KindPermanent, workflowID, corekit.ErrRequestNotFound)
	}
	select {
	case <-inst.done:
		return inst.status(), nil
	case <-ctx.Done():
		return inst.status(), ctx.Err()
	}
}

// Capsule loads the most recently finalized capsule for workflowID from
// Store, for the fetch_capsule/fetch_capsule_package client operations
// (spec §6). It returns ErrCapsuleNotFound if nothing has assembled yet.
func (e *Engine) Capsule(ctx context.Context, workflowID string) (*capsule.Capsule, error) {
	inst := e.lookup(workflowID)
	if inst == nil {
		return nil, corekit.NewClassifiedError("workflow.capsule", corekit.KindPermanent, workflowID, corekit.ErrRequestNotFound)
	}
	id, version, ok := inst.capsuleRef()
	if !ok {
		return nil, corekit.NewClassifiedError("workflow.capsule", corekit.KindPermanent, workflowID, corekit.ErrCapsuleNotFound)
	}
	if e.store == nil {
		return nil, corekit.NewClassifiedError("workflow.capsule", corekit.KindPermanent, workflowID, corekit.ErrCapsuleNotFound)
	}
	data, err := e.store.Get(ctx, store.KindCapsule, capsuleStoreKey(id, version))
	if err != nil {
		return nil, err
	}
	var c capsule.Capsule
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, corekit.NewClassifiedError("workflow.capsule", corekit.KindCorruption, workflowID, err)
	}
	return &c, nil
}

func (e *Engine) lookup(workflowID string) *instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instances[workflowID]
}

func (e *Engine) instanceForTask(taskID string) *instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taskOwner[taskID]
}

func (e *Engine) registerTasks(inst *instance, g *taskgraph.Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range g.Tasks() {
		e.taskOwner[t.ID] = inst
	}
}

type noopLogger struct{ corekit.NoOpLogger }

func (noopLogger) WithComponent(string) corekit.Logger { return noopLogger{} }
