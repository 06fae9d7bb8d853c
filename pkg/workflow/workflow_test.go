package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/breaker"
	"github.com/capsulecraft/orchestrator/pkg/capsule"
	"github.com/capsulecraft/orchestrator/pkg/executor"
	"github.com/capsulecraft/orchestrator/pkg/governor"
	"github.com/capsulecraft/orchestrator/pkg/hap"
	"github.com/capsulecraft/orchestrator/pkg/llm"
	"github.com/capsulecraft/orchestrator/pkg/store"
	"github.com/capsulecraft/orchestrator/pkg/tierrouter"
	"github.com/capsulecraft/orchestrator/pkg/validator"
	"github.com/capsulecraft/orchestrator/pkg/vcs"
	"github.com/capsulecraft/orchestrator/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name    string
	content string
}

func (p stubProvider) Name() string { return p.name }
func (p stubProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: p.content, Model: "stub", PromptTokens: 10, OutputTokens: 20}, nil
}

func testEngine(t *testing.T, content string) (*workflow.Engine, store.Store) {
	t.Helper()
	provider := stubProvider{name: "stub", content: content}
	st := store.NewInMemoryStore()

	deps := workflow.Deps{
		Store: st,
		ExecutorDeps: executor.Deps{
			HAP: hap.New(hap.Config{}),
			Governor: governor.NewGovernor(governor.Config{Providers: map[string]governor.ProviderLimits{
				"stub": {ConcurrencyLimit: 10, RPSLimit: 100, RPSFloor: 100, TPMLimit: 100000},
			}}),
			Breakers: breaker.NewSet(breaker.Config{}, nil, nil),
			Router: tierrouter.New(tierrouter.Config{
				ComplexityTierMap:   map[string]tierrouter.Tier{"trivial": tierrouter.T0, "simple": tierrouter.T0, "medium": tierrouter.T0, "complex": tierrouter.T0, "very_complex": tierrouter.T0},
				ProviderPreferences: map[tierrouter.Tier][]string{tierrouter.T0: {"stub"}},
			}),
			Providers: []llm.Provider{provider},
			Validator: validator.New(),
		},
		Assembler: capsule.NewAssembler(nil, []byte("test-secret")),
		Config: workflow.Config{
			MaxConcurrentTasks: 10,
			CheckpointEvery:    1,
			TCancelCheck:       50 * time.Millisecond,
			TCancelGrace:       500 * time.Millisecond,
			TActivity:          5 * time.Second,
		},
	}
	return workflow.New(deps), st
}

func TestSubmitRunsToDeliveredWithoutVCSPush(t *testing.T) {
	e, _ := testEngine(t, "package main\n\nfunc main() {}\n")

	req := workflow.Request{ID: "wf-1", Tenant: "tenant-a", Description: "build a small tool", Constraints: map[string]string{"language": "go"}}
	id, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "wf-1", id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := e.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, workflow.StateDelivered, status.State)
	assert.NotEmpty(t, status.CapsuleID)
	assert.Empty(t, status.Errors)
}

func TestSubmitIsIdempotentOnDuplicateWorkflowID(t *testing.T) {
	e, _ := testEngine(t, "package main\n\nfunc main() {}\n")

	req := workflow.Request{ID: "wf-dup", Tenant: "tenant-a", Description: "build a tool"}
	id1, err := e.Submit(context.Background(), req)
	require.NoError(t, err)

	id2, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, req.ID, id2)
}

func TestSubmitDeliversToVCSWhenRequested(t *testing.T) {
	target := vcs.NewFakeTarget()
	provider := stubProvider{name: "stub", content: "package main\n\nfunc main() {}\n"}
	deps := workflow.Deps{
		Store: store.NewInMemoryStore(),
		ExecutorDeps: executor.Deps{
			HAP: hap.New(hap.Config{}),
			Governor: governor.NewGovernor(governor.Config{Providers: map[string]governor.ProviderLimits{
				"stub": {ConcurrencyLimit: 10, RPSLimit: 100, RPSFloor: 100, TPMLimit: 100000},
			}}),
			Breakers: breaker.NewSet(breaker.Config{}, nil, nil),
			Router: tierrouter.New(tierrouter.Config{
				ComplexityTierMap:   map[string]tierrouter.Tier{"trivial": tierrouter.T0, "simple": tierrouter.T0, "medium": tierrouter.T0, "complex": tierrouter.T0, "very_complex": tierrouter.T0},
				ProviderPreferences: map[tierrouter.Tier][]string{tierrouter.T0: {"stub"}},
			}),
			Providers: []llm.Provider{provider},
			Validator: validator.New(),
		},
		Assembler: capsule.NewAssembler(nil, []byte("test-secret")),
		Delivery:  capsule.NewDelivery(target, nil),
		Config: workflow.Config{
			MaxConcurrentTasks: 10,
			CheckpointEvery:    1,
			TCancelCheck:       50 * time.Millisecond,
			TCancelGrace:       500 * time.Millisecond,
			TActivity:          5 * time.Second,
		},
	}
	e := workflow.New(deps)

	req := workflow.Request{
		ID: "wf-vcs", Tenant: "tenant-a", Description: "build a tool",
		Metadata: map[string]string{"push_to_vcs": "true", "repo_name": "demo-repo"},
	}
	id, err := e.Submit(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateDelivered, status.State)
}

func TestSignalCancelTransitionsToCancelled(t *testing.T) {
	e, _ := testEngine(t, "package main\n\nfunc main() {}\n")

	req := workflow.Request{ID: "wf-cancel", Tenant: "tenant-a", Description: "build a tool"}
	id, err := e.Submit(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, e.Signal(context.Background(), id, workflow.Signal{Kind: workflow.SignalCancel}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, status.State)
}

func TestSignalApproveResolvesAwaitingReview(t *testing.T) {
	// A syntactically broken file drives confidence below threshold,
	// suspending the task for review; approving it should let the
	// workflow proceed to delivery instead of hanging.
	e, _ := testEngine(t, "package main\n\nfunc broken( {\n")

	req := workflow.Request{ID: "wf-review", Tenant: "tenant-a", Description: "short request"}
	id, err := e.Submit(context.Background(), req)
	require.NoError(t, err)

	taskIDs := []string{"wf-review-000-design", "wf-review-001-code", "wf-review-002-test", "wf-review-003-doc"}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, taskID := range taskIDs {
					_ = e.Signal(context.Background(), id, workflow.Signal{Kind: workflow.SignalApprove, TaskID: taskID})
				}
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateDelivered, status.State)
}

func TestSignalApproveOnTaskNotAwaitingReviewIsNoOp(t *testing.T) {
	e, _ := testEngine(t, "package main\n\nfunc main() {}\n")

	req := workflow.Request{ID: "wf-approve-noop", Tenant: "tenant-a", Description: "build a tool"}
	id, err := e.Submit(context.Background(), req)
	require.NoError(t, err)

	err = e.Signal(context.Background(), id, workflow.Signal{Kind: workflow.SignalApprove, TaskID: "wf-approve-noop-000-design"})
	assert.NoError(t, err)
}

func TestStatusOnUnknownWorkflowReturnsError(t *testing.T) {
	e, _ := testEngine(t, "package main\n\nfunc main() {}\n")
	_, err := e.Status("does-not-exist")
	assert.Error(t, err)
}
