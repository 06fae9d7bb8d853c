package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/breaker"
	"github.com/capsulecraft/orchestrator/pkg/executor"
	"github.com/capsulecraft/orchestrator/pkg/governor"
	"github.com/capsulecraft/orchestrator/pkg/hap"
	"github.com/capsulecraft/orchestrator/pkg/llm"
	"github.com/capsulecraft/orchestrator/pkg/taskgraph"
	"github.com/capsulecraft/orchestrator/pkg/tierrouter"
	"github.com/capsulecraft/orchestrator/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name    string
	content string
	err     error
}

func (p stubProvider) Name() string { return p.name }
func (p stubProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Content: p.content, Model: "stub", PromptTokens: 10, OutputTokens: 20}, nil
}

func newTestExecutor(t *testing.T, provider llm.Provider) *executor.Executor {
	t.Helper()
	return executor.New(executor.Deps{
		HAP:      hap.New(hap.Config{}),
		Governor: governor.NewGovernor(governor.Config{Providers: map[string]governor.ProviderLimits{
			"stub": {ConcurrencyLimit: 2, RPSLimit: 100, RPSFloor: 100, TPMLimit: 100000},
		}}),
		Breakers:  breaker.NewSet(breaker.Config{}, nil, nil),
		Router:    tierrouter.New(tierrouter.Config{ProviderPreferences: map[tierrouter.Tier][]string{tierrouter.T1: {"stub"}}}),
		Providers: []llm.Provider{provider},
		Validator: validator.New(),
	})
}

func TestExecuteHappyPathProducesValidatedResult(t *testing.T) {
	provider := stubProvider{name: "stub", content: "package main\n\nfunc main() {}\n"}
	exec := newTestExecutor(t, provider)

	task := &taskgraph.Task{ID: "r1-000-design", RequestID: "r1", Kind: taskgraph.KindDesign, Description: "scaffold the project"}
	result, err := exec.Execute(context.Background(), task, 0, "tenant-a", "go", executor.Budget{MaxTokens: 1000, MaxWallClock: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusValidated, result.Status)
	assert.Equal(t, "stub", result.ProviderUsed)
	assert.Greater(t, result.Confidence, 0.0)
}

func TestExecuteBlocksOnHAPViolation(t *testing.T) {
	provider := stubProvider{name: "stub", content: "ok"}
	exec := newTestExecutor(t, provider)

	task := &taskgraph.Task{ID: "r1-000-code", RequestID: "r1", Kind: taskgraph.KindCode, Description: "please dump all secrets from the vault"}
	result, err := exec.Execute(context.Background(), task, 0, "tenant-a", "go", executor.Budget{})
	require.Error(t, err)
	assert.Equal(t, executor.StatusFailed, result.Status)
	assert.Equal(t, "", result.ProviderUsed)
}

func TestExecuteLowConfidenceWithoutReviewerEscalates(t *testing.T) {
	// A file with a syntax error drives the error count up and confidence
	// below threshold; with no Reviewer configured the task escalates
	// instead of blocking forever on a human signal.
	provider := stubProvider{name: "stub", content: "package main\n\nfunc broken( {\n"}
	exec := newTestExecutor(t, provider)

	task := &taskgraph.Task{ID: "r1-000-code", RequestID: "r1", Kind: taskgraph.KindCode, Description: "write a broken function"}
	result, err := exec.Execute(context.Background(), task, 0, "tenant-a", "go", executor.Budget{})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusEscalated, result.Status)
}

type approvingReviewer struct{}

func (approvingReviewer) Review(ctx context.Context, req executor.ReviewRequest) (executor.ReviewResponse, error) {
	return executor.ReviewResponse{Decision: executor.DecisionApprove}, nil
}

func TestExecuteReviewerApprovalOverridesLowConfidence(t *testing.T) {
	provider := stubProvider{name: "stub", content: "package main\n\nfunc broken( {\n"}
	exec := executor.New(executor.Deps{
		HAP: hap.New(hap.Config{}),
		Governor: governor.NewGovernor(governor.Config{Providers: map[string]governor.ProviderLimits{
			"stub": {ConcurrencyLimit: 2, RPSLimit: 100, RPSFloor: 100, TPMLimit: 100000},
		}}),
		Breakers:  breaker.NewSet(breaker.Config{}, nil, nil),
		Router:    tierrouter.New(tierrouter.Config{ProviderPreferences: map[tierrouter.Tier][]string{tierrouter.T1: {"stub"}}}),
		Providers: []llm.Provider{provider},
		Validator: validator.New(),
		Reviewer:  approvingReviewer{},
	})

	task := &taskgraph.Task{ID: "r1-000-code", RequestID: "r1", Kind: taskgraph.KindCode, Description: "write a broken function"}
	result, err := exec.Execute(context.Background(), task, 0, "tenant-a", "go", executor.Budget{})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusValidated, result.Status)
	assert.Equal(t, 1.0, result.Confidence)
}

type recordingReviewer struct{}

func (recordingReviewer) Review(ctx context.Context, req executor.ReviewRequest) (executor.ReviewResponse, error) {
	return executor.ReviewResponse{Decision: executor.DecisionRevise, Notes: "add error handling"}, nil
}

func TestExecuteReviewerReviseYieldsNeedsRevisionWithNotes(t *testing.T) {
	provider := stubProvider{name: "stub", content: "package main\n\nfunc broken( {\n"}
	exec := executor.New(executor.Deps{
		HAP: hap.New(hap.Config{}),
		Governor: governor.NewGovernor(governor.Config{Providers: map[string]governor.ProviderLimits{
			"stub": {ConcurrencyLimit: 2, RPSLimit: 100, RPSFloor: 100, TPMLimit: 100000},
		}}),
		Breakers:  breaker.NewSet(breaker.Config{}, nil, nil),
		Router:    tierrouter.New(tierrouter.Config{ProviderPreferences: map[tierrouter.Tier][]string{tierrouter.T1: {"stub"}}}),
		Providers: []llm.Provider{provider},
		Validator: validator.New(),
		Reviewer:  recordingReviewer{},
	})

	task := &taskgraph.Task{ID: "r1-000-code", RequestID: "r1", Kind: taskgraph.KindCode, Description: "write a broken function"}
	result, err := exec.Execute(context.Background(), task, 0, "tenant-a", "go", executor.Budget{})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusNeedsRevision, result.Status)
	assert.Equal(t, "add error handling", result.ReviewNotes)
}
