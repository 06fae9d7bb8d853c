// Package executor implements the Task Executor (spec component C5): the
// fixed six-stage pipeline that turns one Task into a TaskResult — HAP
// precheck, dispatch through the Resource Governor and Circuit Breaker
// Set, static validation, optional runtime validation, confidence
// scoring, and a human/AI review gate.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/breaker"
	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/governor"
	"github.com/capsulecraft/orchestrator/pkg/hap"
	"github.com/capsulecraft/orchestrator/pkg/llm"
	"github.com/capsulecraft/orchestrator/pkg/sandbox"
	"github.com/capsulecraft/orchestrator/pkg/taskgraph"
	"github.com/capsulecraft/orchestrator/pkg/tierrouter"
	"github.com/capsulecraft/orchestrator/pkg/validator"
)

// Executor runs one Task at a time through the C5 pipeline. It holds no
// per-task state between calls other than the sandbox-timeout counter
// (stage 4's "transient first, permanent on repetition" rule) and the
// idempotency recorder.
type Executor struct {
	hap       *hap.Filter
	governor  *governor.Governor
	breakers  *breaker.Set
	router    *tierrouter.Router
	providers map[string]llm.Provider // by Provider.Name()
	validator validator.Validator
	sandbox   sandbox.Sandbox
	reviewer  Reviewer
	recorder  IdempotencyRecorder
	cfg       Config
	clock     corekit.Clock
	logger    corekit.ComponentAwareLogger

	mu              sync.Mutex
	sandboxTimeouts map[string]int // task_id -> consecutive timeout count
}

// Deps bundles the Executor's collaborators. Reviewer and Recorder are
// optional: a nil Reviewer means low-confidence tasks are simply marked
// StatusEscalated with no gate, and a nil Recorder disables idempotency
// dedup (acceptable for a one-shot, non-durable caller).
type Deps struct {
	HAP       *hap.Filter
	Governor  *governor.Governor
	Breakers  *breaker.Set
	Router    *tierrouter.Router
	Providers []llm.Provider
	Validator validator.Validator
	Sandbox   sandbox.Sandbox
	Reviewer  Reviewer
	Recorder  IdempotencyRecorder
	Clock     corekit.Clock
	Logger    corekit.ComponentAwareLogger
	Config    Config
}

// New constructs an Executor from deps. A nil Clock, Recorder or Logger
// gets a default; deps.Config is replaced by the default Config as a
// whole when both RetryMax and ReviewThreshold are zero, and is otherwise
// used as given.
func New(deps Deps) *Executor {
	providers := make(map[string]llm.Provider, len(deps.Providers))
	for _, p := range deps.Providers {
		providers[p.Name()] = p
	}
	clock := deps.Clock
	if clock == nil {
		clock = corekit.SystemClock{}
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	cfg := deps.Config
	if cfg.RetryMax == 0 && cfg.ReviewThreshold == 0 {
		cfg = defaultConfig()
	}

	return &Executor{
		hap:             deps.HAP,
		governor:        deps.Governor,
		breakers:        deps.Breakers,
		router:          deps.Router,
		providers:       providers,
		validator:       deps.Validator,
		sandbox:         deps.Sandbox,
		reviewer:        deps.Reviewer,
		recorder:        recorder,
		cfg:             cfg,
		clock:           clock,
		logger:          logger,
		sandboxTimeouts: make(map[string]int),
	}
}

// Execute runs task through the full C5 pipeline for attempt, producing a
// terminal TaskResult or, when the review gate asks for a revision, a
// StatusNeedsRevision result the caller should re-submit as attempt+1
// with ReviewNotes appended to the task's inputs.
func (e *Executor) Execute(ctx context.Context, task *taskgraph.Task, attempt int, tenant, language string, budget Budget) (TaskResult, error) {
	if cached, ok := e.recorder.Seen(task.ID, attempt); ok {
		return cached, nil
	}

	// Stage 1: HAP precheck. Runs before any LLM budget is spent.
	if e.hap != nil {
		check := e.hap.Check(task.Description)
		if e.hap.Blocked(check) {
			result := TaskResult{
				TaskID: task.ID, Attempt: attempt, Status: StatusFailed,
				FailureKind: corekit.KindPolicyViolation,
			}
			e.recorder.Record(task.ID, attempt, result)
			return result, corekit.NewClassifiedError("executor.hap", corekit.KindPolicyViolation, task.ID, corekit.ErrPolicyViolation)
		}
	}

	// Stage 2: dispatch.
	tier := e.router.ResolveTier(task)
	response, providerUsed, throttleCount, err := e.dispatch(ctx, task, tier, tenant, budget)
	if err != nil {
		result := TaskResult{
			TaskID: task.ID, Attempt: attempt, TierUsed: tier, ProviderUsed: providerUsed,
			Status: StatusFailed, FailureKind: corekit.KindOf(err),
		}
		e.recorder.Record(task.ID, attempt, result)
		return result, err
	}

	name := task.ID + ".out"
	switch strings.ToLower(language) {
	case "go", "golang":
		name = task.ID + ".go"
	case "python", "python3":
		name = task.ID + ".py"
	}
	artifact := corekit.Artifact{
		Files:    map[string][]byte{name: []byte(response.Content)},
		MimeHint: "text/plain",
	}

	// Stage 3: static validation, gated by the "validator" breaker so a
	// failing validator short-circuits instead of being hammered.
	var report validator.Report
	verr := e.breakers.For("validator").Execute(ctx, func(ctx context.Context) error {
		r, err := e.validator.Validate(ctx, artifact, language)
		report = r
		return err
	})
	if verr != nil {
		result := TaskResult{TaskID: task.ID, Attempt: attempt, Status: StatusFailed, FailureKind: corekit.KindOf(verr)}
		e.recorder.Record(task.ID, attempt, result)
		return result, verr
	}

	// Stage 4: runtime validation, only for task kinds that require it,
	// gated by the "sandbox" breaker.
	var runDuration time.Duration
	if e.cfg.SandboxKinds[string(task.Kind)] && e.sandbox != nil {
		var runResult sandbox.Result
		runErr := e.breakers.For("sandbox").Execute(ctx, func(ctx context.Context) error {
			r, err := e.sandbox.Run(ctx, artifact, language, sandbox.Limits{WallClock: budget.MaxWallClock})
			runResult = r
			return err
		})
		runDuration = runResult.Duration
		if runErr != nil {
			kind := corekit.KindOf(runErr)
			if kind == corekit.KindTransient && runResult.TimedOut {
				kind = e.classifySandboxTimeout(task.ID)
			}
			if kind == corekit.KindCancellation {
				result := TaskResult{TaskID: task.ID, Attempt: attempt, Status: StatusFailed, FailureKind: kind}
				return result, runErr
			}
			if kind == corekit.KindPermanent {
				result := TaskResult{TaskID: task.ID, Attempt: attempt, Status: StatusFailed, FailureKind: kind}
				e.recorder.Record(task.ID, attempt, result)
				return result, corekit.NewClassifiedError("executor.sandbox", kind, task.ID, runErr)
			}
			// transient: counts against confidence via an extra error finding,
			// doesn't fail the task outright.
			report.Findings = append(report.Findings, validator.Finding{
				Level: validator.LevelError, Message: "sandbox execution failed transiently",
			})
		}
	} else {
		e.resetSandboxTimeout(task.ID)
	}

	// Stage 5: confidence scoring.
	confidence := e.score(report, throttleCount)

	result := TaskResult{
		TaskID: task.ID, Attempt: attempt, Artifact: artifact, TierUsed: tier, ProviderUsed: providerUsed,
		TokensIn: response.PromptTokens, TokensOut: response.OutputTokens,
		Latency: response.Latency + runDuration, Validation: report, Confidence: confidence,
		Status: StatusValidated,
	}

	// Stage 6: review gate.
	if confidence < e.cfg.ReviewThreshold {
		gated, gateErr := e.review(ctx, task, attempt, artifact, report.Findings)
		if gateErr != nil {
			result.Status = StatusEscalated
			e.recorder.Record(task.ID, attempt, result)
			return result, gateErr
		}
		result = gated
	}

	e.recorder.Record(task.ID, attempt, result)
	if e.router != nil {
		e.router.RecordOutcome(tier, providerUsed, result.Status == StatusValidated)
	}
	return result, nil
}

// dispatch acquires a governor permit, calls through the provider's
// circuit breaker, and retries on throttle with exponential backoff and
// jitter up to RetryMax, walking the tier's provider-preference list
// when a provider is exhausted or its breaker is open.
func (e *Executor) dispatch(ctx context.Context, task *taskgraph.Task, tier tierrouter.Tier, tenant string, budget Budget) (*llm.Response, string, int, error) {
	providers := e.router.Providers(tier)
	if len(providers) == 0 {
		return nil, "", 0, corekit.NewClassifiedError("executor.dispatch", corekit.KindPermanent, task.ID,
			fmt.Errorf("no providers configured for tier %s", tier))
	}

	tokensEstimate := estimateTokens(task.Description)
	if budget.MaxTokens > 0 && tokensEstimate > budget.MaxTokens {
		tokensEstimate = budget.MaxTokens
	}

	throttleCount := 0
	var lastErr error

	for _, providerName := range providers {
		provider, ok := e.providers[providerName]
		if !ok {
			continue
		}
		cb := e.breakers.For(providerName)

		for attempt := 0; attempt <= e.cfg.RetryMax; attempt++ {
			deadline := time.Now().Add(5 * time.Second)
			permit, err := e.governor.Acquire(ctx, providerName, tenant, tokensEstimate, deadline)
			if err != nil {
				lastErr = err
				if corekit.IsBudgetExceeded(err) || corekit.IsPermanent(err) {
					break // try next provider
				}
				continue
			}

			var response *llm.Response
			execErr := cb.Execute(ctx, func(ctx context.Context) error {
				resp, callErr := provider.Complete(ctx, llm.Request{
					SystemPrompt: task.ComplexityHint,
					Prompt:       task.Description,
					MaxTokens:    tokensEstimate,
				})
				response = resp
				return callErr
			})

			actualTokens := 0
			if response != nil {
				actualTokens = response.PromptTokens + response.OutputTokens
			}
			e.governor.Release(permit, actualTokens)

			if execErr == nil {
				return response, providerName, throttleCount, nil
			}

			lastErr = execErr
			if corekit.IsThrottle(execErr) {
				throttleCount++
				e.governor.ReportThrottle(providerName)
				if !sleepBackoff(ctx, attempt, e.cfg.RetryBaseDelay, e.cfg.RetryCapDelay) {
					return nil, providerName, throttleCount, corekit.NewClassifiedError("executor.dispatch", corekit.KindCancellation, task.ID, ctx.Err())
				}
				continue
			}
			if corekit.IsTransient(execErr) {
				if !sleepBackoff(ctx, attempt, e.cfg.RetryBaseDelay, e.cfg.RetryCapDelay) {
					return nil, providerName, throttleCount, corekit.NewClassifiedError("executor.dispatch", corekit.KindCancellation, task.ID, ctx.Err())
				}
				continue
			}
			// permanent, policy_violation, etc: no point retrying this provider.
			break
		}
	}

	if lastErr == nil {
		lastErr = corekit.ErrCircuitOpen
	}
	return nil, "", throttleCount, lastErr
}

func (e *Executor) score(report validator.Report, throttleCount int) float64 {
	errors := float64(report.ErrorCount())
	confidence := 1 - e.cfg.WErr*errors - e.cfg.WLowCoverage*(1-report.Coverage) - e.cfg.WThrottle*float64(throttleCount)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func (e *Executor) review(ctx context.Context, task *taskgraph.Task, attempt int, artifact corekit.Artifact, findings []validator.Finding) (TaskResult, error) {
	if e.reviewer == nil {
		return TaskResult{TaskID: task.ID, Attempt: attempt, Artifact: artifact, Status: StatusEscalated}, nil
	}

	resp, err := e.reviewer.Review(ctx, ReviewRequest{TaskID: task.ID, Attempt: attempt, Artifact: artifact, Findings: findings})
	if err != nil {
		return TaskResult{}, corekit.NewClassifiedError("executor.review", corekit.KindOf(err), task.ID, err)
	}

	switch resp.Decision {
	case DecisionApprove:
		return TaskResult{TaskID: task.ID, Attempt: attempt, Artifact: artifact, Status: StatusValidated, Confidence: 1.0}, nil
	case DecisionReject:
		return TaskResult{TaskID: task.ID, Attempt: attempt, Artifact: artifact, Status: StatusFailed, FailureKind: corekit.KindPermanent}, nil
	case DecisionRevise:
		return TaskResult{TaskID: task.ID, Attempt: attempt, Artifact: artifact, Status: StatusNeedsRevision, ReviewNotes: resp.Notes}, nil
	default:
		return TaskResult{TaskID: task.ID, Attempt: attempt, Artifact: artifact, Status: StatusEscalated}, nil
	}
}

// classifySandboxTimeout implements "sandbox timeout: classified transient
// first, permanent after two occurrences" per task id.
func (e *Executor) classifySandboxTimeout(taskID string) corekit.FailureKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sandboxTimeouts[taskID]++
	if e.sandboxTimeouts[taskID] >= 2 {
		return corekit.KindPermanent
	}
	return corekit.KindTransient
}

func (e *Executor) resetSandboxTimeout(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sandboxTimeouts, taskID)
}

// sleepBackoff waits base*2^attempt capped at cap, jittered +-20%, or
// returns false if ctx is done first.
func sleepBackoff(ctx context.Context, attempt int, base, capDelay time.Duration) bool {
	delay := base << attempt
	if capDelay > 0 && delay > capDelay {
		delay = capDelay
	}
	jitter := time.Duration(float64(delay) * (rand.Float64()*0.4 - 0.2))
	delay += jitter
	if delay < 0 {
		delay = 0
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func estimateTokens(text string) int {
	// ~4 characters per token is the commonly used rough estimate for
	// English prose and most source code; this is only used to size the
	// governor's admission check, not billing.
	words := len(strings.Fields(text))
	chars := len(text)
	est := chars / 4
	if words*2 > est {
		est = words * 2
	}
	if est < 1 {
		est = 1
	}
	return est
}

type noopLogger struct{ corekit.NoOpLogger }

func (noopLogger) WithComponent(string) corekit.Logger { return noopLogger{} }
