package executor

import (
	"context"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/tierrouter"
	"github.com/capsulecraft/orchestrator/pkg/validator"
)

// ResultStatus is a TaskResult's terminal (or gate) state.
type ResultStatus string

const (
	StatusValidated     ResultStatus = "validated"
	StatusFailed        ResultStatus = "failed"
	StatusEscalated     ResultStatus = "escalated"
	StatusNeedsRevision ResultStatus = "needs_revision"
)

// Budget is the per-attempt spend cap the caller (pkg/workflow's
// scheduler) hands the executor: max tokens and max wall-clock for this
// task (spec §3 Task.budget).
type Budget struct {
	MaxTokens    int
	MaxWallClock time.Duration
}

// TaskResult is C5's output: the fields a TaskGraph consumer or Capsule
// Assembler needs to decide what happens next.
type TaskResult struct {
	TaskID       string
	Attempt      int
	Artifact     corekit.Artifact
	TierUsed     tierrouter.Tier
	ProviderUsed string
	TokensIn     int
	TokensOut    int
	Latency      time.Duration
	Cost         float64
	Validation   validator.Report
	Confidence   float64
	Status       ResultStatus
	FailureKind  corekit.FailureKind
	ReviewNotes  string
}

// ReviewRequest is what the executor hands a Reviewer when confidence
// falls below the review threshold.
type ReviewRequest struct {
	TaskID   string
	Attempt  int
	Artifact corekit.Artifact
	Findings []validator.Finding
}

// ReviewDecision is a reviewer's verdict on a ReviewRequest.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
	DecisionRevise  ReviewDecision = "revise"
)

// ReviewResponse is a Reviewer's reply; Notes is only meaningful for
// DecisionRevise, where it's appended to the next dispatch attempt.
type ReviewResponse struct {
	Decision ReviewDecision
	Notes    string
}

// Reviewer receives a ReviewRequest and answers synchronously from this
// package's point of view. In the workflow engine (pkg/workflow) the
// equivalent call suspends the workflow and resumes on a respond signal
// (approve, reject or revise); this interface is the seam that call sits
// behind.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewResponse, error)
}

// IdempotencyRecorder implements the executor's (task_id, attempt)
// dedup (spec §4.5): Execute calls Seen before any stage runs and, on a
// hit, returns the recorded result without dispatching. Record is called
// only once an attempt has a result, after dispatch, so an attempt that
// is interrupted between dispatch and Record dispatches again on replay.
type IdempotencyRecorder interface {
	// Seen reports whether (taskID, attempt) was already dispatched, and
	// if so returns the recorded result (ok=true) so a retried activity
	// can be deduplicated instead of re-calling the LLM.
	Seen(taskID string, attempt int) (result TaskResult, ok bool)
	Record(taskID string, attempt int, result TaskResult)
}

// noopRecorder never recalls a prior attempt; used when the caller hasn't
// wired real durable history yet.
type noopRecorder struct{}

func (noopRecorder) Seen(string, int) (TaskResult, bool) { return TaskResult{}, false }
func (noopRecorder) Record(string, int, TaskResult)      {}

// Config tunes confidence scoring and retry policy.
type Config struct {
	// Confidence weights (spec §4.5 step 5):
	// confidence = max(0, 1 - WErr*errors - WLowCoverage*(1-coverage) - WThrottle*throttleCount)
	WErr          float64
	WLowCoverage  float64
	WThrottle     float64
	ReviewThreshold float64 // theta_human

	RetryMax      int
	RetryBaseDelay time.Duration
	RetryCapDelay  time.Duration

	// SandboxKinds lists task kinds that require runtime validation
	// (stage 4); everything else skips straight to confidence scoring.
	SandboxKinds map[string]bool
}

func defaultConfig() Config {
	return Config{
		WErr:            0.2,
		WLowCoverage:    0.3,
		WThrottle:       0.1,
		ReviewThreshold: 0.7,
		RetryMax:        3,
		RetryBaseDelay:  500 * time.Millisecond,
		RetryCapDelay:   10 * time.Second,
		SandboxKinds:    map[string]bool{"code": true, "sandbox_check": true},
	}
}
