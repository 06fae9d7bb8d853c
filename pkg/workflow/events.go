package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/store"
)

// Event type tags recorded via Store.AppendEvent. The payload for each is
// a small JSON struct. The engine only appends these events; it does not
// read the history back, so a restarted process does not rebuild a
// workflow's status from them.
const (
	eventAccepted          = "workflow_accepted"
	eventStateTransition   = "state_transition"
	eventTaskDispatched    = "task_dispatched"
	eventTaskCompleted     = "task_completed"
	eventReviewRequested   = "review_requested"
	eventReviewResolved    = "review_resolved"
	eventCheckpoint        = "checkpoint"
	eventCancelRequested   = "cancel_requested"
	eventCapsuleFinalized  = "capsule_finalized"
	eventDeliveryRecorded  = "delivery_recorded"
)

type acceptedPayload struct {
	Request Request
}

type stateTransitionPayload struct {
	From State
	To   State
}

type taskDispatchedPayload struct {
	TaskID string
	Kind   string
	Attempt int
}

type taskCompletedPayload struct {
	TaskID      string
	Status      string
	Confidence  float64
	FailureKind string
}

type reviewRequestedPayload struct {
	TaskID string
}

type reviewResolvedPayload struct {
	TaskID   string
	Decision string
}

type checkpointPayload struct {
	CompletedCount int
	State          State
}

type capsuleFinalizedPayload struct {
	CapsuleID string
	Version   int
}

type deliveryRecordedPayload struct {
	CapsuleID string
	RepoID    string
	CommitSHA string
	Partial   bool
}

// appendEvent marshals payload and records it against workflowID. Errors
// are classified corruption-adjacent by the caller (a checkpoint write
// failing is itself a durability problem, not a task failure), but this
// helper just surfaces the raw error for the caller to decide.
func appendEvent(ctx context.Context, s store.Store, workflowID, eventType string, payload interface{}, clockNow time.Time, seq *int64) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	*seq++
	return s.AppendEvent(ctx, workflowID, store.Event{
		Seq:        *seq,
		WorkflowID: workflowID,
		Type:       eventType,
		Payload:    data,
		Timestamp:  clockNow,
	})
}
