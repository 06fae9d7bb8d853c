package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/executor"
	"github.com/capsulecraft/orchestrator/pkg/taskgraph"
)

// instance is one running RequestWorkflow. Its event history is the
// authoritative record (spec §5: "single-logical-writer per workflow
// instance"); every field mutation here happens under mu and is mirrored
// to Store via an appended event before the mutation is considered
// durable.
type instance struct {
	id      string
	request Request
	engine  *Engine

	mu             sync.Mutex
	state          State
	graph          *taskgraph.Graph
	depths         map[string]int
	results        map[string]executor.TaskResult // task_id -> latest attempt result
	errors         []ErrorEntry
	seq            int64
	sinceCheckpoint int
	cancelRequested bool
	reviewWaiters  map[string]chan executor.ReviewResponse
	capsuleID      string
	capsuleVersion int

	cancelFunc context.CancelFunc
	done       chan struct{}
	doneOnce   sync.Once
}

func newInstance(e *Engine, req Request) *instance {
	return &instance{
		id:            req.ID,
		request:       req,
		engine:        e,
		state:         StateAccepted,
		results:       make(map[string]executor.TaskResult),
		reviewWaiters: make(map[string]chan executor.ReviewResponse),
		done:          make(chan struct{}),
	}
}

func (i *instance) clockNow() time.Time { return i.engine.clock.Now() }

// appendLocked persists an event; mu must already be held. A persistence
// failure here is a corruption-class condition (spec §7), surfaced as an
// error entry rather than panicking, since the in-memory state is still
// internally consistent even if it couldn't be durably recorded.
func (i *instance) appendLocked(eventType string, payload interface{}) {
	if i.engine.store == nil {
		return
	}
	if err := appendEvent(context.Background(), i.engine.store, i.id, eventType, payload, i.clockNow(), &i.seq); err != nil {
		i.errors = append(i.errors, ErrorEntry{
			Kind:    string(corekit.KindCorruption),
			Message: "failed to append workflow event: " + err.Error(),
			At:      i.clockNow(),
		})
	}
}

// setStateLocked transitions state and persists it. mu must be held.
func (i *instance) setStateLocked(to State) {
	from := i.state
	if from == to {
		return
	}
	i.state = to
	i.appendLocked(eventStateTransition, stateTransitionPayload{From: from, To: to})
}

// recordErrorLocked appends a status()-visible error entry. mu must be held.
func (i *instance) recordErrorLocked(taskID string, kind corekit.FailureKind, msg string) {
	i.errors = append(i.errors, ErrorEntry{TaskID: taskID, Kind: string(kind), Message: msg, At: i.clockNow()})
}

// maybeCheckpointLocked persists a checkpoint every CheckpointEvery task
// completions (spec §4.6 "persist a checkpoint every K task completions").
// mu must be held.
func (i *instance) maybeCheckpointLocked() {
	i.sinceCheckpoint++
	if i.sinceCheckpoint >= i.engine.cfg.CheckpointEvery {
		i.sinceCheckpoint = 0
		i.appendLocked(eventCheckpoint, checkpointPayload{CompletedCount: len(i.results), State: i.state})
	}
}

func (i *instance) markDone() {
	i.doneOnce.Do(func() { close(i.done) })
}

func (i *instance) isCancelRequested() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelRequested
}

// capsuleRef returns the most recently finalized capsule's id and
// version, or ok=false if none has been assembled yet.
func (i *instance) capsuleRef() (id string, version int, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.capsuleID == "" {
		return "", 0, false
	}
	return i.capsuleID, i.capsuleVersion, true
}

func (i *instance) status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	progress := Progress{}
	if i.graph != nil {
		for _, t := range i.graph.Tasks() {
			progress.TotalTasks++
			switch t.Status {
			case taskgraph.StatusCompleted:
				progress.CompletedTasks++
			case taskgraph.StatusFailed:
				progress.FailedTasks++
			}
		}
	}
	for _, r := range i.results {
		if r.Status == executor.StatusValidated {
			progress.ValidatedTasks++
		}
	}

	errs := make([]ErrorEntry, len(i.errors))
	copy(errs, i.errors)

	return Status{
		WorkflowID: i.id,
		State:      i.state,
		Terminal:   i.state.terminal(),
		Progress:   progress,
		Errors:     errs,
		CapsuleID:  i.capsuleID,
	}
}
