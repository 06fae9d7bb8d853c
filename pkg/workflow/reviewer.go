package workflow

import (
	"context"
	"fmt"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/executor"
)

// sharedReviewer is the single executor.Reviewer instance wired into the
// engine's Executor. It has no review logic of its own: it looks up which
// running instance owns the incoming task id and suspends on its behalf,
// exactly the seam executor.Reviewer's doc comment describes ("the
// equivalent call suspends the workflow and resumes on a respond
// signal").
type sharedReviewer struct {
	engine *Engine
}

func (r *sharedReviewer) Review(ctx context.Context, req executor.ReviewRequest) (executor.ReviewResponse, error) {
	inst := r.engine.instanceForTask(req.TaskID)
	if inst == nil {
		return executor.ReviewResponse{}, fmt.Errorf("workflow: no running instance owns task %s", req.TaskID)
	}
	return inst.awaitReview(ctx, req)
}

// awaitReview transitions the owning workflow to AWAITING_REVIEW, persists
// the suspension, and blocks until a matching approve/reject/revise
// signal resolves it (or ctx is cancelled, e.g. by workflow cancellation
// or T_act expiring).
func (i *instance) awaitReview(ctx context.Context, req executor.ReviewRequest) (executor.ReviewResponse, error) {
	i.mu.Lock()
	waitCh := make(chan executor.ReviewResponse, 1)
	i.reviewWaiters[req.TaskID] = waitCh
	prev := i.state
	i.setStateLocked(StateAwaitingReview)
	i.appendLocked(eventReviewRequested, reviewRequestedPayload{TaskID: req.TaskID})
	i.mu.Unlock()

	select {
	case resp := <-waitCh:
		i.mu.Lock()
		delete(i.reviewWaiters, req.TaskID)
		// Only fall back to RUNNING if no other task is still pending
		// review. resolveReview only records the decision and hands it
		// over; restoring the state is left to this call.
		if i.state == StateAwaitingReview && len(i.reviewWaiters) == 0 {
			i.setStateLocked(StateRunning)
		}
		i.mu.Unlock()
		return resp, nil
	case <-ctx.Done():
		i.mu.Lock()
		delete(i.reviewWaiters, req.TaskID)
		if len(i.reviewWaiters) == 0 {
			i.setStateLocked(prev)
		}
		i.mu.Unlock()
		return executor.ReviewResponse{}, corekit.NewClassifiedError("workflow.review", corekit.KindCancellation, req.TaskID, ctx.Err())
	}
}

// resolveReview delivers a signal's decision to a suspended review, or
// reports ok=false if no task with that id is currently suspended.
func (i *instance) resolveReview(taskID string, resp executor.ReviewResponse) bool {
	i.mu.Lock()
	ch, ok := i.reviewWaiters[taskID]
	if ok {
		i.appendLocked(eventReviewResolved, reviewResolvedPayload{TaskID: taskID, Decision: string(resp.Decision)})
	}
	i.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}
