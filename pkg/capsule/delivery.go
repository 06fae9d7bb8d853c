package capsule

import (
	"context"
	"fmt"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/breaker"
	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/vcs"
)

// Delivery implements C7's delivery half: at-least-once push of a
// finalized capsule to a VCSTarget.
type Delivery struct {
	Target   vcs.Target
	Breakers *breaker.Set
	Clock    func() time.Time
}

// NewDelivery builds a Delivery. breakers may be nil, in which case
// CreateRepo/Push are called directly with no circuit protection
// (acceptable for the FakeTarget tests use).
func NewDelivery(target vcs.Target, breakers *breaker.Set) *Delivery {
	return &Delivery{Target: target, Breakers: breakers, Clock: time.Now}
}

// Deliver creates repoName if needed and pushes c's files+tests in one
// commit. A push failure is not rolled back: the repo stays in place
// whether or not this call created it (vcs.Target has no delete), and
// Deliver returns a DeliveryReceipt with Partial=true and a resume token
// (the push's idempotency key) the caller can retry with. Both calls run through the
// "vcs" circuit breaker so a failing VCS target short-circuits instead of
// being hammered.
func (d *Delivery) Deliver(ctx context.Context, c *Capsule, repoName string, private bool) (*DeliveryReceipt, error) {
	if c.State != StateFinalized && c.State != StateDelivered {
		return nil, fmt.Errorf("capsule: cannot deliver a capsule in state %q", c.State)
	}

	var repoID string
	err := d.through(ctx, func(ctx context.Context) error {
		id, err := d.Target.CreateRepo(ctx, repoName, private)
		repoID = id
		return err
	})
	if err != nil {
		return nil, corekit.NewClassifiedError("capsule.deliver.create_repo", corekit.KindOf(err), c.ID, err)
	}

	combined := make(map[string][]byte, len(c.Files)+len(c.Tests))
	for p, content := range c.Files {
		combined[p] = content
	}
	for p, content := range c.Tests {
		combined["tests/"+p] = content
	}

	idempotencyKey := fmt.Sprintf("%s|v%d|%s", c.ID, c.Version, repoID)
	message := fmt.Sprintf("deliver capsule %s v%d", c.ID, c.Version)

	var commitSHA string
	pushErr := d.through(ctx, func(ctx context.Context) error {
		sha, err := d.Target.Push(ctx, repoID, combined, message, idempotencyKey)
		commitSHA = sha
		return err
	})
	receipt := &DeliveryReceipt{
		RepoID:       repoID,
		CommitSHA:    commitSHA,
		AttemptCount: 1,
		DeliveredAt:  d.now(),
	}
	if pushErr != nil {
		receipt.Partial = true
		receipt.ResumeToken = idempotencyKey
		return receipt, corekit.NewClassifiedError("capsule.deliver.push", corekit.KindOf(pushErr), c.ID, pushErr)
	}

	receipt.URL = fmt.Sprintf("https://github.com/%s/commit/%s", repoID, commitSHA)
	return receipt, nil
}

func (d *Delivery) through(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.Breakers == nil {
		return fn(ctx)
	}
	return d.Breakers.For("vcs").Execute(ctx, fn)
}

func (d *Delivery) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}
